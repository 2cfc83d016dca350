package redflag

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrDuplicateProfile is returned when a task type is registered twice.
var ErrDuplicateProfile = errors.New("redflag: duplicate profile")

// Registry maps task types to filters. Unknown task types use the default.
type Registry struct {
	mu       sync.RWMutex
	fallback *Filter
	byType   map[string]*Filter
}

// NewRegistry creates a registry whose fallback filter uses profile.
func NewRegistry(fallback Profile) *Registry {
	return &Registry{
		fallback: NewFilter(fallback),
		byType:   make(map[string]*Filter),
	}
}

// Register binds profile to every listed task type.
func (r *Registry) Register(profile Profile, taskTypes ...string) error {
	if errs := profile.Validate(); len(errs) > 0 {
		return fmt.Errorf("redflag: profile %s: %w", profile.ID, errors.Join(errs...))
	}
	if len(taskTypes) == 0 {
		taskTypes = []string{profile.ID}
	}
	filter := NewFilter(profile.withDefaultMarkers())
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, taskType := range taskTypes {
		key := normalizeType(taskType)
		if key == "" {
			return fmt.Errorf("redflag: profile %s: empty task type", profile.ID)
		}
		if existing, ok := r.byType[key]; ok {
			return fmt.Errorf("%w: task type %s already uses %s", ErrDuplicateProfile, key, existing.profile.ID)
		}
	}
	for _, taskType := range taskTypes {
		r.byType[normalizeType(taskType)] = filter
	}
	return nil
}

// For returns the filter for taskType, or the fallback.
func (r *Registry) For(taskType string) *Filter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if filter, ok := r.byType[normalizeType(taskType)]; ok {
		return filter
	}
	return r.fallback
}

// TaskTypes lists registered task types in sorted order.
func (r *Registry) TaskTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byType))
	for key := range r.byType {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func normalizeType(taskType string) string {
	return strings.ToLower(strings.TrimSpace(taskType))
}
