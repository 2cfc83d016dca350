package plugins

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kingrea/tally/internal/redflag"
)

// ProfileDefinition describes a task-type red-flag profile loaded from
// .tally/profiles.
//
// Zero thresholds and empty marker lists inherit from the default profile, so
// a definition only needs to state what differs for its task types.
type ProfileDefinition struct {
	ID                string          `json:"id" yaml:"id"`
	Description       string          `json:"description,omitempty" yaml:"description,omitempty"`
	TaskTypes         []string        `json:"task_types,omitempty" yaml:"task_types,omitempty"`
	MaxChars          int             `json:"max_chars,omitempty" yaml:"max_chars,omitempty"`
	MaxLines          int             `json:"max_lines,omitempty" yaml:"max_lines,omitempty"`
	MaxRepeats        int             `json:"max_repeats,omitempty" yaml:"max_repeats,omitempty"`
	Decisive          *bool           `json:"decisive,omitempty" yaml:"decisive,omitempty"`
	Structured        bool            `json:"structured,omitempty" yaml:"structured,omitempty"`
	Schema            *redflag.Schema `json:"schema,omitempty" yaml:"schema,omitempty"`
	HedgingMarkers    []string        `json:"hedging_markers,omitempty" yaml:"hedging_markers,omitempty"`
	CommentaryMarkers []string        `json:"commentary_markers,omitempty" yaml:"commentary_markers,omitempty"`
	FailureMarkers    []string        `json:"failure_markers,omitempty" yaml:"failure_markers,omitempty"`
}

// Normalized returns a trimmed copy of the definition.
func (def ProfileDefinition) Normalized() ProfileDefinition {
	clone := def
	clone.ID = strings.TrimSpace(def.ID)
	clone.Description = strings.TrimSpace(def.Description)
	clone.TaskTypes = trimAll(def.TaskTypes)
	clone.HedgingMarkers = trimAll(def.HedgingMarkers)
	clone.CommentaryMarkers = trimAll(def.CommentaryMarkers)
	clone.FailureMarkers = trimAll(def.FailureMarkers)
	if def.Schema != nil {
		schema := *def.Schema
		schema.Fields = append([]redflag.FieldRule(nil), def.Schema.Fields...)
		for i := range schema.Fields {
			schema.Fields[i].Name = strings.TrimSpace(schema.Fields[i].Name)
			schema.Fields[i].Type = strings.ToLower(strings.TrimSpace(schema.Fields[i].Type))
		}
		clone.Schema = &schema
	}
	return clone
}

// Validate ensures the definition yields a usable profile.
func (def ProfileDefinition) Validate() error {
	normalized := def.Normalized()
	if normalized.ID == "" {
		return fmt.Errorf("plugin: id is required")
	}
	seen := map[string]struct{}{}
	for _, taskType := range normalized.Types() {
		key := strings.ToLower(taskType)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("plugin %s: task type %s listed twice", normalized.ID, taskType)
		}
		seen[key] = struct{}{}
	}
	if errs := normalized.Profile(redflag.Profile{}).Validate(); len(errs) > 0 {
		return fmt.Errorf("plugin %s: %w", normalized.ID, errors.Join(errs...))
	}
	return nil
}

// Types returns the task types the profile applies to, defaulting to its id.
func (def ProfileDefinition) Types() []string {
	if len(def.TaskTypes) == 0 {
		return []string{strings.TrimSpace(def.ID)}
	}
	return def.TaskTypes
}

// Profile builds the red-flag profile, taking unset values from base.
func (def ProfileDefinition) Profile(base redflag.Profile) redflag.Profile {
	profile := redflag.Profile{
		ID:                def.ID,
		MaxChars:          firstPositive(def.MaxChars, base.MaxChars),
		MaxLines:          firstPositive(def.MaxLines, base.MaxLines),
		MaxRepeats:        firstPositive(def.MaxRepeats, base.MaxRepeats),
		Decisive:          base.Decisive,
		Structured:        def.Structured,
		Schema:            def.Schema,
		HedgingMarkers:    firstNonEmpty(def.HedgingMarkers, base.HedgingMarkers),
		CommentaryMarkers: firstNonEmpty(def.CommentaryMarkers, base.CommentaryMarkers),
		FailureMarkers:    firstNonEmpty(def.FailureMarkers, base.FailureMarkers),
	}
	if def.Decisive != nil {
		profile.Decisive = *def.Decisive
	}
	return profile
}

func firstPositive(value, fallback int) int {
	if value != 0 {
		return value
	}
	return fallback
}

func firstNonEmpty(values, fallback []string) []string {
	if len(values) > 0 {
		return values
	}
	return fallback
}

func trimAll(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
