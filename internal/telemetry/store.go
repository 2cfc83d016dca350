package telemetry

import (
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Stats summarises finished tasks of a category over a window.
type Stats struct {
	Category       string        `json:"category"`
	Window         time.Duration `json:"window"`
	Tasks          int           `json:"tasks"`
	SuccessRate    float64       `json:"success_rate"`
	AvgAttempts    float64       `json:"avg_attempts"`
	EscalationRate float64       `json:"escalation_rate"`
	AvgCost        float64       `json:"avg_cost_usd"`
	// CostSavingsVsBaseline is (baseline - actual) / baseline, where baseline
	// prices every attempt at the top tier.
	CostSavingsVsBaseline float64 `json:"cost_savings_vs_baseline"`
}

type taskSample struct {
	at        time.Time
	success   bool
	escalated bool
	attempts  int
	cost      float64
	baseline  float64
}

type shard struct {
	mu         sync.Mutex
	byCategory map[string][]taskSample
}

// Store keeps terminal task samples in shards keyed by category hash so
// concurrent writers for different categories rarely contend.
type Store struct {
	shards    []*shard
	retention time.Duration
	clock     func() time.Time
}

// NewStore creates a store with n shards that forgets samples older than retention.
func NewStore(n int, retention time.Duration, clock func() time.Time) *Store {
	if n < 1 {
		n = 1
	}
	if clock == nil {
		clock = time.Now
	}
	s := &Store{shards: make([]*shard, n), retention: retention, clock: clock}
	for i := range s.shards {
		s.shards[i] = &shard{byCategory: map[string][]taskSample{}}
	}
	return s
}

// Add records a terminal event. Other kinds are ignored.
func (s *Store) Add(event Event) {
	if !event.Terminal() {
		return
	}
	category := normalizeCategory(event.Category)
	at := event.Timestamp
	if at.IsZero() {
		at = s.clock()
	}
	sample := taskSample{
		at:        at,
		success:   event.Succeeded(),
		escalated: event.Escalations > 0,
		attempts:  event.AttemptsUsed,
		cost:      event.CostUSD,
		baseline:  event.BaselineCostUSD,
	}
	sh := s.shardFor(category)
	sh.mu.Lock()
	samples := append(sh.byCategory[category], sample)
	sh.byCategory[category] = s.prune(samples)
	sh.mu.Unlock()
}

// Stats aggregates one category, or every category when category is empty.
// A zero window covers the whole retention period.
func (s *Store) Stats(category string, window time.Duration) Stats {
	category = normalizeCategory(category)
	stats := Stats{Category: category, Window: window}
	var cutoff time.Time
	if window > 0 {
		cutoff = s.clock().Add(-window)
	}
	var successes, escalated, attempts int
	var cost, baseline float64
	visit := func(samples []taskSample) {
		for _, sample := range samples {
			if !cutoff.IsZero() && sample.at.Before(cutoff) {
				continue
			}
			stats.Tasks++
			attempts += sample.attempts
			cost += sample.cost
			baseline += sample.baseline
			if sample.success {
				successes++
			}
			if sample.escalated {
				escalated++
			}
		}
	}
	if category != "" {
		sh := s.shardFor(category)
		sh.mu.Lock()
		visit(sh.byCategory[category])
		sh.mu.Unlock()
	} else {
		for _, sh := range s.shards {
			sh.mu.Lock()
			for _, samples := range sh.byCategory {
				visit(samples)
			}
			sh.mu.Unlock()
		}
	}
	if stats.Tasks == 0 {
		return stats
	}
	n := float64(stats.Tasks)
	stats.SuccessRate = float64(successes) / n
	stats.AvgAttempts = float64(attempts) / n
	stats.EscalationRate = float64(escalated) / n
	stats.AvgCost = cost / n
	if baseline > 0 {
		stats.CostSavingsVsBaseline = (baseline - cost) / baseline
	}
	return stats
}

// Categories lists every category with retained samples.
func (s *Store) Categories() []string {
	var out []string
	for _, sh := range s.shards {
		sh.mu.Lock()
		for category := range sh.byCategory {
			out = append(out, category)
		}
		sh.mu.Unlock()
	}
	return out
}

func (s *Store) shardFor(category string) *shard {
	return s.shards[xxhash.Sum64String(category)%uint64(len(s.shards))]
}

// prune drops samples past retention; samples are appended in time order.
func (s *Store) prune(samples []taskSample) []taskSample {
	if s.retention <= 0 {
		return samples
	}
	cutoff := s.clock().Add(-s.retention)
	drop := 0
	for drop < len(samples) && samples[drop].at.Before(cutoff) {
		drop++
	}
	if drop == 0 {
		return samples
	}
	return append([]taskSample(nil), samples[drop:]...)
}

func normalizeCategory(category string) string {
	return strings.ToLower(strings.TrimSpace(category))
}
