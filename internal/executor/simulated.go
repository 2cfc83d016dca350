package executor

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// Behavior describes how a simulated worker tier misbehaves. Rates are
// probabilities in [0,1] drawn per attempt.
type Behavior struct {
	ErrorRate float64 `yaml:"error_rate"`
	// CorrelatedShare is the fraction of errors that return the same wrong
	// answer, which is what defeats naive majority voting.
	CorrelatedShare  float64       `yaml:"correlated_share"`
	RedFlagRate      float64       `yaml:"red_flag_rate"`
	InfraFailureRate float64       `yaml:"infra_failure_rate"`
	FailureRate      float64       `yaml:"failure_rate"`
	Latency          time.Duration `yaml:"latency"`
	Units            int64         `yaml:"units"`
}

// Simulated answers from ground truth with seeded, reproducible noise.
type Simulated struct {
	mu        sync.Mutex
	rng       *rand.Rand
	behaviors map[string]Behavior
	truth     func(payload string) string
}

// NewSimulated creates a simulated executor. truth maps a payload to its
// correct answer; behaviors are keyed by tier name.
func NewSimulated(seed int64, behaviors map[string]Behavior, truth func(payload string) string) *Simulated {
	normalized := make(map[string]Behavior, len(behaviors))
	for tier, behavior := range behaviors {
		normalized[strings.ToLower(tier)] = behavior
	}
	if truth == nil {
		truth = func(payload string) string { return payload }
	}
	return &Simulated{
		rng:       rand.New(rand.NewSource(seed)),
		behaviors: normalized,
		truth:     truth,
	}
}

type draw struct {
	infra, failure, redFlag, wrong, correlated bool
	noise                                      int
	confidence                                 float64
}

func (s *Simulated) roll(b Behavior) draw {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := draw{
		infra:      s.rng.Float64() < b.InfraFailureRate,
		failure:    s.rng.Float64() < b.FailureRate,
		redFlag:    s.rng.Float64() < b.RedFlagRate,
		wrong:      s.rng.Float64() < b.ErrorRate,
		correlated: s.rng.Float64() < b.CorrelatedShare,
		noise:      s.rng.Intn(1000),
	}
	if d.wrong {
		d.confidence = 0.2 + 0.6*s.rng.Float64()
	} else {
		d.confidence = 0.6 + 0.4*s.rng.Float64()
	}
	return d
}

// Execute produces one simulated attempt.
func (s *Simulated) Execute(ctx context.Context, payload string, tier string) (Output, error) {
	behavior := s.behaviors[strings.ToLower(tier)]
	d := s.roll(behavior)
	if behavior.Latency > 0 {
		timer := time.NewTimer(behavior.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Output{}, ctx.Err()
		case <-timer.C:
		}
	}
	if d.infra {
		return Output{}, fmt.Errorf("%w: simulated outage on %s", ErrTransport, tier)
	}
	out := Output{
		UnitsUsed:  behavior.Units,
		Latency:    behavior.Latency,
		Confidence: Confidence(d.confidence),
	}
	truth := s.truth(payload)
	switch {
	case d.failure:
		out.Text = "fail: unable to complete " + truth
		out.FailureSignal = true
	case d.wrong && d.correlated:
		out.Text = truth + "-shared-mistake"
	case d.wrong:
		out.Text = fmt.Sprintf("%s-noise-%d", truth, d.noise)
	default:
		out.Text = truth
	}
	if d.redFlag && !out.FailureSignal {
		out.Text = "maybe " + out.Text
	}
	return out, nil
}
