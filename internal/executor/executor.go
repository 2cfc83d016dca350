// Package executor defines the worker contract the orchestrator samples from
// and the escalation ladder of worker tiers.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kingrea/tally/internal/config"
)

var (
	// ErrTransport marks a failure to reach the worker.
	ErrTransport = errors.New("executor: transport failure")
	// ErrMalformedResponse marks a response the adapter could not parse.
	ErrMalformedResponse = errors.New("executor: malformed response")
)

// Output is what a worker returns for one attempt.
type Output struct {
	Text      string
	UnitsUsed int64
	Latency   time.Duration
	// Confidence is optional; nil means the worker did not report one.
	Confidence    *float64
	FailureSignal bool
}

// Executor runs one attempt of a payload on the named tier.
type Executor interface {
	Execute(ctx context.Context, payload string, tier string) (Output, error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, payload string, tier string) (Output, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, payload string, tier string) (Output, error) {
	return f(ctx, payload, tier)
}

// Tier is one rung of the escalation ladder.
type Tier struct {
	Name           string
	Executor       Executor
	MaxAttempts    int
	Concurrency    int
	Timeout        time.Duration
	KDelta         int
	CostPerAttempt float64
	CostPerUnit    float64
}

// Cost prices one attempt that consumed units.
func (t Tier) Cost(units int64) float64 {
	return t.CostPerAttempt + float64(units)*t.CostPerUnit
}

// Ladder is the ordered list of tiers, cheapest first.
type Ladder []Tier

// Index returns the position of the named tier.
func (l Ladder) Index(name string) (int, bool) {
	for i, tier := range l {
		if strings.EqualFold(tier.Name, name) {
			return i, true
		}
	}
	return -1, false
}

// Top returns the most capable tier.
func (l Ladder) Top() Tier {
	if len(l) == 0 {
		return Tier{}
	}
	return l[len(l)-1]
}

// Validate checks that every tier can be dispatched to.
func (l Ladder) Validate() error {
	if len(l) == 0 {
		return fmt.Errorf("executor: ladder has no tiers")
	}
	seen := map[string]struct{}{}
	for i, tier := range l {
		name := strings.ToLower(strings.TrimSpace(tier.Name))
		if name == "" {
			return fmt.Errorf("executor: tier[%d]: name is required", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("executor: tier[%d]: duplicate tier %s", i, tier.Name)
		}
		seen[name] = struct{}{}
		if tier.Executor == nil {
			return fmt.Errorf("executor: tier %s: executor is required", tier.Name)
		}
		if tier.MaxAttempts < 1 {
			return fmt.Errorf("executor: tier %s: max attempts must be >= 1", tier.Name)
		}
		if tier.Concurrency < 1 {
			return fmt.Errorf("executor: tier %s: concurrency must be >= 1", tier.Name)
		}
	}
	return nil
}

// LadderFromConfig builds the ladder declared in config. resolve supplies the
// executor for each tier name; a nil result is an error.
func LadderFromConfig(cfg *config.Config, resolve func(tier string) Executor) (Ladder, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	var ladder Ladder
	for _, tc := range cfg.Tiers() {
		var exec Executor
		if resolve != nil {
			exec = resolve(tc.Name)
		}
		ladder = append(ladder, Tier{
			Name:           tc.Name,
			Executor:       exec,
			MaxAttempts:    tc.MaxAttempts,
			Concurrency:    tc.Concurrency,
			Timeout:        tc.Timeout,
			KDelta:         tc.KDelta,
			CostPerAttempt: tc.CostPerAttempt,
			CostPerUnit:    tc.CostPerUnit,
		})
	}
	if err := ladder.Validate(); err != nil {
		return nil, err
	}
	return ladder, nil
}

// Confidence is a helper for building Output literals.
func Confidence(c float64) *float64 {
	return &c
}
