package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrScriptExhausted is returned once a tier's script has no steps left.
var ErrScriptExhausted = errors.New("executor: script exhausted")

// Step is one canned response of a Scripted executor.
type Step struct {
	Text          string
	Confidence    *float64
	FailureSignal bool
	UnitsUsed     int64
	// Delay is waited before answering; the context cancels it.
	Delay time.Duration
	Err   error
}

// Text builds a plain successful step.
func Text(text string) Step {
	return Step{Text: text}
}

// Fail builds a step whose worker reports a failure signal.
func Fail(text string) Step {
	return Step{Text: text, FailureSignal: true}
}

// Scripted replays fixed responses per tier, in call order. It is used by tests
// and the harness to reproduce exact attempt sequences.
type Scripted struct {
	mu    sync.Mutex
	steps map[string][]Step
	calls map[string]int
}

// NewScripted creates a scripted executor. Keys are tier names.
func NewScripted(steps map[string][]Step) *Scripted {
	normalized := make(map[string][]Step, len(steps))
	for tier, list := range steps {
		normalized[strings.ToLower(tier)] = append([]Step(nil), list...)
	}
	return &Scripted{steps: normalized, calls: map[string]int{}}
}

// Execute pops the next step for tier.
func (s *Scripted) Execute(ctx context.Context, payload string, tier string) (Output, error) {
	key := strings.ToLower(tier)
	s.mu.Lock()
	queue := s.steps[key]
	if len(queue) == 0 {
		s.mu.Unlock()
		return Output{}, fmt.Errorf("%w: tier %s", ErrScriptExhausted, tier)
	}
	step := queue[0]
	s.steps[key] = queue[1:]
	s.calls[key]++
	s.mu.Unlock()

	started := time.Now()
	if step.Delay > 0 {
		timer := time.NewTimer(step.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Output{}, ctx.Err()
		case <-timer.C:
		}
	}
	if step.Err != nil {
		return Output{}, step.Err
	}
	return Output{
		Text:          step.Text,
		UnitsUsed:     step.UnitsUsed,
		Latency:       time.Since(started),
		Confidence:    step.Confidence,
		FailureSignal: step.FailureSignal,
	}, nil
}

// Calls reports how many steps tier has consumed.
func (s *Scripted) Calls(tier string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[strings.ToLower(tier)]
}

// Remaining reports how many steps tier has left.
func (s *Scripted) Remaining(tier string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps[strings.ToLower(tier)])
}
