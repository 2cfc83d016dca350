// Package escalation owns the per-task state machine that turns voting
// decisions into the next step: sample more, move up the tier ladder, finish,
// or fail.
package escalation

import (
	"fmt"
	"time"

	"github.com/kingrea/tally/internal/executor"
	"github.com/kingrea/tally/internal/task"
	"github.com/kingrea/tally/internal/voting"
)

// Action is what the controller asks the caller to do next.
type Action string

const (
	ActionSample   Action = "sample"
	ActionEscalate Action = "escalate"
	ActionComplete Action = "complete"
	ActionFail     Action = "fail"
)

// Directive is the controller's instruction after each step.
type Directive struct {
	Action Action
	// Samples is the number of attempts to dispatch at Tier.
	Samples  int
	Tier     executor.Tier
	K        int
	Reason   task.EscalationReason
	Decision voting.Decision
	Err      error
}

// Option customizes a Controller.
type Option func(*Controller)

// WithClock overrides the time source used for escalation records.
func WithClock(clock func() time.Time) Option {
	return func(c *Controller) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithInitialBatch fixes the first batch size at every tier. Zero means K+1.
func WithInitialBatch(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.initialBatch = n
		}
	}
}

// WithWeighted enables confidence-weighted voting.
func WithWeighted(weighted bool) Option {
	return func(c *Controller) {
		c.weighted = weighted
	}
}

// Controller drives one task. It is not safe for concurrent use; the task's
// goroutine owns it.
type Controller struct {
	task         task.Task
	ladder       executor.Ladder
	policy       KPolicy
	clock        func() time.Time
	initialBatch int
	weighted     bool

	state    State
	tierIdx  int
	k        int
	used     int
	attempts []task.Attempt
	records  []task.EscalationRecord
	last     voting.Decision
}

// NewController prepares a controller at the bottom tier.
func NewController(t task.Task, ladder executor.Ladder, policy KPolicy, opts ...Option) (*Controller, error) {
	if len(ladder) == 0 {
		return nil, fmt.Errorf("escalation: ladder has no tiers")
	}
	c := &Controller{
		task:   t,
		ladder: ladder,
		policy: policy,
		clock:  time.Now,
		state:  StateSampling,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.enterTier(0)
	return c, nil
}

// Start returns the first sampling directive.
func (c *Controller) Start() Directive {
	return Directive{Action: ActionSample, Samples: c.batchSize(), Tier: c.Tier(), K: c.k}
}

// State returns the current state.
func (c *Controller) State() State { return c.state }

// Tier returns the active tier.
func (c *Controller) Tier() executor.Tier { return c.ladder[c.tierIdx] }

// K returns the margin in force at the active tier.
func (c *Controller) K() int { return c.k }

// Used returns how many attempts the active tier has consumed.
func (c *Controller) Used() int { return c.used }

// Remaining returns the active tier's unspent attempt budget.
func (c *Controller) Remaining() int {
	if r := c.maxAttempts() - c.used; r > 0 {
		return r
	}
	return 0
}

// LastDecision returns the most recent voting decision.
func (c *Controller) LastDecision() voting.Decision { return c.last }

// Records returns a copy of the escalation history.
func (c *Controller) Records() []task.EscalationRecord {
	return append([]task.EscalationRecord(nil), c.records...)
}

// Observe consumes a fully returned, classified batch from the active tier and
// decides the next step.
func (c *Controller) Observe(batch []task.Attempt) (Directive, error) {
	if err := c.transition(StateEvaluating); err != nil {
		return Directive{}, err
	}
	c.attempts = append(c.attempts, batch...)
	c.used += len(batch)

	decision := voting.Evaluate(c.task.ID, c.attempts, c.k, c.weighted)
	c.last = decision

	if correlatedRedFlag(batch) {
		return c.escalate(task.ReasonCorrelatedRedFlag, decision)
	}
	switch decision.Outcome {
	case voting.OutcomeWinner:
		if err := c.transition(StateCompleted); err != nil {
			return Directive{}, err
		}
		c.resolvePending(task.OutcomeCompleted)
		return Directive{Action: ActionComplete, Tier: c.Tier(), K: c.k, Decision: decision}, nil
	case voting.OutcomeConsensusOnFailure:
		return c.escalate(task.ReasonConsensusOnFailure, decision)
	}

	remaining := c.Remaining()
	if remaining == 0 {
		return c.escalate(task.ReasonNoConsensus, decision)
	}
	if err := c.transition(StateAwaitingMoreSamples); err != nil {
		return Directive{}, err
	}
	if err := c.transition(StateSampling); err != nil {
		return Directive{}, err
	}
	samples := decision.Needed
	if samples < 1 {
		samples = 1
	}
	if samples > remaining {
		samples = remaining
	}
	return Directive{Action: ActionSample, Samples: samples, Tier: c.Tier(), K: c.k, Decision: decision}, nil
}

// Abort fails the task from any non-terminal state, for cancellation and
// deadlines.
func (c *Controller) Abort(cause error) (Directive, error) {
	if c.state.Terminal() {
		return Directive{}, fmt.Errorf("%w: task already %s", ErrInvalidTransition, c.state)
	}
	if err := c.transition(StateFailed); err != nil {
		return Directive{}, err
	}
	c.resolvePending(task.OutcomeFailed)
	return Directive{Action: ActionFail, Tier: c.Tier(), K: c.k, Decision: c.last, Err: cause}, nil
}

func (c *Controller) escalate(reason task.EscalationReason, decision voting.Decision) (Directive, error) {
	if err := c.transition(StateEscalating); err != nil {
		return Directive{}, err
	}
	from := c.Tier().Name
	if c.tierIdx == len(c.ladder)-1 {
		// There is no tier above; only the move into this tier is recorded.
		c.resolvePending(task.OutcomeFailed)
		if err := c.transition(StateFailed); err != nil {
			return Directive{}, err
		}
		return Directive{
			Action:   ActionFail,
			Tier:     c.Tier(),
			K:        c.k,
			Reason:   reason,
			Decision: decision,
			Err:      fmt.Errorf("%w after %s at tier %s", ErrEscalationExhausted, reason, from),
		}, nil
	}
	c.resolvePending(task.OutcomeEscalated)
	c.enterTier(c.tierIdx + 1)
	c.records = append(c.records, task.EscalationRecord{
		TaskID:   c.task.ID,
		Reason:   reason,
		FromTier: from,
		ToTier:   c.Tier().Name,
		At:       c.clock(),
	})
	if err := c.transition(StateSampling); err != nil {
		return Directive{}, err
	}
	return Directive{
		Action:   ActionEscalate,
		Samples:  c.batchSize(),
		Tier:     c.Tier(),
		K:        c.k,
		Reason:   reason,
		Decision: decision,
	}, nil
}

// enterTier resets the per-tier budget and tally; votes never carry across tiers.
func (c *Controller) enterTier(idx int) {
	c.tierIdx = idx
	c.k = c.policy.K(c.task, c.ladder[idx])
	c.used = 0
	c.attempts = nil
}

func (c *Controller) maxAttempts() int {
	limit := c.Tier().MaxAttempts
	if m := c.task.Consensus.MaxAttempts; m > 0 {
		limit = m
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

func (c *Controller) batchSize() int {
	n := c.task.Consensus.InitialBatch
	if n <= 0 {
		n = c.initialBatch
	}
	if n <= 0 {
		n = c.k + 1
	}
	if limit := c.maxAttempts(); n > limit {
		n = limit
	}
	return n
}

func (c *Controller) transition(to State) error {
	if err := ValidateTransition(c.state, to); err != nil {
		return err
	}
	c.state = to
	return nil
}

// resolvePending fills the outcome of the latest open escalation record.
func (c *Controller) resolvePending(outcome task.EscalationOutcome) {
	if n := len(c.records); n > 0 && c.records[n-1].Outcome == task.OutcomePending {
		c.records[n-1].Outcome = outcome
	}
}

// minCorrelated is the fewest produced attempts that can show a correlated
// red flag. A lone flagged sample is only noise.
const minCorrelated = 2

// correlatedRedFlag reports whether every attempt of the batch that produced
// output was red-flagged, given at least minCorrelated did.
func correlatedRedFlag(batch []task.Attempt) bool {
	produced := 0
	for _, attempt := range batch {
		if !attempt.Produced() {
			continue
		}
		produced++
		if attempt.Admissible {
			return false
		}
	}
	return produced >= minCorrelated
}
