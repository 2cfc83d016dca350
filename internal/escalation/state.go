package escalation

import (
	"errors"
	"fmt"
)

// State is the controller's position in the escalation state machine.
type State string

const (
	StateSampling            State = "sampling"
	StateEvaluating          State = "evaluating"
	StateAwaitingMoreSamples State = "awaiting_more_samples"
	StateEscalating          State = "escalating"
	StateCompleted           State = "completed"
	StateFailed              State = "failed"
)

var (
	// ErrInvalidTransition is returned for a move the state table forbids.
	ErrInvalidTransition = errors.New("escalation: invalid transition")
	// ErrEscalationExhausted means the top tier could not decide the task.
	ErrEscalationExhausted = errors.New("escalation: ladder exhausted")
)

var allowedTransitions = map[State]map[State]struct{}{
	StateSampling: {
		StateEvaluating: {},
		StateFailed:     {},
	},
	StateEvaluating: {
		StateCompleted:           {},
		StateEscalating:          {},
		StateAwaitingMoreSamples: {},
		StateFailed:              {},
	},
	StateAwaitingMoreSamples: {
		StateSampling: {},
		StateFailed:   {},
	},
	StateEscalating: {
		StateSampling: {},
		StateFailed:   {},
	},
	StateCompleted: {},
	StateFailed:    {},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ValidateState rejects unknown states.
func ValidateState(state State) error {
	if _, ok := allowedTransitions[state]; !ok {
		return fmt.Errorf("escalation: unknown state %q", state)
	}
	return nil
}

// ValidateTransition checks a move against the transition table.
func ValidateTransition(from, to State) error {
	if err := ValidateState(from); err != nil {
		return err
	}
	if err := ValidateState(to); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
