// Package task defines the records the orchestrator owns for a unit of work:
// the task itself, its attempts, consensus parameters and escalation history.
package task

import (
	"fmt"
	"strings"
	"time"
)

// RiskTier classifies how costly a wrong answer is for a task.
type RiskTier string

const (
	RiskSimple  RiskTier = "simple"
	RiskMedium  RiskTier = "medium"
	RiskComplex RiskTier = "complex"
)

// ParseRiskTier accepts a risk tier name in any case. Empty input maps to medium.
func ParseRiskTier(value string) (RiskTier, error) {
	switch RiskTier(strings.ToLower(strings.TrimSpace(value))) {
	case "", RiskMedium:
		return RiskMedium, nil
	case RiskSimple:
		return RiskSimple, nil
	case RiskComplex:
		return RiskComplex, nil
	default:
		return "", fmt.Errorf("task: unknown risk tier %q", value)
	}
}

// DefaultK returns the first-to-ahead-by-K margin for the risk tier.
func (r RiskTier) DefaultK() int {
	switch r {
	case RiskSimple:
		return 1
	case RiskComplex:
		return 3
	default:
		return 2
	}
}

// ConsensusParams are the per-task voting parameters. Zero values mean "use the
// configured default".
type ConsensusParams struct {
	K            int  `json:"k,omitempty" yaml:"k,omitempty"`
	MaxAttempts  int  `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	InitialBatch int  `json:"initial_batch,omitempty" yaml:"initial_batch,omitempty"`
	Weighted     bool `json:"weighted,omitempty" yaml:"weighted,omitempty"`
}

// Task is a unit of work submitted for redundant execution.
type Task struct {
	ID        string          `json:"id"`
	Payload   string          `json:"payload"`
	Risk      RiskTier        `json:"risk"`
	Category  string          `json:"category"`
	TaskType  string          `json:"task_type,omitempty"`
	Consensus ConsensusParams `json:"consensus"`
	DedupKey  string          `json:"dedup_key,omitempty"`
	Deadline  time.Time       `json:"deadline,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Attempt is one worker execution for a task. Attempts are never mutated after
// they are recorded.
type Attempt struct {
	TaskID          string        `json:"task_id"`
	Seq             int           `json:"seq"`
	Tier            string        `json:"tier"`
	Output          string        `json:"output"`
	Normalized      string        `json:"normalized"`
	Hash            string        `json:"hash"`
	Confidence      float64       `json:"confidence"`
	Admissible      bool          `json:"admissible"`
	Reasons         []string      `json:"reasons,omitempty"`
	IsFailureSignal bool          `json:"is_failure_signal,omitempty"`
	InfraError      string        `json:"infra_error,omitempty"`
	Retries         int           `json:"retries,omitempty"`
	Discarded       bool          `json:"discarded,omitempty"`
	UnitsUsed       int64         `json:"units_used"`
	CostUSD         float64       `json:"cost_usd"`
	Latency         time.Duration `json:"latency"`
}

// Produced reports whether the worker returned output that reached the filter.
func (a Attempt) Produced() bool {
	return a.InfraError == "" && !a.Discarded
}

// Voting reports whether the attempt is eligible for the tally.
func (a Attempt) Voting() bool {
	return a.Produced() && a.Admissible
}

// Admissible filters attempts down to the subset that may vote.
func Admissible(attempts []Attempt) []Attempt {
	out := make([]Attempt, 0, len(attempts))
	for _, attempt := range attempts {
		if attempt.Voting() {
			out = append(out, attempt)
		}
	}
	return out
}

// EscalationReason explains why a task left its tier.
type EscalationReason string

const (
	ReasonNoConsensus        EscalationReason = "NoConsensus"
	ReasonConsensusOnFailure EscalationReason = "ConsensusOnFailure"
	ReasonCorrelatedRedFlag  EscalationReason = "CorrelatedRedFlag"
)

// EscalationOutcome is filled in once the destination tier resolves.
type EscalationOutcome string

const (
	OutcomePending   EscalationOutcome = ""
	OutcomeCompleted EscalationOutcome = "completed"
	OutcomeEscalated EscalationOutcome = "escalated"
	OutcomeFailed    EscalationOutcome = "failed"
)

// EscalationRecord captures one tier transition.
type EscalationRecord struct {
	TaskID   string            `json:"task_id"`
	Reason   EscalationReason  `json:"reason"`
	FromTier string            `json:"from_tier"`
	ToTier   string            `json:"to_tier,omitempty"`
	Outcome  EscalationOutcome `json:"outcome,omitempty"`
	At       time.Time         `json:"at"`
}

// Status is the externally visible lifecycle of a task.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusEscalated Status = "escalated"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusEscalated || s == StatusFailed
}

// Succeeded reports whether the task reached a consensus result.
func (s Status) Succeeded() bool {
	return s == StatusCompleted || s == StatusEscalated
}

// Result is the caller-facing view of a task.
type Result struct {
	TaskID        string             `json:"task_id"`
	Category      string             `json:"category"`
	Status        Status             `json:"status"`
	Result        string             `json:"result,omitempty"`
	FinalTier     string             `json:"final_tier,omitempty"`
	AttemptsUsed  int                `json:"attempts_used"`
	TotalCostUSD  float64            `json:"total_cost_usd"`
	Escalations   []EscalationRecord `json:"escalations,omitempty"`
	Attempts      []Attempt          `json:"attempts,omitempty"`
	FailureReason string             `json:"failure_reason,omitempty"`
	SubmittedAt   time.Time          `json:"submitted_at"`
	FinishedAt    time.Time          `json:"finished_at,omitempty"`
}

// Clone returns a deep copy safe to hand to callers.
func (r Result) Clone() Result {
	out := r
	if len(r.Escalations) > 0 {
		out.Escalations = append([]EscalationRecord(nil), r.Escalations...)
	}
	if len(r.Attempts) > 0 {
		out.Attempts = make([]Attempt, len(r.Attempts))
		for i, attempt := range r.Attempts {
			if len(attempt.Reasons) > 0 {
				attempt.Reasons = append([]string(nil), attempt.Reasons...)
			}
			out.Attempts[i] = attempt
		}
	}
	return out
}
