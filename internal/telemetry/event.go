// Package telemetry records attempt and task outcomes and serves the rolling
// statistics used to tune K and attempt budgets.
package telemetry

import (
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/tally/internal/task"
)

// Kind separates per-attempt records from decision points.
type Kind string

const (
	KindAttempt    Kind = "attempt"
	KindEscalation Kind = "escalation"
	KindDecision   Kind = "decision"
)

// Decision types carried by events.
const (
	DecisionAttempt  = "attempt"
	DecisionAccept   = "accept"
	DecisionEscalate = "escalate"
	DecisionFail     = "fail"
)

// Event is an append-only telemetry record. It is never mutated after Record.
type Event struct {
	ID           string      `json:"id"`
	Kind         Kind        `json:"kind"`
	TaskID       string      `json:"task_id"`
	Category     string      `json:"category"`
	Tier         string      `json:"tier,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
	DecisionType string      `json:"decision_type"`
	Status       task.Status `json:"status,omitempty"`
	Reason       string      `json:"reason,omitempty"`
	ToTier       string      `json:"to_tier,omitempty"`
	AttemptsUsed int         `json:"attempts_used"`
	Escalations  int         `json:"escalations,omitempty"`
	CostUSD      float64     `json:"cost_usd"`
	// BaselineCostUSD is what the task would have cost sampled only at the top tier.
	BaselineCostUSD float64 `json:"baseline_cost_usd,omitempty"`
	LatencyMs       int64   `json:"latency_ms"`
	Seq             int     `json:"seq,omitempty"`
	Admissible      bool    `json:"admissible,omitempty"`
	InfraError      string  `json:"infra_error,omitempty"`
	K               int     `json:"k,omitempty"`
}

// Terminal reports whether the event closes a task.
func (e Event) Terminal() bool {
	return e.Kind == KindDecision
}

// Succeeded reports whether a terminal event produced a trusted result.
func (e Event) Succeeded() bool {
	return e.Terminal() && (e.Status == task.StatusCompleted || e.Status == task.StatusEscalated)
}

func (e *Event) stamp(now time.Time) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now.UTC()
	}
}

// AttemptEvent describes one recorded attempt.
func AttemptEvent(category string, attempt task.Attempt) Event {
	return Event{
		Kind:         KindAttempt,
		TaskID:       attempt.TaskID,
		Category:     category,
		Tier:         attempt.Tier,
		DecisionType: DecisionAttempt,
		AttemptsUsed: 1,
		CostUSD:      attempt.CostUSD,
		LatencyMs:    attempt.Latency.Milliseconds(),
		Seq:          attempt.Seq,
		Admissible:   attempt.Voting(),
		InfraError:   attempt.InfraError,
	}
}

// EscalationEvent describes one tier transition.
func EscalationEvent(category string, record task.EscalationRecord, attemptsUsed int, costUSD float64) Event {
	return Event{
		Kind:         KindEscalation,
		TaskID:       record.TaskID,
		Category:     category,
		Tier:         record.FromTier,
		ToTier:       record.ToTier,
		DecisionType: DecisionEscalate,
		Reason:       string(record.Reason),
		AttemptsUsed: attemptsUsed,
		CostUSD:      costUSD,
	}
}

// DecisionEvent closes a task.
func DecisionEvent(result task.Result, baselineCostUSD float64) Event {
	decision := DecisionAccept
	if result.Status == task.StatusFailed {
		decision = DecisionFail
	}
	latency := int64(0)
	if !result.FinishedAt.IsZero() && !result.SubmittedAt.IsZero() {
		latency = result.FinishedAt.Sub(result.SubmittedAt).Milliseconds()
	}
	return Event{
		Kind:            KindDecision,
		TaskID:          result.TaskID,
		Category:        result.Category,
		Tier:            result.FinalTier,
		DecisionType:    decision,
		Status:          result.Status,
		Reason:          result.FailureReason,
		AttemptsUsed:    result.AttemptsUsed,
		Escalations:     len(result.Escalations),
		CostUSD:         result.TotalCostUSD,
		BaselineCostUSD: baselineCostUSD,
		LatencyMs:       latency,
	}
}
