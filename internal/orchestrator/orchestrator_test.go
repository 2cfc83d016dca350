package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kingrea/tally/internal/config"
	"github.com/kingrea/tally/internal/escalation"
	"github.com/kingrea/tally/internal/executor"
	"github.com/kingrea/tally/internal/redflag"
	"github.com/kingrea/tally/internal/scheduler"
	"github.com/kingrea/tally/internal/task"
	"github.com/kingrea/tally/internal/telemetry"
)

type captureRecorder struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (c *captureRecorder) Record(event telemetry.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureRecorder) kinds(kind telemetry.Kind) []telemetry.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []telemetry.Event
	for _, event := range c.events {
		if event.Kind == kind {
			out = append(out, event)
		}
	}
	return out
}

func newTestOrchestrator(t *testing.T, steps map[string][]executor.Step, opts ...Option) (*Orchestrator, *captureRecorder) {
	t.Helper()
	script := executor.NewScripted(steps)
	ladder := executor.Ladder{
		{Name: "fast", Executor: script, MaxAttempts: 5, Concurrency: 4, Timeout: 10 * time.Second, CostPerAttempt: 0.01},
		{Name: "strong", Executor: script, MaxAttempts: 3, Concurrency: 2, Timeout: 10 * time.Second, CostPerAttempt: 0.1},
	}
	registry := redflag.NewRegistry(redflag.DefaultProfileFromConfig(config.Default()))
	refProfile := redflag.Profile{
		ID:         "ref",
		Structured: true,
		Schema:     &redflag.Schema{Fields: []redflag.FieldRule{{Name: "ref", Type: redflag.TypeString, Required: true}}},
	}
	if err := registry.Register(refProfile); err != nil {
		t.Fatalf("register profile: %v", err)
	}
	recorder := &captureRecorder{}
	o, err := New(ladder, registry, scheduler.New(scheduler.Settings{MaxRetries: 0}), recorder, escalation.KPolicy{}, opts...)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o, recorder
}

func texts(values ...string) []executor.Step {
	steps := make([]executor.Step, len(values))
	for i, value := range values {
		steps[i] = executor.Text(value)
	}
	return steps
}

func submitAndWait(t *testing.T, o *Orchestrator, req SubmitRequest) task.Result {
	t.Helper()
	id, err := o.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := o.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	return result
}

func TestConsensusScenarios(t *testing.T) {
	cases := []struct {
		name     string
		outputs  []string
		attempts int
	}{
		{"unanimous", []string{"X", "X", "X"}, 3},
		{"one more sample", []string{"X", "X", "Y", "X"}, 4},
		{"two more samples", []string{"X", "Y", "Z", "X", "X"}, 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o, recorder := newTestOrchestrator(t, map[string][]executor.Step{"fast": texts(tc.outputs...)})
			result := submitAndWait(t, o, SubmitRequest{Payload: "p", Risk: "medium"})
			if result.Status != task.StatusCompleted || result.Result != "X" {
				t.Fatalf("expected completed X, got %s %q (%s)", result.Status, result.Result, result.FailureReason)
			}
			if result.AttemptsUsed != tc.attempts || len(result.Attempts) != tc.attempts {
				t.Fatalf("expected %d attempts, got %d", tc.attempts, result.AttemptsUsed)
			}
			if got, want := result.TotalCostUSD, 0.01*float64(tc.attempts); got < want-1e-9 || got > want+1e-9 {
				t.Fatalf("expected cost %.2f, got %.4f", want, got)
			}
			decisions := recorder.kinds(telemetry.KindDecision)
			if len(decisions) != 1 || decisions[0].Status != task.StatusCompleted {
				t.Fatalf("expected one decision event, got %+v", decisions)
			}
			if attempts := recorder.kinds(telemetry.KindAttempt); len(attempts) != tc.attempts {
				t.Fatalf("expected %d attempt events, got %d", tc.attempts, len(attempts))
			}
		})
	}
}

func TestCorrelatedRedFlagEscalates(t *testing.T) {
	o, recorder := newTestOrchestrator(t, map[string][]executor.Step{
		"fast":   texts("nonexistent-ref", "nonexistent-ref", "nonexistent-ref"),
		"strong": texts(`{"ref": "a"}`, `{"ref":"a"}`, `{"ref": "a"}`),
	})
	result := submitAndWait(t, o, SubmitRequest{Payload: "p", TaskType: "ref"})
	if result.Status != task.StatusEscalated || result.FinalTier != "strong" {
		t.Fatalf("expected escalated success at strong, got %s at %s (%s)", result.Status, result.FinalTier, result.FailureReason)
	}
	if len(result.Escalations) != 1 || result.Escalations[0].Reason != task.ReasonCorrelatedRedFlag || result.Escalations[0].Outcome != task.OutcomeCompleted {
		t.Fatalf("unexpected escalations %+v", result.Escalations)
	}
	for _, attempt := range result.Attempts[:3] {
		if attempt.Admissible || len(attempt.Reasons) == 0 {
			t.Fatalf("expected red-flagged attempt, got %+v", attempt)
		}
	}
	if result.AttemptsUsed != 6 {
		t.Fatalf("expected 6 attempts, got %d", result.AttemptsUsed)
	}
	if events := recorder.kinds(telemetry.KindEscalation); len(events) != 1 || events[0].ToTier != "strong" {
		t.Fatalf("expected one escalation event, got %+v", events)
	}
}

func TestFailureConsensusExhaustsLadder(t *testing.T) {
	o, recorder := newTestOrchestrator(t, map[string][]executor.Step{
		"fast":   texts("fail:A", "fail:A", "fail:A"),
		"strong": texts("fail:A", "fail:A", "fail:A"),
	})
	result := submitAndWait(t, o, SubmitRequest{Payload: "p"})
	if result.Status != task.StatusFailed {
		t.Fatalf("expected failure, got %s", result.Status)
	}
	if !strings.Contains(result.FailureReason, escalation.ErrEscalationExhausted.Error()) {
		t.Fatalf("expected exhaustion reason, got %q", result.FailureReason)
	}
	if result.Result != "" {
		t.Fatalf("failure consensus must not produce a result, got %q", result.Result)
	}
	if len(result.Escalations) != 1 {
		t.Fatalf("only the move to strong is an escalation, got %+v", result.Escalations)
	}
	record := result.Escalations[0]
	if record.Reason != task.ReasonConsensusOnFailure || record.FromTier != "fast" || record.ToTier != "strong" || record.Outcome != task.OutcomeFailed {
		t.Fatalf("unexpected escalation record %+v", record)
	}
	for _, attempt := range result.Attempts {
		if !attempt.IsFailureSignal {
			t.Fatalf("expected failure signal on %+v", attempt)
		}
	}
	events := recorder.kinds(telemetry.KindEscalation)
	if len(events) != 1 {
		t.Fatalf("expected one escalation event, got %+v", events)
	}
	for _, event := range events {
		if event.ToTier == "" {
			t.Fatalf("escalation event without a destination tier: %+v", event)
		}
	}
	if decisions := recorder.kinds(telemetry.KindDecision); len(decisions) != 1 || decisions[0].Escalations != 1 {
		t.Fatalf("expected one decision counting one escalation, got %+v", decisions)
	}
}

func TestSingleTierFailureIsNotAnEscalation(t *testing.T) {
	script := executor.NewScripted(map[string][]executor.Step{"only": texts("fail:A", "fail:A", "fail:A")})
	ladder := executor.Ladder{{Name: "only", Executor: script, MaxAttempts: 5, Concurrency: 4, Timeout: 10 * time.Second}}
	registry := redflag.NewRegistry(redflag.DefaultProfileFromConfig(config.Default()))
	recorder := &captureRecorder{}
	o, err := New(ladder, registry, scheduler.New(scheduler.Settings{MaxRetries: 0}), recorder, escalation.KPolicy{})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	defer o.Shutdown(context.Background())

	result := submitAndWait(t, o, SubmitRequest{Payload: "p"})
	if result.Status != task.StatusFailed || len(result.Escalations) != 0 {
		t.Fatalf("expected failure without escalations, got %s %+v", result.Status, result.Escalations)
	}
	if events := recorder.kinds(telemetry.KindEscalation); len(events) != 0 {
		t.Fatalf("no escalation events expected, got %+v", events)
	}
	decisions := recorder.kinds(telemetry.KindDecision)
	if len(decisions) != 1 || decisions[0].Escalations != 0 || decisions[0].DecisionType != telemetry.DecisionFail {
		t.Fatalf("unexpected decision events %+v", decisions)
	}
}

func TestDistinctTimestampsDoNotAgree(t *testing.T) {
	stamps := texts(
		"2024-01-01T00:00:00Z",
		"2025-02-02T09:30:00Z",
		"2026-03-03T23:59:59Z",
		"2027-04-04T12:00:00Z",
		"2028-05-05T06:15:00Z",
	)
	o, _ := newTestOrchestrator(t, map[string][]executor.Step{
		"fast":   stamps,
		"strong": texts("2030-01-01T00:00:00Z", "2030-01-01T00:00:00Z", "2030-01-01T00:00:00Z"),
	})
	result := submitAndWait(t, o, SubmitRequest{Payload: "p", Risk: "medium"})
	if len(result.Escalations) != 1 || result.Escalations[0].Reason != task.ReasonNoConsensus {
		t.Fatalf("five distinct timestamps must not reach consensus, got %+v", result.Escalations)
	}
	if result.Status != task.StatusEscalated || result.Result != "2030-01-01T00:00:00Z" {
		t.Fatalf("expected strong tier to decide, got %s %q", result.Status, result.Result)
	}
}

func TestTimestampScrubIsOptIn(t *testing.T) {
	cfg := config.Default()
	cfg.Project.Consensus.ScrubTimestamps = true
	o, _ := newTestOrchestrator(t, map[string][]executor.Step{
		"fast": texts("built at 2024-01-01T00:00:00Z", "built at 2025-02-02T09:30:00Z", "built at 2026-03-03T23:59:59Z"),
	}, ConfigOptions(cfg)...)
	result := submitAndWait(t, o, SubmitRequest{Payload: "p", Risk: "medium"})
	if result.Status != task.StatusCompleted || result.AttemptsUsed != 3 {
		t.Fatalf("scrubbed timestamps should agree, got %s after %d", result.Status, result.AttemptsUsed)
	}
}

func TestInfraFailuresDoNotVote(t *testing.T) {
	transport := executor.Step{Err: executor.ErrTransport}
	steps := []executor.Step{transport, transport, transport, executor.Text("X"), executor.Text("X")}
	o, _ := newTestOrchestrator(t, map[string][]executor.Step{"fast": steps})
	result := submitAndWait(t, o, SubmitRequest{Payload: "p"})
	if result.Status != task.StatusCompleted || result.AttemptsUsed != 5 {
		t.Fatalf("expected completion after 5 attempts, got %s/%d", result.Status, result.AttemptsUsed)
	}
	infra := 0
	for _, attempt := range result.Attempts {
		if attempt.InfraError != "" {
			infra++
			if attempt.CostUSD != 0 {
				t.Fatalf("infra failures are not charged: %+v", attempt)
			}
		}
	}
	if infra != 3 {
		t.Fatalf("expected 3 infra failures, got %d", infra)
	}
}

func TestCancelFailsTask(t *testing.T) {
	slow := executor.Step{Text: "X", Delay: time.Minute}
	o, _ := newTestOrchestrator(t, map[string][]executor.Step{"fast": {slow, slow, slow}})
	id, err := o.Submit(context.Background(), SubmitRequest{Payload: "p"})
	if err != nil {
		t.Fatal(err)
	}
	result, err := o.Result(id)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != task.StatusRunning {
		t.Fatalf("task finished early: %+v", result)
	}
	if err := o.Cancel(id); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err = o.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if result.Status != task.StatusFailed || !strings.Contains(result.FailureReason, "cancelled") {
		t.Fatalf("expected cancelled failure, got %s %q", result.Status, result.FailureReason)
	}
	if err := o.Cancel(id); !errors.Is(err, ErrTaskFinished) {
		t.Fatalf("expected ErrTaskFinished, got %v", err)
	}
}

func TestDeadlineFailsTask(t *testing.T) {
	slow := executor.Step{Text: "X", Delay: time.Minute}
	o, _ := newTestOrchestrator(t, map[string][]executor.Step{"fast": {slow, slow, slow}}, WithTaskDeadline(20*time.Millisecond))
	result := submitAndWait(t, o, SubmitRequest{Payload: "p"})
	if result.Status != task.StatusFailed || result.FailureReason != ErrDeadlineExceeded.Error() {
		t.Fatalf("expected deadline failure, got %s %q", result.Status, result.FailureReason)
	}
	for _, attempt := range result.Attempts {
		if !attempt.Discarded {
			t.Fatalf("late attempts must be discarded: %+v", attempt)
		}
	}
}

func TestSubmitIsIdempotentPerDedupKey(t *testing.T) {
	o, _ := newTestOrchestrator(t, map[string][]executor.Step{"fast": texts("X", "X", "X")})
	first, err := o.Submit(context.Background(), SubmitRequest{Payload: "p", DedupKey: "job-1"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := o.Submit(context.Background(), SubmitRequest{Payload: "p", DedupKey: "job-1"})
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("expected same id, got %s and %s", first, second)
	}
	result, err := o.Wait(context.Background(), first)
	if err != nil || result.Status != task.StatusCompleted {
		t.Fatalf("unexpected result %+v (%v)", result, err)
	}
}

func TestSubmitValidation(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	cases := []SubmitRequest{
		{Payload: ""},
		{Payload: "p", Risk: "extreme"},
		{Payload: "p", Consensus: &task.ConsensusParams{K: -1}},
		{Payload: "p", Deadline: -time.Second},
	}
	for _, req := range cases {
		if _, err := o.Submit(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("expected ErrInvalidRequest for %+v, got %v", req, err)
		}
	}
}

func TestUnknownTask(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	if _, err := o.Result("missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	if err := o.Cancel("missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestShutdownRejectsSubmissions(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	if err := o.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Submit(context.Background(), SubmitRequest{Payload: "p"}); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}

func TestPerTaskConsensusOverride(t *testing.T) {
	o, _ := newTestOrchestrator(t, map[string][]executor.Step{"fast": texts("X", "Y")})
	result := submitAndWait(t, o, SubmitRequest{Payload: "p", Consensus: &task.ConsensusParams{K: 1, InitialBatch: 1}})
	if result.Status != task.StatusCompleted || result.AttemptsUsed != 1 {
		t.Fatalf("K=1 with a single attempt should finish immediately, got %s/%d", result.Status, result.AttemptsUsed)
	}
}
