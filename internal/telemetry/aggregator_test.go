package telemetry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kingrea/tally/internal/config"
	"github.com/kingrea/tally/internal/task"
)

func TestAggregatorFansOut(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	reg := prometheus.NewRegistry()
	stream := NewStream()
	sub := stream.Subscribe(AllCategories)
	defer sub.Close()
	journal, err := OpenJournal(filepath.Join(t.TempDir(), "events.jsonl"), nil)
	if err != nil {
		t.Fatal(err)
	}
	agg := NewAggregator(WithClock(clock.Now), WithMetrics(NewMetrics(reg)), WithStream(stream), WithJournal(journal))

	agg.Record(AttemptEvent("code", task.Attempt{TaskID: "t1", Seq: 1, Tier: "fast", Admissible: true, CostUSD: 0.1}))
	agg.Record(EscalationEvent("code", task.EscalationRecord{TaskID: "t1", Reason: task.ReasonNoConsensus, FromTier: "fast", ToTier: "strong"}, 5, 0.5))
	agg.Record(DecisionEvent(task.Result{TaskID: "t1", Category: "code", Status: task.StatusEscalated, AttemptsUsed: 7, TotalCostUSD: 1.5,
		Escalations: []task.EscalationRecord{{Reason: task.ReasonNoConsensus}}}, 7))

	first := <-sub.Events
	if first.ID == "" || !first.Timestamp.Equal(clock.now) {
		t.Fatalf("expected stamped event, got %+v", first)
	}
	<-sub.Events
	if last := <-sub.Events; !last.Terminal() || last.Status != task.StatusEscalated {
		t.Fatalf("unexpected decision event %+v", last)
	}

	rate, n := agg.SuccessRate("code", time.Hour)
	if rate != 1 || n != 1 {
		t.Fatalf("expected rate 1 over 1 task, got %v/%d", rate, n)
	}
	if stats := agg.Stats("code", 0); stats.EscalationRate != 1 || stats.AvgAttempts != 7 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	seen := map[string]bool{}
	for _, family := range families {
		seen[family.GetName()] = true
	}
	for _, name := range []string{"tally_attempts_total", "tally_escalations_total", "tally_tasks_total", "tally_task_cost_usd"} {
		if !seen[name] {
			t.Fatalf("metric %s not exported; got %v", name, seen)
		}
	}

	if err := agg.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if journal.Append(Event{}) {
		t.Fatalf("journal should be closed with the aggregator")
	}
}

func TestFromConfigOpensJournal(t *testing.T) {
	cfg, err := config.NewConfig(t.TempDir())
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	agg, err := FromConfig(cfg, nil)
	if err != nil {
		t.Fatalf("FromConfig returned error: %v", err)
	}
	defer agg.Close()
	if agg.Journal() == nil || agg.Journal().Path() != cfg.JournalPath() {
		t.Fatalf("expected journal at %s", cfg.JournalPath())
	}
}

func TestRecorderFunc(t *testing.T) {
	var got []Event
	var rec Recorder = RecorderFunc(func(e Event) { got = append(got, e) })
	rec.Record(Event{ID: "x"})
	if len(got) != 1 {
		t.Fatalf("expected recorded event")
	}
}
