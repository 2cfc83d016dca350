package tui

import (
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/tally/internal/task"
	"github.com/kingrea/tally/internal/telemetry"
)

func feed(t *testing.T, m *Monitor, msgs ...tea.Msg) *Monitor {
	t.Helper()
	for _, msg := range msgs {
		model, _ := m.Update(msg)
		next, ok := model.(*Monitor)
		if !ok {
			t.Fatalf("unexpected model type %T", model)
		}
		m = next
	}
	return m
}

func TestMonitorFoldsEvents(t *testing.T) {
	m := NewMonitor("smoke", nil, 3)
	m = feed(t, m,
		eventMsg{telemetry.Event{Kind: telemetry.KindAttempt, Admissible: true}},
		eventMsg{telemetry.Event{Kind: telemetry.KindAttempt}},
		eventMsg{telemetry.Event{Kind: telemetry.KindAttempt, InfraError: "down"}},
		eventMsg{telemetry.Event{Kind: telemetry.KindEscalation, Reason: string(task.ReasonNoConsensus)}},
		eventMsg{telemetry.Event{Kind: telemetry.KindDecision, TaskID: "0123456789abcdef", Category: "math", Status: task.StatusCompleted, Tier: "fast", AttemptsUsed: 3, CostUSD: 0.03, BaselineCostUSD: 0.3}},
		eventMsg{telemetry.Event{Kind: telemetry.KindDecision, TaskID: "t2", Category: "math", Status: task.StatusEscalated, Tier: "strong", AttemptsUsed: 6, Escalations: 1, CostUSD: 0.33, BaselineCostUSD: 0.6}},
	)
	if m.attempts != 3 || m.redFlagged != 1 || m.infra != 1 {
		t.Fatalf("unexpected attempt counters %d/%d/%d", m.attempts, m.redFlagged, m.infra)
	}
	if m.completed != 1 || m.escalated != 1 || m.failed != 0 || m.Decided() != 2 {
		t.Fatalf("unexpected decision counters %+v", m)
	}
	if len(m.rows) != 2 || m.rows[0][0] != "t2" || m.rows[1][0] != "01234567" {
		t.Fatalf("expected newest row first with short ids, got %v", m.rows)
	}
	view := m.View()
	for _, want := range []string{"TALLY", "smoke", "2/3 decided", "NoConsensus 1", "savings", "math"} {
		if !strings.Contains(view, want) {
			t.Fatalf("expected %q in view:\n%s", want, view)
		}
	}
}

func TestMonitorDoneAndQuit(t *testing.T) {
	m := NewMonitor("", nil, 0)
	m = feed(t, m, DoneMsg{Summary: "accuracy 1.000\n", Err: errors.New("late worker")})
	if !m.done {
		t.Fatalf("expected monitor to be done")
	}
	view := m.View()
	for _, want := range []string{"0 decided", "accuracy 1.000", "error: late worker", "run finished"} {
		if !strings.Contains(view, want) {
			t.Fatalf("expected %q in view:\n%s", want, view)
		}
	}
	model, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil || !model.(*Monitor).quitting {
		t.Fatalf("expected q to quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("expected quit message")
	}
}

func TestMonitorPumpsEventsFromChannel(t *testing.T) {
	events := make(chan telemetry.Event, 1)
	m := NewMonitor("pump", events, 1)
	events <- telemetry.Event{Kind: telemetry.KindDecision, TaskID: "a", Status: task.StatusFailed}
	msg := m.waitForEvent()()
	next, cmd := m.Update(msg)
	m = next.(*Monitor)
	if m.failed != 1 || cmd == nil {
		t.Fatalf("expected failed decision and a follow-up read, got failed=%d", m.failed)
	}
	close(events)
	m = feed(t, m, cmd())
	if !m.closed {
		t.Fatalf("expected closed stream to be noticed")
	}
	if NewMonitor("", nil, 0).waitForEvent() != nil {
		t.Fatalf("nil channel should not pump")
	}
}

func TestMonitorKeepsBoundedRows(t *testing.T) {
	m := NewMonitor("", nil, 0)
	for i := 0; i < maxRows+10; i++ {
		m.apply(telemetry.Event{Kind: telemetry.KindDecision, TaskID: "x", Status: task.StatusCompleted})
	}
	if len(m.rows) != maxRows {
		t.Fatalf("expected %d rows, got %d", maxRows, len(m.rows))
	}
	m = feed(t, m, tea.WindowSizeMsg{Width: 120, Height: 20})
	if m.width != 120 {
		t.Fatalf("expected width to be tracked")
	}
}
