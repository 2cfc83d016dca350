package telemetry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestJournalAppendAndTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry", "events.jsonl")
	journal, err := OpenJournal(path, nil)
	if err != nil {
		t.Fatalf("OpenJournal returned error: %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if !journal.Append(Event{ID: id, Kind: KindAttempt, TaskID: "t1"}) {
			t.Fatalf("append %s rejected", id)
		}
	}
	if err := journal.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if journal.Append(Event{ID: "late"}) {
		t.Fatalf("append after close should be rejected")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	if lines := strings.Count(string(data), "\n"); lines != 3 {
		t.Fatalf("expected 3 lines, got %d", lines)
	}

	reopened, err := OpenJournal(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	tail, err := reopened.Tail(2)
	if err != nil {
		t.Fatalf("Tail returned error: %v", err)
	}
	if len(tail) != 2 || tail[0].ID != "b" || tail[1].ID != "c" {
		t.Fatalf("unexpected tail %+v", tail)
	}
}

func TestNilJournalIsSafe(t *testing.T) {
	var journal *Journal
	if journal.Append(Event{}) {
		t.Fatalf("nil journal should reject appends")
	}
	if err := journal.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}
