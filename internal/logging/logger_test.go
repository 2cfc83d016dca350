package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewCreatesLogFile(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(dir)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Printf("tier %s ready\n", "fast")
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, ".tally", "logs", "tally.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "tier fast ready") {
		t.Fatalf("log missing line: %q", string(data))
	}
	if strings.Count(string(data), "\n") != 1 {
		t.Fatalf("expected exactly one line, got %q", string(data))
	}
}

func TestWithPrefixesComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf).With("scheduler")
	logger.Printf("retrying attempt %d", 2)
	if !strings.Contains(buf.String(), "scheduler: retrying attempt 2") {
		t.Fatalf("unexpected line %q", buf.String())
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var logger *Logger
	logger.Printf("ignored")
	if err := logger.Close(); err != nil {
		t.Fatalf("close nil: %v", err)
	}
}
