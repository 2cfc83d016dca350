package telemetry

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

const defaultJournalBuffer = 1024

// Journal appends events to a JSONL file from a background goroutine so
// recording never waits on disk.
type Journal struct {
	path    string
	queue   chan Event
	exited  chan struct{}
	logger  Logger
	dropped atomic.Int64

	// state guards closed so Append never sends on a closed queue.
	state  sync.RWMutex
	closed bool

	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer

	closeOnce sync.Once
	closeErr  error
}

// OpenJournal creates (or appends to) the journal at path.
func OpenJournal(path string, logger Logger) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("telemetry: ensure journal dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open journal: %w", err)
	}
	if logger == nil {
		logger = nopLogger{}
	}
	j := &Journal{
		path:   path,
		queue:  make(chan Event, defaultJournalBuffer),
		exited: make(chan struct{}),
		logger: logger,
		file:   file,
		writer: bufio.NewWriter(file),
	}
	go j.run()
	return j, nil
}

// Path returns the file backing this journal.
func (j *Journal) Path() string {
	if j == nil {
		return ""
	}
	return j.path
}

// Append queues an event. When the queue is full the event is dropped and
// counted rather than blocking the caller.
func (j *Journal) Append(event Event) bool {
	if j == nil {
		return false
	}
	j.state.RLock()
	defer j.state.RUnlock()
	if j.closed {
		return false
	}
	select {
	case j.queue <- event:
		return true
	default:
		if j.dropped.Add(1) == 1 {
			j.logger.Printf("telemetry: journal queue full, dropping events")
		}
		return false
	}
}

// Dropped reports how many events overflowed the queue.
func (j *Journal) Dropped() int64 {
	return j.dropped.Load()
}

// Close drains queued events and closes the file.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.closeOnce.Do(func() {
		j.state.Lock()
		j.closed = true
		close(j.queue)
		j.state.Unlock()
		<-j.exited
		j.mu.Lock()
		defer j.mu.Unlock()
		if err := j.writer.Flush(); err != nil {
			j.closeErr = err
		}
		if err := j.file.Close(); err != nil && j.closeErr == nil {
			j.closeErr = err
		}
	})
	return j.closeErr
}

// Tail returns up to n of the most recent journaled events.
func (j *Journal) Tail(n int) ([]Event, error) {
	if j == nil || n <= 0 {
		return nil, nil
	}
	j.mu.Lock()
	_ = j.writer.Flush()
	j.mu.Unlock()

	file, err := os.Open(j.path)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open journal: %w", err)
	}
	defer file.Close()
	var events []Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		events = append(events, event)
		if len(events) > n {
			events = events[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("telemetry: read journal: %w", err)
	}
	return events, nil
}

func (j *Journal) run() {
	defer close(j.exited)
	for event := range j.queue {
		j.write(event)
		// Flush once the burst is drained.
		if len(j.queue) == 0 {
			j.mu.Lock()
			_ = j.writer.Flush()
			j.mu.Unlock()
		}
	}
}

func (j *Journal) write(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		j.logger.Printf("telemetry: encode event %s: %v", event.ID, err)
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.writer.Write(append(data, '\n')); err != nil {
		j.logger.Printf("telemetry: write journal: %v", err)
	}
}
