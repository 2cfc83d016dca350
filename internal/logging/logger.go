package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/tally/internal/config"
)

// Logger appends timestamped lines to .tally/logs/tally.log so operators can
// trace consensus decisions after a run has finished.
type Logger struct {
	mu     *sync.Mutex
	out    io.Writer
	closer io.Closer
	prefix string
}

// New creates (or reuses) the log file for the given project directory.
func New(projectDir string) (*Logger, error) {
	logDir := filepath.Join(projectDir, config.TallyDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	path := filepath.Join(logDir, "tally.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}
	return &Logger{mu: &sync.Mutex{}, out: f, closer: f}, nil
}

// NewWriter logs to an arbitrary writer (stderr for `tally serve`, buffers in tests).
func NewWriter(w io.Writer) *Logger {
	return &Logger{mu: &sync.Mutex{}, out: w}
}

// With returns a logger sharing the same sink whose lines carry the component prefix.
func (l *Logger) With(component string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{mu: l.mu, out: l.out, prefix: strings.TrimSpace(component)}
}

// Close releases the file handle.
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Printf writes a single timestamped line.
func (l *Logger) Printf(format string, args ...any) {
	if l == nil || l.out == nil || l.mu == nil {
		return
	}
	line := fmt.Sprintf(format, args...)
	line = strings.TrimRight(line, "\n")
	if l.prefix != "" {
		line = l.prefix + ": " + line
	}
	timestamp := time.Now().Format(time.RFC3339)
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "[%s] %s\n", timestamp, line)
}
