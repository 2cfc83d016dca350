package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/kingrea/tally/internal/task"
)

// ErrResultNotFound is returned when no result was saved for a task.
var ErrResultNotFound = errors.New("orchestrator: result not found")

// ResultStore persists terminal task results.
type ResultStore interface {
	Load(taskID string) (task.Result, error)
	Save(task.Result) error
}

// MemoryStore keeps results in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	results map[string]task.Result
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{results: make(map[string]task.Result)}
}

// Load returns a copy of the saved result.
func (s *MemoryStore) Load(taskID string) (task.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.results[taskID]
	if !ok {
		return task.Result{}, ErrResultNotFound
	}
	return result.Clone(), nil
}

// Save stores a copy of result.
func (s *MemoryStore) Save(result task.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[result.TaskID] = result.Clone()
	return nil
}

// FileStore writes one JSON document per task under dir.
type FileStore struct {
	dir string
}

// NewFileStore creates a store rooted at dir, usually .tally/results.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Load reads the persisted result if present.
func (s *FileStore) Load(taskID string) (task.Result, error) {
	path, err := s.path(taskID)
	if err != nil {
		return task.Result{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return task.Result{}, ErrResultNotFound
		}
		return task.Result{}, fmt.Errorf("orchestrator: read result: %w", err)
	}
	var result task.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return task.Result{}, fmt.Errorf("orchestrator: decode result %s: %w", taskID, err)
	}
	return result, nil
}

// Save writes the result through a temp file and rename.
func (s *FileStore) Save(result task.Result) error {
	path, err := s.path(result.TaskID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("orchestrator: ensure results dir: %w", err)
	}
	encoded, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("orchestrator: encode result: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(encoded, '\n'), 0o644); err != nil {
		return fmt.Errorf("orchestrator: write result: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("orchestrator: commit result: %w", err)
	}
	return nil
}

func (s *FileStore) path(taskID string) (string, error) {
	if taskID == "" || filepath.Base(taskID) != taskID || taskID == "." || taskID == ".." {
		return "", fmt.Errorf("orchestrator: invalid task id %q", taskID)
	}
	return filepath.Join(s.dir, taskID+".json"), nil
}
