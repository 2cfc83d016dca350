package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kingrea/tally/internal/orchestrator"
	"github.com/kingrea/tally/internal/task"
)

// DefaultStatsWindow is used when /stats is called without a window.
const DefaultStatsWindow = time.Hour

type healthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// submitBody is the JSON accepted by POST /tasks. Deadline is a Go duration
// string such as "30s".
type submitBody struct {
	Payload   string                `json:"payload"`
	Risk      string                `json:"risk,omitempty"`
	Category  string                `json:"category,omitempty"`
	TaskType  string                `json:"task_type,omitempty"`
	Consensus *task.ConsensusParams `json:"consensus,omitempty"`
	DedupKey  string                `json:"dedup_key,omitempty"`
	Deadline  string                `json:"deadline,omitempty"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        string(s.Status()),
		UptimeSeconds: int64(s.uptime().Seconds()),
	})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	if r.Body == nil {
		writeError(w, http.StatusBadRequest, "empty body")
		return
	}
	reader := http.MaxBytesReader(w, r.Body, s.settings.MaxBodyBytes)
	defer reader.Close()
	body, err := io.ReadAll(reader)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload exceeds limit")
			return
		}
		writeError(w, http.StatusBadRequest, "unable to read body")
		return
	}
	var in submitBody
	if err := json.Unmarshal(body, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req := orchestrator.SubmitRequest{
		Payload:   in.Payload,
		Risk:      in.Risk,
		Category:  in.Category,
		TaskType:  in.TaskType,
		Consensus: in.Consensus,
		DedupKey:  in.DedupKey,
	}
	if raw := strings.TrimSpace(in.Deadline); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "invalid deadline")
			return
		}
		req.Deadline = d
	}
	id, err := s.tasks.Submit(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, submitResponse{TaskID: id})
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, orchestrator.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Printf("gateway: submit failed: %v", err)
		writeError(w, http.StatusInternalServerError, "submit failed")
	}
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/tasks/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		result, err := s.tasks.Result(id)
		if err != nil {
			s.writeTaskError(w, id, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case http.MethodDelete:
		if err := s.tasks.Cancel(id); err != nil {
			s.writeTaskError(w, id, err)
			return
		}
		writeJSON(w, http.StatusAccepted, submitResponse{TaskID: id})
	default:
		allowMethods(w, r, http.MethodGet, http.MethodHead, http.MethodDelete)
	}
}

func (s *Server) writeTaskError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrTaskFinished):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Printf("gateway: task %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "task lookup failed")
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	if s.stats == nil {
		writeError(w, http.StatusNotFound, "stats unavailable")
		return
	}
	query := r.URL.Query()
	// An empty category aggregates every category.
	category := strings.TrimSpace(query.Get("category"))
	window := DefaultStatsWindow
	if raw := strings.TrimSpace(query.Get("window")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid window")
			return
		}
		window = d
	}
	writeJSON(w, http.StatusOK, s.stats.Stats(category, window))
}

// allowMethods writes 405 and reports false when r uses another method.
func allowMethods(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
