// Package gateway exposes task submission, results and telemetry over HTTP.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kingrea/tally/internal/orchestrator"
	"github.com/kingrea/tally/internal/task"
	"github.com/kingrea/tally/internal/telemetry"
)

var (
	// ErrServerDisabled is returned by Start when the gateway is switched off.
	ErrServerDisabled = errors.New("gateway: server disabled")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("gateway: server already started")
)

// ServerStatus is the lifecycle state reported by /health.
type ServerStatus string

const (
	StatusIdle     ServerStatus = "idle"
	StatusServing  ServerStatus = "serving"
	StatusDraining ServerStatus = "draining"
	StatusStopped  ServerStatus = "stopped"
)

// Tasks is the task-facing surface of the orchestrator.
type Tasks interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (string, error)
	Result(taskID string) (task.Result, error)
	Cancel(taskID string) error
}

// StatsSource serves rolling telemetry aggregates.
type StatsSource interface {
	Stats(category string, window time.Duration) telemetry.Stats
}

// Logger is the logging dependency; *logging.Logger satisfies it.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Option customizes server construction.
type Option func(*Server)

// WithLogger overrides the default no-op logger.
func WithLogger(l Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithStats serves GET /stats from source.
func WithStats(source StatsSource) Option {
	return func(s *Server) {
		s.stats = source
	}
}

// WithGatherer serves GET /metrics from g.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithBeforeScrape runs fn before every /metrics response, to refresh gauges
// that are sampled rather than event driven.
func WithBeforeScrape(fn func()) Option {
	return func(s *Server) {
		s.beforeScrape = fn
	}
}

// WithClock allows tests to control timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// Server is the gateway in front of the orchestrator.
type Server struct {
	settings     Settings
	tasks        Tasks
	stats        StatsSource
	gatherer     prometheus.Gatherer
	beforeScrape func()
	logger       Logger
	clock        func() time.Time

	mu       sync.RWMutex
	srv      *http.Server
	listener net.Listener
	status   ServerStatus
	started  time.Time
}

// NewServer prepares a gateway in front of tasks. Nothing listens until Start.
func NewServer(settings Settings, tasks Tasks, opts ...Option) *Server {
	s := &Server{
		settings: settings,
		tasks:    tasks,
		logger:   nopLogger{},
		clock:    time.Now,
		status:   StatusIdle,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler returns the routed handler without binding a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/", s.handleTask)
	mux.HandleFunc("/stats", s.handleStats)
	if s.gatherer != nil {
		mux.Handle("/metrics", s.metricsHandler())
	}
	return mux
}

func (s *Server) metricsHandler() http.Handler {
	inner := promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{ErrorLog: promLogger{s.logger}})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.beforeScrape != nil {
			s.beforeScrape()
		}
		inner.ServeHTTP(w, r)
	})
}

// promLogger adapts Logger to promhttp's Println-based error log.
type promLogger struct{ Logger }

func (l promLogger) Println(v ...any) {
	l.Printf("gateway: metrics: %s", fmt.Sprint(v...))
}

// Start binds the listener and serves in the background. Requests inherit ctx.
func (s *Server) Start(ctx context.Context) error {
	if !s.settings.Enabled {
		return ErrServerDisabled
	}
	if s.tasks == nil {
		return errors.New("gateway: no task service")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return ErrAlreadyStarted
	}
	listener, err := net.Listen("tcp", s.settings.Address())
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", s.settings.Address(), err)
	}
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.settings.ReadTimeout,
		WriteTimeout: s.settings.WriteTimeout,
		IdleTimeout:  s.settings.IdleTimeout,
	}
	if ctx != nil {
		srv.BaseContext = func(net.Listener) context.Context { return ctx }
	}
	s.listener, s.srv = listener, srv
	s.status, s.started = StatusServing, s.clock()
	go s.serve(srv, listener)
	s.logger.Printf("gateway: serving on %s", listener.Addr())
	return nil
}

func (s *Server) serve(srv *http.Server, listener net.Listener) {
	err := srv.Serve(listener)
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return
	}
	s.logger.Printf("gateway: serve stopped: %v", err)
	s.mu.Lock()
	if s.srv == srv {
		s.status = StatusStopped
	}
	s.mu.Unlock()
}

// Shutdown drains in-flight requests until ctx ends. It is a no-op when the
// server never started.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	if srv == nil {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusDraining
	s.mu.Unlock()

	err := srv.Shutdown(ctx)

	s.mu.Lock()
	s.srv, s.listener = nil, nil
	s.status = StatusStopped
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("gateway: shutdown: %w", err)
	}
	return nil
}

// Addr is the bound address, or empty before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// BaseURL is the URL of the running server, falling back to the configured one.
func (s *Server) BaseURL() string {
	if addr := s.Addr(); addr != "" {
		return "http://" + addr
	}
	return s.settings.URL()
}

// Status reports the lifecycle state.
func (s *Server) Status() ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Server) uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status != StatusServing {
		return 0
	}
	return s.clock().Sub(s.started)
}
