// Package scheduler dispatches batches of attempts to worker tiers under
// per-tier concurrency limits, retrying pure infrastructure failures before
// any output reaches filtering or voting.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/kingrea/tally/internal/executor"
)

var (
	// ErrExecutorTimeout marks an attempt that exceeded the tier timeout.
	ErrExecutorTimeout = errors.New("scheduler: executor timeout")
	// ErrExecutorTransport marks any other failure to obtain a response.
	ErrExecutorTransport = errors.New("scheduler: executor transport failure")
	// ErrTaskCancelled is returned by Dispatch when the task was cancelled.
	ErrTaskCancelled = errors.New("scheduler: task cancelled")
)

// InfraError records an attempt whose retries were exhausted.
type InfraError struct {
	Kind    error
	Tier    string
	Retries int
	Err     error
}

func (e *InfraError) Error() string {
	return fmt.Sprintf("%v on tier %s after %d retries: %v", e.Kind, e.Tier, e.Retries, e.Err)
}

// Unwrap exposes both the kind sentinel and the executor error.
func (e *InfraError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Logger is the logging dependency; *logging.Logger satisfies it.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger for retry and cancellation messages.
func WithLogger(logger Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSleep replaces the backoff wait, mainly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scheduler) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// Request asks for Count attempts of a task at one tier. Attempts are numbered
// from FirstSeq.
type Request struct {
	TaskID   string
	Payload  string
	Tier     executor.Tier
	Count    int
	FirstSeq int
}

// Result is the raw outcome of one attempt, before classification.
type Result struct {
	Seq     int
	Tier    string
	Output  executor.Output
	Err     error
	Retries int
	Latency time.Duration
	// Discarded is set for attempts that finished after their task was cancelled.
	Discarded bool
}

// TierStats is a point-in-time view of one tier's limiter.
type TierStats struct {
	Tier     string
	InFlight int64
	Capacity int64
}

type tierLimiter struct {
	sem      *semaphore.Weighted
	capacity int64
	inFlight atomic.Int64
}

func (l *tierLimiter) release() {
	l.inFlight.Add(-1)
	l.sem.Release(1)
}

type taskHandle struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Scheduler is shared by every task. The tier limiters are its only
// cross-task state.
type Scheduler struct {
	settings Settings
	logger   Logger
	sleep    func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	limiters map[string]*tierLimiter
	tasks    map[string]*taskHandle
}

// New creates a scheduler with the given retry policy.
func New(settings Settings, opts ...Option) *Scheduler {
	settings.normalize()
	s := &Scheduler{
		settings: settings,
		logger:   nopLogger{},
		sleep:    sleepContext,
		limiters: make(map[string]*tierLimiter),
		tasks:    make(map[string]*taskHandle),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Track registers a task and returns the context its attempts run under.
// Cancel(taskID) cancels that context.
func (s *Scheduler) Track(parent context.Context, taskID string) context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if handle, ok := s.tasks[taskID]; ok {
		return handle.ctx
	}
	ctx, cancel := context.WithCancel(parent)
	s.tasks[taskID] = &taskHandle{ctx: ctx, cancel: cancel}
	return ctx
}

// Forget releases a finished task.
func (s *Scheduler) Forget(taskID string) {
	s.mu.Lock()
	handle, ok := s.tasks[taskID]
	delete(s.tasks, taskID)
	s.mu.Unlock()
	if ok {
		handle.cancel()
	}
}

// Cancel aborts the task's outstanding attempts. It reports whether the task
// was known.
func (s *Scheduler) Cancel(taskID string) bool {
	s.mu.Lock()
	handle, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.logger.Printf("scheduler: cancel task %s", taskID)
	handle.cancel()
	return true
}

// Dispatch runs a batch in parallel and returns once every attempt has
// returned or definitively failed. Results are ordered by sequence. When the
// task is cancelled mid-batch, every result is marked discarded and
// ErrTaskCancelled is returned alongside them.
func (s *Scheduler) Dispatch(ctx context.Context, req Request) ([]Result, error) {
	if req.Count <= 0 {
		return nil, nil
	}
	if req.Tier.Executor == nil {
		return nil, fmt.Errorf("scheduler: tier %s has no executor", req.Tier.Name)
	}
	taskCtx := ctx
	s.mu.Lock()
	handle, tracked := s.tasks[req.TaskID]
	s.mu.Unlock()
	if tracked {
		var stop context.CancelFunc
		taskCtx, stop = mergeDone(ctx, handle.ctx)
		defer stop()
	}

	limiter := s.limiter(req.Tier)
	results := make([]Result, req.Count)
	var g errgroup.Group
	for i := 0; i < req.Count; i++ {
		i := i
		g.Go(func() error {
			results[i] = s.runAttempt(taskCtx, limiter, req, req.FirstSeq+i)
			return nil
		})
	}
	_ = g.Wait()

	if err := taskCtx.Err(); err != nil {
		for i := range results {
			results[i].Discarded = true
		}
		return results, fmt.Errorf("%w: %s: %v", ErrTaskCancelled, req.TaskID, err)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Seq < results[j].Seq })
	return results, nil
}

// Stats returns limiter gauges ordered by tier name.
func (s *Scheduler) Stats() []TierStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TierStats, 0, len(s.limiters))
	for name, lim := range s.limiters {
		out = append(out, TierStats{Tier: name, InFlight: lim.inFlight.Load(), Capacity: lim.capacity})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tier < out[j].Tier })
	return out
}

func (s *Scheduler) runAttempt(ctx context.Context, lim *tierLimiter, req Request, seq int) Result {
	result := Result{Seq: seq, Tier: req.Tier.Name}
	started := time.Now()
	for retry := 0; ; retry++ {
		if err := lim.sem.Acquire(ctx, 1); err != nil {
			result.Discarded = true
			result.Err = err
			result.Latency = time.Since(started)
			return result
		}
		lim.inFlight.Add(1)
		out, err := s.call(ctx, req.Tier, req.Payload, lim.release)

		result.Retries = retry
		if ctx.Err() != nil {
			result.Discarded = true
			result.Err = ctx.Err()
			result.Latency = time.Since(started)
			return result
		}
		if err == nil {
			result.Output = out
			result.Err = nil
			result.Latency = time.Since(started)
			return result
		}
		infra := &InfraError{Kind: classify(err), Tier: req.Tier.Name, Retries: retry, Err: err}
		result.Err = infra
		if retry >= s.settings.MaxRetries {
			s.logger.Printf("scheduler: task %s attempt %d: giving up: %v", req.TaskID, seq, infra)
			result.Latency = time.Since(started)
			return result
		}
		delay := s.settings.Backoff(retry + 1)
		s.logger.Printf("scheduler: task %s attempt %d: %v; retry %d in %s", req.TaskID, seq, err, retry+1, delay)
		if err := s.sleep(ctx, delay); err != nil {
			result.Discarded = true
			result.Err = err
			result.Latency = time.Since(started)
			return result
		}
	}
}

type callResult struct {
	out executor.Output
	err error
}

// call enforces the tier timeout even when the executor ignores its context.
// release runs when Execute actually returns, so a worker that outlives its
// timeout keeps holding its tier slot.
func (s *Scheduler) call(ctx context.Context, tier executor.Tier, payload string, release func()) (executor.Output, error) {
	callCtx := ctx
	cancel := context.CancelFunc(func() {})
	if tier.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, tier.Timeout)
	}
	defer cancel()
	done := make(chan callResult, 1)
	go func() {
		out, err := tier.Executor.Execute(callCtx, payload, tier.Name)
		release()
		done <- callResult{out: out, err: err}
	}()
	select {
	case res := <-done:
		return res.out, res.err
	case <-callCtx.Done():
		return executor.Output{}, callCtx.Err()
	}
}

func (s *Scheduler) limiter(tier executor.Tier) *tierLimiter {
	key := strings.ToLower(tier.Name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if lim, ok := s.limiters[key]; ok {
		return lim
	}
	capacity := int64(tier.Concurrency)
	if capacity < 1 {
		capacity = 1
	}
	lim := &tierLimiter{sem: semaphore.NewWeighted(capacity), capacity: capacity}
	s.limiters[key] = lim
	return lim
}

func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrExecutorTimeout
	}
	return ErrExecutorTransport
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// mergeDone returns a context that carries a's values and is done when either
// a or b is done. The returned func releases it.
func mergeDone(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
