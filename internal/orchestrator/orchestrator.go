// Package orchestrator owns task submission and the per-task loop that ties
// the scheduler, red-flag filter, voting engine, escalation controller and
// telemetry together.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/tally/internal/config"
	"github.com/kingrea/tally/internal/escalation"
	"github.com/kingrea/tally/internal/executor"
	"github.com/kingrea/tally/internal/redflag"
	"github.com/kingrea/tally/internal/scheduler"
	"github.com/kingrea/tally/internal/task"
	"github.com/kingrea/tally/internal/telemetry"
	"github.com/kingrea/tally/internal/voting"
)

var (
	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = errors.New("orchestrator: task not found")
	// ErrTaskFinished is returned when cancelling a task that already ended.
	ErrTaskFinished = errors.New("orchestrator: task already finished")
	// ErrShuttingDown rejects submissions after Shutdown.
	ErrShuttingDown = errors.New("orchestrator: shutting down")
	// ErrInvalidRequest marks a malformed submission.
	ErrInvalidRequest = errors.New("orchestrator: invalid request")
	// ErrDeadlineExceeded is the failure reason of a task that ran out of time.
	ErrDeadlineExceeded = errors.New("orchestrator: task deadline exceeded")
)

// Logger is the logging dependency; *logging.Logger satisfies it.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// SubmitRequest describes a task to run.
type SubmitRequest struct {
	Payload  string `json:"payload"`
	Risk     string `json:"risk,omitempty"`
	Category string `json:"category,omitempty"`
	TaskType string `json:"task_type,omitempty"`
	// Consensus overrides the configured voting parameters field by field.
	Consensus *task.ConsensusParams `json:"consensus,omitempty"`
	DedupKey  string                `json:"dedup_key,omitempty"`
	// Deadline bounds wall time; zero uses the configured default.
	Deadline time.Duration `json:"deadline,omitempty"`
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithStore sets where terminal results are kept.
func WithStore(store ResultStore) Option {
	return func(o *Orchestrator) {
		if store != nil {
			o.store = store
		}
	}
}

// WithNormalizer replaces the result normalizer.
func WithNormalizer(n *voting.Normalizer) Option {
	return func(o *Orchestrator) {
		if n != nil {
			o.normalizer = n
		}
	}
}

// WithDefaultConfidence sets the weight of attempts whose worker reports no
// confidence.
func WithDefaultConfidence(c float64) Option {
	return func(o *Orchestrator) {
		o.defaultConfidence = voting.ClampConfidence(c)
	}
}

// WithWeighted enables confidence-weighted voting for every task.
func WithWeighted(weighted bool) Option {
	return func(o *Orchestrator) {
		o.weighted = weighted
	}
}

// WithInitialBatch sets the first batch size at each tier. Zero means K+1.
func WithInitialBatch(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.initialBatch = n
		}
	}
}

// WithTaskDeadline sets the default per-task wall time limit. Zero disables it.
func WithTaskDeadline(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.deadline = d
		}
	}
}

// ConfigOptions maps the consensus section of cfg onto options.
func ConfigOptions(cfg *config.Config) []Option {
	if cfg == nil {
		return nil
	}
	c := cfg.Project.Consensus
	opts := []Option{
		WithDefaultConfidence(c.Confidence()),
		WithWeighted(c.ConfidenceWeighted),
		WithInitialBatch(c.InitialBatch),
		WithTaskDeadline(c.TaskDeadline),
	}
	if c.ScrubTimestamps {
		opts = append(opts, WithNormalizer(voting.NewNormalizer(voting.WithTimestampScrub())))
	}
	return opts
}

type entry struct {
	task task.Task
	done chan struct{}

	mu     sync.RWMutex
	result task.Result
}

func (e *entry) snapshot() task.Result {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.result.Clone()
}

func (e *entry) update(fn func(*task.Result)) {
	e.mu.Lock()
	fn(&e.result)
	e.mu.Unlock()
}

// Orchestrator accepts tasks and drives each one on its own goroutine.
type Orchestrator struct {
	ladder     executor.Ladder
	filters    *redflag.Registry
	sched      *scheduler.Scheduler
	recorder   telemetry.Recorder
	policy     escalation.KPolicy
	normalizer *voting.Normalizer
	store      ResultStore
	logger     Logger
	clock      func() time.Time

	defaultConfidence float64
	weighted          bool
	initialBatch      int
	deadline          time.Duration

	base    context.Context
	stopAll context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	live   map[string]*entry
	dedup  map[string]string
	closed bool
}

// New wires an orchestrator. The scheduler and recorder may be shared with
// other orchestrators; a nil recorder discards telemetry.
func New(ladder executor.Ladder, filters *redflag.Registry, sched *scheduler.Scheduler, recorder telemetry.Recorder, policy escalation.KPolicy, opts ...Option) (*Orchestrator, error) {
	if err := ladder.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	if filters == nil {
		return nil, fmt.Errorf("orchestrator: red-flag registry is required")
	}
	if sched == nil {
		return nil, fmt.Errorf("orchestrator: scheduler is required")
	}
	if recorder == nil {
		recorder = telemetry.RecorderFunc(func(telemetry.Event) {})
	}
	base, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		ladder:            ladder,
		filters:           filters,
		sched:             sched,
		recorder:          recorder,
		policy:            policy,
		normalizer:        voting.NewNormalizer(),
		store:             NewMemoryStore(),
		logger:            nopLogger{},
		clock:             time.Now,
		defaultConfidence: 1,
		base:              base,
		stopAll:           stop,
		live:              make(map[string]*entry),
		dedup:             make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// Ladder returns the tier ladder in use.
func (o *Orchestrator) Ladder() executor.Ladder {
	return o.ladder
}

// Submit validates req, starts the task and returns its id. A request whose
// dedup key was seen before returns the earlier task's id without starting
// anything. ctx only bounds the submission itself.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(req.Payload) == "" {
		return "", fmt.Errorf("%w: payload is required", ErrInvalidRequest)
	}
	risk, err := task.ParseRiskTier(req.Risk)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.Deadline < 0 {
		return "", fmt.Errorf("%w: deadline must be positive", ErrInvalidRequest)
	}
	var params task.ConsensusParams
	if req.Consensus != nil {
		params = *req.Consensus
		if params.K < 0 || params.MaxAttempts < 0 || params.InitialBatch < 0 {
			return "", fmt.Errorf("%w: consensus parameters must not be negative", ErrInvalidRequest)
		}
	}
	category := strings.ToLower(strings.TrimSpace(req.Category))
	if category == "" {
		category = string(risk)
	}
	dedupKey := strings.TrimSpace(req.DedupKey)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return "", ErrShuttingDown
	}
	if dedupKey != "" {
		if id, ok := o.dedup[dedupKey]; ok {
			o.logger.Printf("orchestrator: dedup key %s maps to task %s", dedupKey, id)
			return id, nil
		}
	}

	now := o.clock()
	t := task.Task{
		ID:        uuid.NewString(),
		Payload:   req.Payload,
		Risk:      risk,
		Category:  category,
		TaskType:  strings.TrimSpace(req.TaskType),
		Consensus: params,
		DedupKey:  dedupKey,
		CreatedAt: now,
	}
	deadline := req.Deadline
	if deadline == 0 {
		deadline = o.deadline
	}
	var (
		taskCtx context.Context
		cancel  context.CancelFunc
	)
	if deadline > 0 {
		t.Deadline = now.Add(deadline)
		taskCtx, cancel = context.WithTimeout(o.base, deadline)
	} else {
		taskCtx, cancel = context.WithCancel(o.base)
	}
	e := &entry{
		task: t,
		done: make(chan struct{}),
		result: task.Result{
			TaskID:      t.ID,
			Category:    t.Category,
			Status:      task.StatusRunning,
			FinalTier:   o.ladder[0].Name,
			SubmittedAt: now,
		},
	}
	o.live[t.ID] = e
	if dedupKey != "" {
		o.dedup[dedupKey] = t.ID
	}
	runCtx := o.sched.Track(taskCtx, t.ID)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		o.run(runCtx, e)
	}()
	o.logger.Printf("orchestrator: submitted task %s (risk=%s category=%s type=%s)", t.ID, t.Risk, t.Category, t.TaskType)
	return t.ID, nil
}

// Result returns the current view of a task: a running snapshot or the
// terminal result.
func (o *Orchestrator) Result(taskID string) (task.Result, error) {
	o.mu.Lock()
	e, ok := o.live[taskID]
	o.mu.Unlock()
	if ok {
		return e.snapshot(), nil
	}
	result, err := o.store.Load(taskID)
	if errors.Is(err, ErrResultNotFound) {
		return task.Result{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err != nil {
		return task.Result{}, err
	}
	return result, nil
}

// Wait blocks until the task reaches a terminal state or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, taskID string) (task.Result, error) {
	o.mu.Lock()
	e, ok := o.live[taskID]
	o.mu.Unlock()
	if !ok {
		return o.Result(taskID)
	}
	select {
	case <-e.done:
		return e.snapshot(), nil
	case <-ctx.Done():
		return e.snapshot(), ctx.Err()
	}
}

// Cancel stops a running task. Its outstanding attempts are discarded and the
// task fails.
func (o *Orchestrator) Cancel(taskID string) error {
	o.mu.Lock()
	e, ok := o.live[taskID]
	o.mu.Unlock()
	if !ok {
		if _, err := o.store.Load(taskID); err == nil {
			return fmt.Errorf("%w: %s", ErrTaskFinished, taskID)
		}
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	select {
	case <-e.done:
		return fmt.Errorf("%w: %s", ErrTaskFinished, taskID)
	default:
	}
	o.sched.Cancel(taskID)
	return nil
}

// Running lists the ids of tasks still in progress.
func (o *Orchestrator) Running() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.live))
	for id := range o.live {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown rejects new submissions, cancels running tasks and waits for their
// goroutines to finish or ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.stopAll()
	finished := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator: shutdown: %w", ctx.Err())
	}
}

// finish stores the terminal result and releases the live entry.
func (o *Orchestrator) finish(e *entry) {
	result := e.snapshot()
	if err := o.store.Save(result); err != nil {
		o.logger.Printf("orchestrator: save result %s: %v", result.TaskID, err)
		close(e.done)
		return
	}
	close(e.done)
	o.mu.Lock()
	delete(o.live, result.TaskID)
	o.mu.Unlock()
}
