package harness

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kingrea/tally/internal/executor"
	"github.com/kingrea/tally/internal/orchestrator"
	"github.com/kingrea/tally/internal/task"
)

// DefaultParallel bounds in-flight scenario tasks when the scenario does not.
const DefaultParallel = 8

// Orchestrator is the part of the orchestrator the harness drives.
type Orchestrator interface {
	Ladder() executor.Ladder
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (string, error)
	Wait(ctx context.Context, taskID string) (task.Result, error)
}

// Logger is the logging dependency; *logging.Logger satisfies it.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Option customizes a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides the time source used for run duration.
func WithClock(clock func() time.Time) Option {
	return func(r *Runner) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithOutcomeHook is called once per decided task, in completion order.
func WithOutcomeHook(fn func(Outcome)) Option {
	return func(r *Runner) {
		r.onOutcome = fn
	}
}

// Runner submits a scenario's tasks and scores the results.
type Runner struct {
	orch      Orchestrator
	logger    Logger
	clock     func() time.Time
	onOutcome func(Outcome)
}

// NewRunner creates a runner in front of orch.
func NewRunner(orch Orchestrator, opts ...Option) *Runner {
	r := &Runner{
		orch:   orch,
		logger: nopLogger{},
		clock:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

type job struct {
	label string
	spec  TaskSpec
}

// Run executes every scenario task through the orchestrator and waits for
// all of them. A submission error aborts the run.
func (r *Runner) Run(ctx context.Context, sc Scenario) (Report, error) {
	if err := sc.Validate(); err != nil {
		return Report{}, err
	}
	var jobs []job
	for i, spec := range sc.Tasks {
		label := spec.label(i)
		repeat := max(spec.Repeat, 1)
		for n := 0; n < repeat; n++ {
			name := label
			if repeat > 1 {
				name = fmt.Sprintf("%s#%d", label, n+1)
			}
			jobs = append(jobs, job{label: name, spec: spec})
		}
	}
	parallel := sc.Parallel
	if parallel <= 0 {
		parallel = DefaultParallel
	}

	start := r.clock()
	r.logger.Printf("harness: scenario %s: %d tasks, parallel %d, seed %d", sc.Name, len(jobs), parallel, sc.Seed)
	outcomes := make([]Outcome, len(jobs))
	var hookMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, j := range jobs {
		i, j := i, j
		g.Go(func() error {
			outcome, err := r.runOne(gctx, j)
			if err != nil {
				return err
			}
			outcomes[i] = outcome
			if r.onOutcome != nil {
				hookMu.Lock()
				r.onOutcome(outcome)
				hookMu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}
	report := Summarize(sc.Name, r.orch.Ladder().Top(), outcomes)
	report.Duration = r.clock().Sub(start)
	r.logger.Printf("harness: scenario %s: accuracy %.3f, cost $%.4f, savings %.1f%%", sc.Name, report.Accuracy, report.TotalCostUSD, report.Savings*100)
	return report, nil
}

func (r *Runner) runOne(ctx context.Context, j job) (Outcome, error) {
	id, err := r.orch.Submit(ctx, orchestrator.SubmitRequest{
		Payload:   j.spec.Payload,
		Risk:      j.spec.Risk,
		Category:  j.spec.Category,
		TaskType:  j.spec.TaskType,
		Consensus: j.spec.Consensus,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("harness: submit %s: %w", j.label, err)
	}
	result, err := r.orch.Wait(ctx, id)
	if err != nil {
		return Outcome{}, fmt.Errorf("harness: wait %s: %w", j.label, err)
	}
	truth := j.spec.Answer()
	return Outcome{
		Label:   j.label,
		Truth:   truth,
		Result:  result,
		Correct: result.Status.Succeeded() && sameAnswer(result.Result, truth),
	}, nil
}

func sameAnswer(got, want string) bool {
	return strings.EqualFold(strings.Join(strings.Fields(got), " "), strings.Join(strings.Fields(want), " "))
}
