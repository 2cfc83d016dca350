package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/kingrea/tally/internal/escalation"
	"github.com/kingrea/tally/internal/executor"
	"github.com/kingrea/tally/internal/redflag"
	"github.com/kingrea/tally/internal/scheduler"
	"github.com/kingrea/tally/internal/task"
	"github.com/kingrea/tally/internal/telemetry"
	"github.com/kingrea/tally/internal/voting"
)

// taskRun is the state the task goroutine keeps between batches.
type taskRun struct {
	entry    *entry
	filter   *redflag.Filter
	ctrl     *escalation.Controller
	seq      int
	used     int
	cost     float64
	baseline float64
	emitted  int
	attempts []task.Attempt
}

func (o *Orchestrator) run(ctx context.Context, e *entry) {
	t := e.task
	defer o.sched.Forget(t.ID)

	ctrl, err := escalation.NewController(t, o.ladder, o.policy,
		escalation.WithClock(o.clock),
		escalation.WithInitialBatch(o.initialBatch),
		escalation.WithWeighted(o.weighted || t.Consensus.Weighted),
	)
	if err != nil {
		o.fail(e, nil, err)
		return
	}
	r := &taskRun{entry: e, filter: o.filters.For(t.TaskType), ctrl: ctrl}
	directive := ctrl.Start()
	o.logger.Printf("orchestrator: task %s start at tier %s K=%d batch=%d", t.ID, directive.Tier.Name, directive.K, directive.Samples)

	for {
		switch directive.Action {
		case escalation.ActionSample, escalation.ActionEscalate:
			if directive.Action == escalation.ActionEscalate {
				o.logger.Printf("orchestrator: task %s escalate to %s (%s) K=%d", t.ID, directive.Tier.Name, directive.Reason, directive.K)
			}
			directive = o.step(ctx, r, directive)
		case escalation.ActionComplete:
			o.complete(r, directive)
			return
		case escalation.ActionFail:
			o.fail(e, r, directive.Err)
			return
		default:
			o.fail(e, r, fmt.Errorf("orchestrator: unknown action %q", directive.Action))
			return
		}
	}
}

// step dispatches one batch and feeds it to the controller.
func (o *Orchestrator) step(ctx context.Context, r *taskRun, directive escalation.Directive) escalation.Directive {
	t := r.entry.task
	if err := ctx.Err(); err != nil {
		return o.abort(r, cancelCause(ctx))
	}
	results, err := o.sched.Dispatch(ctx, scheduler.Request{
		TaskID:   t.ID,
		Payload:  t.Payload,
		Tier:     directive.Tier,
		Count:    directive.Samples,
		FirstSeq: r.seq + 1,
	})
	r.seq += directive.Samples
	batch := make([]task.Attempt, 0, len(results))
	for _, res := range results {
		attempt := o.attemptFrom(t, directive.Tier, r.filter, res)
		batch = append(batch, attempt)
		if attempt.Discarded {
			continue
		}
		r.used++
		r.cost += attempt.CostUSD
		if attempt.Produced() {
			r.baseline += o.ladder.Top().Cost(attempt.UnitsUsed)
		}
		o.recorder.Record(telemetry.AttemptEvent(t.Category, attempt))
	}
	r.attempts = append(r.attempts, batch...)
	o.publish(r, directive.Tier.Name)

	if err != nil {
		if errors.Is(err, scheduler.ErrTaskCancelled) || ctx.Err() != nil {
			return o.abort(r, cancelCause(ctx))
		}
		return o.abort(r, err)
	}
	next, err := r.ctrl.Observe(batch)
	if err != nil {
		return o.abort(r, err)
	}
	o.recordEscalations(r)
	return next
}

func (o *Orchestrator) abort(r *taskRun, cause error) escalation.Directive {
	directive, err := r.ctrl.Abort(cause)
	if err != nil {
		return escalation.Directive{Action: escalation.ActionFail, Err: cause}
	}
	return directive
}

// attemptFrom classifies one raw scheduler result.
func (o *Orchestrator) attemptFrom(t task.Task, tier executor.Tier, filter *redflag.Filter, res scheduler.Result) task.Attempt {
	attempt := task.Attempt{
		TaskID:    t.ID,
		Seq:       res.Seq,
		Tier:      res.Tier,
		Retries:   res.Retries,
		Latency:   res.Latency,
		Discarded: res.Discarded,
	}
	if res.Discarded {
		return attempt
	}
	if res.Err != nil {
		attempt.InfraError = res.Err.Error()
		return attempt
	}
	out := res.Output
	attempt.Output = out.Text
	attempt.Normalized, attempt.Hash = o.normalizer.Normalize(out.Text)
	attempt.Confidence = o.defaultConfidence
	if out.Confidence != nil {
		attempt.Confidence = voting.ClampConfidence(*out.Confidence)
	}
	attempt.UnitsUsed = out.UnitsUsed
	attempt.CostUSD = tier.Cost(out.UnitsUsed)
	attempt.IsFailureSignal = out.FailureSignal || filter.IsFailure(out.Text)
	classification := filter.Classify(attempt)
	attempt.Admissible = classification.Admissible
	attempt.Reasons = classification.Strings()
	return attempt
}

// publish refreshes the running snapshot callers see through Result.
func (o *Orchestrator) publish(r *taskRun, tier string) {
	records := r.ctrl.Records()
	attempts := r.attempts
	r.entry.update(func(res *task.Result) {
		res.FinalTier = tier
		res.AttemptsUsed = r.used
		res.TotalCostUSD = r.cost
		res.Escalations = records
		res.Attempts = append([]task.Attempt(nil), attempts...)
	})
}

func (o *Orchestrator) recordEscalations(r *taskRun) {
	records := r.ctrl.Records()
	for _, record := range records[r.emitted:] {
		o.recorder.Record(telemetry.EscalationEvent(r.entry.task.Category, record, r.used, r.cost))
	}
	r.emitted = len(records)
}

func (o *Orchestrator) complete(r *taskRun, directive escalation.Directive) {
	t := r.entry.task
	output, _ := directive.Decision.Result()
	records := r.ctrl.Records()
	status := task.StatusCompleted
	if len(records) > 0 {
		status = task.StatusEscalated
	}
	r.entry.update(func(res *task.Result) {
		res.Status = status
		res.Result = output
		res.FinalTier = directive.Tier.Name
		res.AttemptsUsed = r.used
		res.TotalCostUSD = r.cost
		res.Escalations = records
		res.Attempts = append([]task.Attempt(nil), r.attempts...)
		res.FinishedAt = o.clock()
	})
	o.logger.Printf("orchestrator: task %s %s at tier %s after %d attempts (lead %.2f)", t.ID, status, directive.Tier.Name, r.used, directive.Decision.LeadFloat())
	o.close(r.entry, r.baseline)
}

func (o *Orchestrator) fail(e *entry, r *taskRun, cause error) {
	reason := "failed"
	if cause != nil {
		reason = cause.Error()
	}
	baseline := 0.0
	e.update(func(res *task.Result) {
		res.Status = task.StatusFailed
		res.FailureReason = reason
		res.FinishedAt = o.clock()
		if r == nil {
			return
		}
		baseline = r.baseline
		res.AttemptsUsed = r.used
		res.TotalCostUSD = r.cost
		res.Escalations = r.ctrl.Records()
		res.Attempts = append([]task.Attempt(nil), r.attempts...)
		if tier := r.ctrl.Tier(); tier.Name != "" {
			res.FinalTier = tier.Name
		}
	})
	if r != nil {
		o.recordEscalations(r)
	}
	o.logger.Printf("orchestrator: task %s failed: %s", e.task.ID, reason)
	o.close(e, baseline)
}

func (o *Orchestrator) close(e *entry, baseline float64) {
	o.recorder.Record(telemetry.DecisionEvent(e.snapshot(), baseline))
	o.finish(e)
}

func cancelCause(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrDeadlineExceeded
	}
	return scheduler.ErrTaskCancelled
}
