// Package worker provides the job execution engine — an Executor that
// invokes registered handlers through middleware and settles their
// three-way results against the store, and a Pool that manages concurrent
// worker goroutines claiming leased jobs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/reelpipe/reelpipe"
	"github.com/reelpipe/reelpipe/backoff"
	"github.com/reelpipe/reelpipe/dlq"
	"github.com/reelpipe/reelpipe/id"
	"github.com/reelpipe/reelpipe/job"
	"github.com/reelpipe/reelpipe/middleware"
)

// Executor runs a single claimed job through middleware and the registered
// handler, then settles the result: succeeded, rescheduled without touching
// the attempts budget, or failed with backoff and eventual dead-lettering.
type Executor struct {
	registry    *job.Registry
	store       job.Store
	deadletters *dlq.Service
	backoff     backoff.Strategy
	mw          middleware.Middleware
	logger      *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	registry *job.Registry,
	store job.Store,
	deadletters *dlq.Service,
	bo backoff.Strategy,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		registry:    registry,
		store:       store,
		deadletters: deadletters,
		backoff:     bo,
		mw:          middleware.Chain(mws...),
		logger:      logger,
	}
}

// Execute runs a job through the middleware chain and handler, then applies
// its Result. Every store call checks lease ownership: a lost lease means
// another worker legitimately owns the job now, so the outcome is discarded
// with a log line instead of an error.
func (e *Executor) Execute(ctx context.Context, workerID id.WorkerID, j *job.Job) error {
	handler, ok := e.registry.Get(j.Type)
	if !ok {
		err := fmt.Errorf("worker: no handler registered for job type %q", j.Type)
		return e.settleFailure(ctx, workerID, j, err)
	}

	terminal := func(ctx context.Context) job.Result {
		return handler(ctx, j)
	}
	res := e.mw(ctx, j, terminal)

	switch res.Outcome {
	case job.OutcomeSuccess:
		if err := e.store.MarkJobSucceeded(ctx, j.ID, workerID); err != nil {
			return e.leaseAware(j, "mark succeeded", err)
		}
		return nil

	case job.OutcomeReschedule:
		if err := e.store.RescheduleJob(ctx, j.ID, workerID, res.Delay); err != nil {
			return e.leaseAware(j, "reschedule", err)
		}
		return nil

	case job.OutcomeFailure:
		return e.settleFailure(ctx, workerID, j, res.Err)

	default:
		return fmt.Errorf("worker: job %s returned unknown outcome %d", j.ID, res.Outcome)
	}
}

// settleFailure records a genuine failure. The store increments the
// attempts counter and decides pending-vs-failed; when the budget is
// exhausted the payload goes to the dead-letter queue for operator replay.
func (e *Executor) settleFailure(ctx context.Context, workerID id.WorkerID, j *job.Job, cause error) error {
	attempt := j.Attempts + 1
	delay := e.backoff.Delay(attempt)

	if err := e.store.MarkJobFailed(ctx, j.ID, workerID, cause.Error(), delay); err != nil {
		return e.leaseAware(j, "mark failed", err)
	}

	if attempt < j.MaxAttempts {
		e.logger.Info("job scheduled for retry",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", string(j.Type)),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", j.MaxAttempts),
			slog.Duration("delay", delay),
		)
		return nil
	}

	if e.deadletters != nil {
		source := "job:" + string(j.Type)
		if _, dlqErr := e.deadletters.Push(ctx, source, j.RunID, j.Payload, cause, attempt); dlqErr != nil {
			e.logger.Error("failed to dead-letter exhausted job",
				slog.String("job_id", j.ID.String()),
				slog.String("error", dlqErr.Error()),
			)
		}
	}

	e.logger.Warn("job failed permanently after exhausting attempts",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", string(j.Type)),
		slog.Int("attempts", attempt),
		slog.String("error", cause.Error()),
	)
	return nil
}

// leaseAware downgrades ErrLeaseLost to a logged no-op: the lease expired
// mid-execution and another worker owns the job, so this worker's outcome
// must not be written over the new owner's state.
func (e *Executor) leaseAware(j *job.Job, op string, err error) error {
	if errors.Is(err, reelpipe.ErrLeaseLost) {
		e.logger.Warn("lease lost, discarding outcome",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", string(j.Type)),
			slog.String("op", op),
		)
		return nil
	}
	return fmt.Errorf("worker: %s job %s: %w", op, j.ID, err)
}
