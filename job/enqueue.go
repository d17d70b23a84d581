package job

import (
	"context"
	"errors"
	"time"

	"github.com/reelpipe/reelpipe"
	"github.com/reelpipe/reelpipe/id"
)

// Options configures per-job behavior.
type Options struct {
	// Queue is the queue name this job should be enqueued to.
	Queue string

	// MaxAttempts is the attempts budget before the job is finalized as
	// failed. Reschedules do not consume it.
	MaxAttempts int

	// AvailableAt schedules the job for future execution. Zero means
	// immediately claimable.
	AvailableAt time.Time

	// RunID associates the job with a pipeline run.
	RunID id.RunID
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		Queue:       "default",
		MaxAttempts: 5,
	}
}

// Option is a functional option for Enqueue.
type Option func(*Options)

// WithQueue sets the queue name for the job.
func WithQueue(q string) Option {
	return func(o *Options) { o.Queue = q }
}

// WithMaxAttempts sets the attempts budget.
func WithMaxAttempts(n int) Option {
	return func(o *Options) { o.MaxAttempts = n }
}

// WithAvailableAt schedules the job for execution at a specific time.
func WithAvailableAt(t time.Time) Option {
	return func(o *Options) { o.AvailableAt = t }
}

// WithRunID associates the job with a run.
func WithRunID(runID id.RunID) Option {
	return func(o *Options) { o.RunID = runID }
}

// Enqueue inserts a pending job with the given idempotency key. An enqueue
// whose key was already used is a no-op: the duplicate is swallowed and the
// previously scheduled job stands. The returned bool reports whether a new
// job was created.
func Enqueue(ctx context.Context, store Store, jobType Type, idempotencyKey string, payload []byte, opts ...Option) (*Job, bool, error) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	availableAt := o.AvailableAt
	if availableAt.IsZero() {
		availableAt = time.Now().UTC()
	}

	j := &Job{
		Entity:         reelpipe.NewEntity(),
		ID:             id.NewJobID(),
		Type:           jobType,
		RunID:          o.RunID,
		Queue:          o.Queue,
		Payload:        payload,
		Status:         StatusPending,
		MaxAttempts:    o.MaxAttempts,
		IdempotencyKey: idempotencyKey,
		AvailableAt:    availableAt,
	}

	if err := store.EnqueueJob(ctx, j); err != nil {
		if errors.Is(err, reelpipe.ErrDuplicateJob) {
			return nil, false, nil
		}
		return nil, false, err
	}

	return j, true, nil
}
