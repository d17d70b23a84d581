package job

import (
	"context"
	"time"

	"github.com/reelpipe/reelpipe/id"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// Queue filters by queue name. Empty means all queues.
	Queue string
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// Queue filters by queue name. Empty means all queues.
	Queue string
	// Status filters by job status. Empty means all statuses.
	Status Status
}

// Store defines the persistence contract for jobs.
//
// Claiming must be atomic: backends with row-level locking use
// SELECT ... FOR UPDATE SKIP LOCKED so concurrent workers never contend on
// the same row; others use an optimistic conditional update and treat a
// zero-row update as "someone else got it first".
type Store interface {
	// EnqueueJob persists a new job in pending status. A job whose
	// idempotency key is already present returns ErrDuplicateJob; callers
	// are expected to treat that as "already scheduled", not a hard error.
	EnqueueJob(ctx context.Context, j *Job) error

	// ClaimNextJob atomically claims one eligible job for the worker:
	// pending with AvailableAt due and no live lease, or running with an
	// expired lease (crash recovery). The claimed job is marked running
	// with a fresh lease and ClaimedBy set. Eligibility order is earliest
	// AvailableAt, then earliest creation time. Returns nil when no job is
	// eligible.
	ClaimNextJob(ctx context.Context, queues []string, workerID id.WorkerID, lease time.Duration) (*Job, error)

	// TouchLease extends a held lease for a long-running handler. Returns
	// ErrLeaseLost if the worker no longer holds the job.
	TouchLease(ctx context.Context, jobID id.JobID, workerID id.WorkerID, lease time.Duration) error

	// MarkJobSucceeded finalizes the job and clears its lease. Returns
	// ErrLeaseLost if the worker no longer holds the job.
	MarkJobSucceeded(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error

	// MarkJobFailed records a genuine failure: attempts is incremented and
	// the job either returns to pending after delay (attempts remaining) or
	// is finalized as failed. Returns ErrLeaseLost if the worker no longer
	// holds the job.
	MarkJobFailed(ctx context.Context, jobID id.JobID, workerID id.WorkerID, jobErr string, delay time.Duration) error

	// RescheduleJob returns a correctly-working job to pending after delay
	// without consuming the attempts budget. Used by polling handlers.
	// Returns ErrLeaseLost if the worker no longer holds the job.
	RescheduleJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, delay time.Duration) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// ListJobsByStatus returns jobs matching the given status.
	ListJobsByStatus(ctx context.Context, status Status, opts ListOpts) ([]*Job, error)

	// CountJobs returns the number of jobs matching the given options.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)
}
