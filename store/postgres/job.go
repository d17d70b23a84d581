package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/reelpipe/reelpipe"
	"github.com/reelpipe/reelpipe/id"
	"github.com/reelpipe/reelpipe/job"
)

const jobColumns = `
	id, type, run_id, queue, payload, status, attempts, max_attempts,
	last_error, idempotency_key, claimed_by,
	available_at, lease_expires_at, completed_at, created_at, updated_at`

// EnqueueJob persists a new job in pending status.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reelpipe_jobs (
			id, type, run_id, queue, payload, status, attempts, max_attempts,
			last_error, idempotency_key, claimed_by,
			available_at, lease_expires_at, completed_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11,
			$12, $13, $14, $15, $16
		)`,
		j.ID.String(), string(j.Type), j.RunID.String(), j.Queue, j.Payload,
		string(j.Status), j.Attempts, j.MaxAttempts,
		j.LastError, j.IdempotencyKey, j.ClaimedBy.String(),
		j.AvailableAt, j.LeaseExpiresAt, j.CompletedAt,
		j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return reelpipe.ErrDuplicateJob
		}
		return fmt.Errorf("postgres: enqueue job: %w", err)
	}
	return nil
}

// ClaimNextJob atomically claims one eligible job: pending and due, or
// running with a lapsed lease. SKIP LOCKED keeps concurrent workers off the
// same row.
func (s *Store) ClaimNextJob(ctx context.Context, queues []string, workerID id.WorkerID, lease time.Duration) (*job.Job, error) {
	leaseUntil := time.Now().UTC().Add(lease)

	row := s.pool.QueryRow(ctx, `
		WITH claimed AS (
			UPDATE reelpipe_jobs
			SET status = 'running', claimed_by = $2, lease_expires_at = $3,
			    updated_at = NOW()
			WHERE id = (
				SELECT id FROM reelpipe_jobs
				WHERE queue = ANY($1)
				  AND (
					(status = 'pending' AND available_at <= NOW())
					OR (status = 'running' AND lease_expires_at <= NOW())
				  )
				ORDER BY available_at ASC, created_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT 1
			)
			RETURNING `+jobColumns+`
		)
		SELECT * FROM claimed`,
		queues, workerID.String(), leaseUntil,
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: claim job: %w", err)
	}
	return j, nil
}

// TouchLease extends a held lease. The update is conditioned on the worker
// still owning the running job; zero rows means the lease was lost.
func (s *Store) TouchLease(ctx context.Context, jobID id.JobID, workerID id.WorkerID, lease time.Duration) error {
	leaseUntil := time.Now().UTC().Add(lease)

	tag, err := s.pool.Exec(ctx, `
		UPDATE reelpipe_jobs
		SET lease_expires_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'running' AND claimed_by = $2`,
		jobID.String(), workerID.String(), leaseUntil,
	)
	if err != nil {
		return fmt.Errorf("postgres: touch lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return reelpipe.ErrLeaseLost
	}
	return nil
}

// MarkJobSucceeded finalizes the job and clears its lease.
func (s *Store) MarkJobSucceeded(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE reelpipe_jobs
		SET status = 'succeeded', completed_at = NOW(),
		    claimed_by = '', lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'running' AND claimed_by = $2`,
		jobID.String(), workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("postgres: mark job succeeded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return reelpipe.ErrLeaseLost
	}
	return nil
}

// MarkJobFailed increments the attempts count and either returns the job to
// pending after delay or finalizes it as failed when the budget is spent.
func (s *Store) MarkJobFailed(ctx context.Context, jobID id.JobID, workerID id.WorkerID, jobErr string, delay time.Duration) error {
	retryAt := time.Now().UTC().Add(delay)

	tag, err := s.pool.Exec(ctx, `
		UPDATE reelpipe_jobs
		SET attempts = attempts + 1,
		    last_error = $3,
		    status = CASE WHEN attempts + 1 >= max_attempts
		                  THEN 'failed' ELSE 'pending' END,
		    completed_at = CASE WHEN attempts + 1 >= max_attempts
		                        THEN NOW() ELSE NULL END,
		    available_at = CASE WHEN attempts + 1 >= max_attempts
		                        THEN available_at ELSE $4 END,
		    claimed_by = '', lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'running' AND claimed_by = $2`,
		jobID.String(), workerID.String(), jobErr, retryAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: mark job failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return reelpipe.ErrLeaseLost
	}
	return nil
}

// RescheduleJob returns a working job to pending without touching the
// attempts budget.
func (s *Store) RescheduleJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, delay time.Duration) error {
	availableAt := time.Now().UTC().Add(delay)

	tag, err := s.pool.Exec(ctx, `
		UPDATE reelpipe_jobs
		SET status = 'pending', available_at = $3,
		    claimed_by = '', lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'running' AND claimed_by = $2`,
		jobID.String(), workerID.String(), availableAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: reschedule job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return reelpipe.ErrLeaseLost
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT`+jobColumns+` FROM reelpipe_jobs WHERE id = $1`,
		jobID.String(),
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, reelpipe.ErrJobNotFound
		}
		return nil, fmt.Errorf("postgres: get job: %w", err)
	}
	return j, nil
}

// ListJobsByStatus returns jobs matching the given status.
func (s *Store) ListJobsByStatus(ctx context.Context, status job.Status, opts job.ListOpts) ([]*job.Job, error) {
	query := `SELECT` + jobColumns + ` FROM reelpipe_jobs WHERE status = $1`
	args := []any{string(status)}

	if opts.Queue != "" {
		args = append(args, opts.Queue)
		query += fmt.Sprintf(` AND queue = $%d`, len(args))
	}
	query += ` ORDER BY created_at ASC`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM reelpipe_jobs WHERE TRUE`
	var args []any

	if opts.Queue != "" {
		args = append(args, opts.Queue)
		query += fmt.Sprintf(` AND queue = $%d`, len(args))
	}
	if opts.Status != "" {
		args = append(args, string(opts.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}

	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("postgres: count jobs: %w", err)
	}
	return count, nil
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j                           job.Job
		jobIDRaw, runIDRaw, claimed string
		typeRaw, statusRaw          string
	)

	err := row.Scan(
		&jobIDRaw, &typeRaw, &runIDRaw, &j.Queue, &j.Payload, &statusRaw,
		&j.Attempts, &j.MaxAttempts, &j.LastError, &j.IdempotencyKey,
		&claimed, &j.AvailableAt, &j.LeaseExpiresAt, &j.CompletedAt,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if j.ID, err = id.ParseJobID(jobIDRaw); err != nil {
		return nil, fmt.Errorf("parse job id %q: %w", jobIDRaw, err)
	}
	if j.RunID, err = parseOptionalID(runIDRaw, id.PrefixRun); err != nil {
		return nil, fmt.Errorf("parse run id %q: %w", runIDRaw, err)
	}
	if j.ClaimedBy, err = parseOptionalID(claimed, id.PrefixWorker); err != nil {
		return nil, fmt.Errorf("parse worker id %q: %w", claimed, err)
	}
	j.Type = job.Type(typeRaw)
	j.Status = job.Status(statusRaw)

	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate jobs: %w", err)
	}
	return jobs, nil
}
