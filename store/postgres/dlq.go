package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/reelpipe/reelpipe"
	"github.com/reelpipe/reelpipe/dlq"
	"github.com/reelpipe/reelpipe/id"
)

const dlqColumns = `
	id, source, run_id, payload, error, attempts, last_attempt_at,
	resolved_at, created_at`

// PushDLQ adds an entry to the dead-letter queue.
func (s *Store) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reelpipe_dlq (
			id, source, run_id, payload, error, attempts, last_attempt_at,
			resolved_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID.String(), entry.Source, entry.RunID.String(), entry.Payload,
		entry.Error, entry.Attempts, entry.LastAttemptAt,
		entry.ResolvedAt, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: push dlq: %w", err)
	}
	return nil
}

// GetDLQ retrieves an entry by ID.
func (s *Store) GetDLQ(ctx context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT`+dlqColumns+` FROM reelpipe_dlq WHERE id = $1`,
		entryID.String(),
	)

	entry, err := scanDLQ(row)
	if err != nil {
		if isNoRows(err) {
			return nil, reelpipe.ErrDLQNotFound
		}
		return nil, fmt.Errorf("postgres: get dlq entry: %w", err)
	}
	return entry, nil
}

// ListDLQ returns entries matching the given options, newest first.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	query := `SELECT` + dlqColumns + ` FROM reelpipe_dlq WHERE TRUE`
	var args []any

	if opts.Source != "" {
		args = append(args, opts.Source)
		query += fmt.Sprintf(` AND source = $%d`, len(args))
	}
	if !opts.IncludeResolved {
		query += ` AND resolved_at IS NULL`
	}
	query += ` ORDER BY created_at DESC`
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
		return nil, fmt.Errorf("postgres: list dlq: %w", err)
	}
	defer rows.Close()

	var entries []*dlq.Entry
	for rows.Next() {
		entry, scanErr := scanDLQ(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("postgres: scan dlq entry: %w", scanErr)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate dlq: %w", err)
	}
	return entries, nil
}

// ResolveDLQ marks an entry as resolved. Resolving twice keeps the original
// resolution time.
func (s *Store) ResolveDLQ(ctx context.Context, entryID id.DLQID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE reelpipe_dlq
		SET resolved_at = COALESCE(resolved_at, NOW())
		WHERE id = $1`,
		entryID.String(),
	)
	if err != nil {
		return fmt.Errorf("postgres: resolve dlq entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return reelpipe.ErrDLQNotFound
	}
	return nil
}

// PurgeDLQ removes resolved entries created before the given time.
func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM reelpipe_dlq
		WHERE resolved_at IS NOT NULL AND created_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: purge dlq: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountDLQ returns the number of unresolved entries.
func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM reelpipe_dlq WHERE resolved_at IS NULL`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count dlq: %w", err)
	}
	return count, nil
}

func scanDLQ(row rowScanner) (*dlq.Entry, error) {
	var (
		entry              dlq.Entry
		dlqIDRaw, runIDRaw string
	)

	err := row.Scan(
		&dlqIDRaw, &entry.Source, &runIDRaw, &entry.Payload, &entry.Error,
		&entry.Attempts, &entry.LastAttemptAt, &entry.ResolvedAt,
		&entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if entry.ID, err = id.ParseWithPrefix(dlqIDRaw, id.PrefixDLQ); err != nil {
		return nil, fmt.Errorf("parse dlq id %q: %w", dlqIDRaw, err)
	}
	if entry.RunID, err = parseOptionalID(runIDRaw, id.PrefixRun); err != nil {
		return nil, fmt.Errorf("parse run id %q: %w", runIDRaw, err)
	}

	return &entry, nil
}
