package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/reelpipe/reelpipe"
	"github.com/reelpipe/reelpipe/id"
	"github.com/reelpipe/reelpipe/run"
)

const runColumns = `
	id, project, status, current_step, input, artifacts, error,
	completed_at, created_at, updated_at`

const artifactColumns = `
	id, run_id, persona, type, content, uri, meta, created_at`

// CreateRun persists a new run.
func (s *Store) CreateRun(ctx context.Context, r *run.Run) error {
	artifacts, err := marshalArtifactMap(r.Artifacts)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO reelpipe_runs (
			id, project, status, current_step, input, artifacts, error,
			completed_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID.String(), r.Project, string(r.Status), r.CurrentStep,
		[]byte(r.Input), artifacts, r.Error,
		r.CompletedAt, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*run.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT`+runColumns+` FROM reelpipe_runs WHERE id = $1`,
		runID.String(),
	)

	r, err := scanRun(row)
	if err != nil {
		if isNoRows(err) {
			return nil, reelpipe.ErrRunNotFound
		}
		return nil, fmt.Errorf("postgres: get run: %w", err)
	}
	return r, nil
}

// UpdateRun persists changes to an existing run.
func (s *Store) UpdateRun(ctx context.Context, r *run.Run) error {
	artifacts, err := marshalArtifactMap(r.Artifacts)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE reelpipe_runs SET
			project = $2, status = $3, current_step = $4, input = $5,
			artifacts = $6, error = $7, completed_at = $8, updated_at = NOW()
		WHERE id = $1`,
		r.ID.String(), r.Project, string(r.Status), r.CurrentStep,
		[]byte(r.Input), artifacts, r.Error, r.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return reelpipe.ErrRunNotFound
	}
	return nil
}

// ListRuns returns runs matching the given options, oldest first.
func (s *Store) ListRuns(ctx context.Context, opts run.ListOpts) ([]*run.Run, error) {
	query := `SELECT` + runColumns + ` FROM reelpipe_runs WHERE TRUE`
	var args []any

	if opts.Status != "" {
		args = append(args, string(opts.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if opts.Project != "" {
		args = append(args, opts.Project)
		query += fmt.Sprintf(` AND project = $%d`, len(args))
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
		return nil, fmt.Errorf("postgres: list runs: %w", err)
	}
	defer rows.Close()

	var runs []*run.Run
	for rows.Next() {
		r, scanErr := scanRun(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("postgres: scan run: %w", scanErr)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate runs: %w", err)
	}
	return runs, nil
}

// AppendArtifact persists an artifact and refreshes the owning run's
// projection in the same transaction.
func (s *Store) AppendArtifact(ctx context.Context, a *run.Artifact) error {
	meta, err := json.Marshal(a.Meta)
	if err != nil {
		return fmt.Errorf("postgres: marshal artifact meta: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin append artifact: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO reelpipe_artifacts (
			id, run_id, persona, type, content, uri, meta, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID.String(), a.RunID.String(), a.Persona, string(a.Type),
		a.Content, a.URI, meta, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: append artifact: %w", err)
	}

	projection := a.URI
	if projection == "" {
		projection = a.ID.String()
	}
	tag, err := tx.Exec(ctx, `
		UPDATE reelpipe_runs
		SET artifacts = artifacts || jsonb_build_object($2::text, $3::text),
		    updated_at = NOW()
		WHERE id = $1`,
		a.RunID.String(), string(a.Type), projection,
	)
	if err != nil {
		return fmt.Errorf("postgres: project artifact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return reelpipe.ErrRunNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit append artifact: %w", err)
	}
	return nil
}

// ListArtifacts returns all artifacts for a run in creation order.
func (s *Store) ListArtifacts(ctx context.Context, runID id.RunID) ([]*run.Artifact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT`+artifactColumns+`
		 FROM reelpipe_artifacts
		 WHERE run_id = $1
		 ORDER BY created_at ASC, id ASC`,
		runID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*run.Artifact
	for rows.Next() {
		a, scanErr := scanArtifact(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("postgres: scan artifact: %w", scanErr)
		}
		artifacts = append(artifacts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate artifacts: %w", err)
	}
	return artifacts, nil
}

// FindRunByTaskID recovers the run that owns a provider task id by querying
// correlation artifact metadata.
func (s *Store) FindRunByTaskID(ctx context.Context, provider, taskID string) (id.RunID, error) {
	var runIDRaw string
	err := s.pool.QueryRow(ctx, `
		SELECT run_id FROM reelpipe_artifacts
		WHERE type IN ('clip_manifest', 'render_request')
		  AND meta->>'provider' = $1
		  AND meta->>'task_id' = $2
		ORDER BY created_at DESC
		LIMIT 1`,
		provider, taskID,
	).Scan(&runIDRaw)
	if err != nil {
		if isNoRows(err) {
			return id.RunID{}, reelpipe.ErrRunNotFound
		}
		return id.RunID{}, fmt.Errorf("postgres: find run by task id: %w", err)
	}

	runID, err := id.ParseRunID(runIDRaw)
	if err != nil {
		return id.RunID{}, fmt.Errorf("postgres: parse run id %q: %w", runIDRaw, err)
	}
	return runID, nil
}

// CountRunsSince returns the number of runs created at or after the given
// time.
func (s *Store) CountRunsSince(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM reelpipe_runs WHERE created_at >= $1`,
		since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count runs: %w", err)
	}
	return count, nil
}

func scanRun(row rowScanner) (*run.Run, error) {
	var (
		r                run.Run
		runIDRaw         string
		statusRaw        string
		input, artifacts []byte
	)

	err := row.Scan(
		&runIDRaw, &r.Project, &statusRaw, &r.CurrentStep, &input,
		&artifacts, &r.Error, &r.CompletedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if r.ID, err = id.ParseRunID(runIDRaw); err != nil {
		return nil, fmt.Errorf("parse run id %q: %w", runIDRaw, err)
	}
	r.Status = run.Status(statusRaw)
	r.Input = json.RawMessage(input)
	if len(artifacts) > 0 {
		if err := json.Unmarshal(artifacts, &r.Artifacts); err != nil {
			return nil, fmt.Errorf("unmarshal artifact projection: %w", err)
		}
	}

	return &r, nil
}

func scanArtifact(row pgx.Rows) (*run.Artifact, error) {
	var (
		a                  run.Artifact
		artIDRaw, runIDRaw string
		typeRaw            string
		meta               []byte
	)

	err := row.Scan(
		&artIDRaw, &runIDRaw, &a.Persona, &typeRaw, &a.Content, &a.URI,
		&meta, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if a.ID, err = id.ParseWithPrefix(artIDRaw, id.PrefixArtifact); err != nil {
		return nil, fmt.Errorf("parse artifact id %q: %w", artIDRaw, err)
	}
	if a.RunID, err = id.ParseRunID(runIDRaw); err != nil {
		return nil, fmt.Errorf("parse run id %q: %w", runIDRaw, err)
	}
	a.Type = run.ArtifactType(typeRaw)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &a.Meta); err != nil {
			return nil, fmt.Errorf("unmarshal artifact meta: %w", err)
		}
	}

	return &a, nil
}

func marshalArtifactMap(m map[string]string) ([]byte, error) {
	if m == nil {
		return []byte(`{}`), nil
	}
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal artifact projection: %w", err)
	}
	return out, nil
}
