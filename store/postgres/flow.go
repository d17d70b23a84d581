package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/reelpipe/reelpipe"
	"github.com/reelpipe/reelpipe/flow"
	"github.com/reelpipe/reelpipe/id"
	"github.com/reelpipe/reelpipe/run"
)

const checkpointColumns = `
	id, run_id, seq, status, snapshot, codec, interrupts, created_at`

// SaveCheckpoint persists a checkpoint.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *flow.Checkpoint) error {
	interrupts, err := json.Marshal(cp.Interrupts)
	if err != nil {
		return fmt.Errorf("postgres: marshal interrupts: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO reelpipe_checkpoints (
			id, run_id, seq, status, snapshot, codec, interrupts, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		cp.ID.String(), cp.RunID.String(), cp.Seq, string(cp.Status),
		cp.Snapshot, cp.Codec, interrupts, cp.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint returns the run's most recent checkpoint.
func (s *Store) LatestCheckpoint(ctx context.Context, runID id.RunID) (*flow.Checkpoint, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT`+checkpointColumns+`
		 FROM reelpipe_checkpoints
		 WHERE run_id = $1
		 ORDER BY seq DESC
		 LIMIT 1`,
		runID.String(),
	)

	cp, err := scanCheckpoint(row)
	if err != nil {
		if isNoRows(err) {
			return nil, reelpipe.ErrNoCheckpoint
		}
		return nil, fmt.Errorf("postgres: latest checkpoint: %w", err)
	}
	return cp, nil
}

// GetCheckpoint retrieves a specific checkpoint by (run id, checkpoint id).
func (s *Store) GetCheckpoint(ctx context.Context, runID id.RunID, ckptID id.CheckpointID) (*flow.Checkpoint, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT`+checkpointColumns+`
		 FROM reelpipe_checkpoints
		 WHERE run_id = $1 AND id = $2`,
		runID.String(), ckptID.String(),
	)

	cp, err := scanCheckpoint(row)
	if err != nil {
		if isNoRows(err) {
			return nil, reelpipe.ErrNoCheckpoint
		}
		return nil, fmt.Errorf("postgres: get checkpoint: %w", err)
	}
	return cp, nil
}

// ListCheckpoints returns all checkpoints for a run in Seq order.
func (s *Store) ListCheckpoints(ctx context.Context, runID id.RunID) ([]*flow.Checkpoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT`+checkpointColumns+`
		 FROM reelpipe_checkpoints
		 WHERE run_id = $1
		 ORDER BY seq ASC`,
		runID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []*flow.Checkpoint
	for rows.Next() {
		cp, scanErr := scanCheckpoint(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("postgres: scan checkpoint: %w", scanErr)
		}
		cps = append(cps, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate checkpoints: %w", err)
	}
	return cps, nil
}

// FindAwaiting returns the run's most recent checkpoint suspended on an
// interrupt with the given name. JSONB containment hits the GIN index.
func (s *Store) FindAwaiting(ctx context.Context, runID id.RunID, interruptName string) (*flow.Checkpoint, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT`+checkpointColumns+`
		 FROM reelpipe_checkpoints
		 WHERE run_id = $1
		   AND interrupts @> jsonb_build_array(jsonb_build_object('name', $2::text))
		 ORDER BY seq DESC
		 LIMIT 1`,
		runID.String(), interruptName,
	)

	cp, err := scanCheckpoint(row)
	if err != nil {
		if isNoRows(err) {
			return nil, reelpipe.ErrNoCheckpoint
		}
		return nil, fmt.Errorf("postgres: find awaiting checkpoint: %w", err)
	}
	return cp, nil
}

func scanCheckpoint(row rowScanner) (*flow.Checkpoint, error) {
	var (
		cp                  flow.Checkpoint
		ckptIDRaw, runIDRaw string
		statusRaw           string
		interrupts          []byte
	)

	err := row.Scan(
		&ckptIDRaw, &runIDRaw, &cp.Seq, &statusRaw, &cp.Snapshot,
		&cp.Codec, &interrupts, &cp.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if cp.ID, err = id.ParseCheckpointID(ckptIDRaw); err != nil {
		return nil, fmt.Errorf("parse checkpoint id %q: %w", ckptIDRaw, err)
	}
	if cp.RunID, err = id.ParseRunID(runIDRaw); err != nil {
		return nil, fmt.Errorf("parse run id %q: %w", runIDRaw, err)
	}
	cp.Status = run.Status(statusRaw)
	if len(interrupts) > 0 {
		if err := json.Unmarshal(interrupts, &cp.Interrupts); err != nil {
			return nil, fmt.Errorf("unmarshal interrupts: %w", err)
		}
	}

	return &cp, nil
}
