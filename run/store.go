package run

import (
	"context"
	"time"

	"github.com/reelpipe/reelpipe/id"
)

// ListOpts controls pagination and filtering for run list queries.
type ListOpts struct {
	// Limit is the maximum number of runs to return. Zero means no limit.
	Limit int
	// Offset is the number of runs to skip.
	Offset int
	// Status filters by run status. Empty means all statuses.
	Status Status
	// Project filters by project name. Empty means all projects.
	Project string
}

// Store defines the persistence contract for runs and artifacts.
type Store interface {
	// CreateRun persists a new run in pending status.
	CreateRun(ctx context.Context, r *Run) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, runID id.RunID) (*Run, error)

	// UpdateRun persists changes to an existing run.
	UpdateRun(ctx context.Context, r *Run) error

	// ListRuns returns runs matching the given options.
	ListRuns(ctx context.Context, opts ListOpts) ([]*Run, error)

	// AppendArtifact persists a new artifact. Artifacts are immutable once
	// written.
	AppendArtifact(ctx context.Context, a *Artifact) error

	// ListArtifacts returns all artifacts for a run ordered by creation time.
	ListArtifacts(ctx context.Context, runID id.RunID) ([]*Artifact, error)

	// FindRunByTaskID recovers the run that owns an opaque provider task id
	// by scanning correlation artifacts (clip manifests, render requests).
	// Returns ErrRunNotFound when no artifact references the task id.
	FindRunByTaskID(ctx context.Context, provider, taskID string) (id.RunID, error)

	// CountRunsSince returns the number of runs created at or after the
	// given time. Used for rate budgeting.
	CountRunsSince(ctx context.Context, since time.Time) (int64, error)
}
