package flow

import (
	"context"
	"time"

	"github.com/reelpipe/reelpipe/id"
	"github.com/reelpipe/reelpipe/run"
)

// Checkpoint is a durable, addressable snapshot of a run at one transition.
// (RunID, ID) resolves to a unique replayable snapshot; Seq orders the
// checkpoints of a run. A checkpoint with pending interrupts is a
// suspension; one without is a completed transition.
type Checkpoint struct {
	ID         id.CheckpointID `json:"id"`
	RunID      id.RunID        `json:"run_id"`
	Seq        int             `json:"seq"`
	Status     run.Status      `json:"status"`
	Snapshot   []byte          `json:"snapshot"`
	Codec      string          `json:"codec"`
	Interrupts []Interrupt     `json:"interrupts,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Pending returns the interrupt with the given id, or nil.
func (c *Checkpoint) Pending(interruptID id.InterruptID) *Interrupt {
	for i := range c.Interrupts {
		if c.Interrupts[i].ID == interruptID {
			return &c.Interrupts[i]
		}
	}
	return nil
}

// PendingByName returns the first pending interrupt with the given name,
// or nil.
func (c *Checkpoint) PendingByName(name string) *Interrupt {
	for i := range c.Interrupts {
		if c.Interrupts[i].Name == name {
			return &c.Interrupts[i]
		}
	}
	return nil
}

// Store defines the persistence contract for checkpoints.
type Store interface {
	// SaveCheckpoint persists a checkpoint. Seq must be one greater than
	// the run's latest checkpoint (the machine assigns it).
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error

	// LatestCheckpoint returns the run's most recent checkpoint, or
	// ErrNoCheckpoint when the run has none.
	LatestCheckpoint(ctx context.Context, runID id.RunID) (*Checkpoint, error)

	// GetCheckpoint retrieves a specific checkpoint by (run id, checkpoint
	// id) for time-travel operations.
	GetCheckpoint(ctx context.Context, runID id.RunID, ckptID id.CheckpointID) (*Checkpoint, error)

	// ListCheckpoints returns all checkpoints for a run in Seq order.
	ListCheckpoints(ctx context.Context, runID id.RunID) ([]*Checkpoint, error)

	// FindAwaiting returns the run's most recent checkpoint that is
	// suspended on an interrupt with the given name, or ErrNoCheckpoint.
	FindAwaiting(ctx context.Context, runID id.RunID, interruptName string) (*Checkpoint, error)
}
