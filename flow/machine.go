package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/reelpipe/reelpipe"
	"github.com/reelpipe/reelpipe/id"
	"github.com/reelpipe/reelpipe/run"
)

// Machine drives runs through the graph, checkpointing every transition.
// Invocations for a single run are serialized per run id; runs are fully
// independent of each other.
type Machine struct {
	runs   run.Store
	ckpts  Store
	graph  *Graph
	codec  Codec
	logger *slog.Logger

	// resubmit is optional; only the repair operations need it.
	resubmit Resubmitter

	// locks serializes engine invocations per run id. The checkpoint
	// sequence is not safely concurrently writable.
	locks sync.Map // run id string → *sync.Mutex
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithCodec sets the snapshot codec. Defaults to JSON.
func WithCodec(c Codec) MachineOption {
	return func(m *Machine) { m.codec = c }
}

// NewMachine creates a Machine.
func NewMachine(runs run.Store, ckpts Store, graph *Graph, logger *slog.Logger, opts ...MachineOption) *Machine {
	m := &Machine{
		runs:   runs,
		ckpts:  ckpts,
		graph:  graph,
		codec:  &JSONCodec{},
		logger: logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Graph returns the machine's graph.
func (m *Machine) Graph() *Graph { return m.graph }

func (m *Machine) lockRun(runID id.RunID) func() {
	v, _ := m.locks.LoadOrStore(runID.String(), &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// evictLock drops the run's mutex once it reaches a terminal status, so
// the map does not grow with completed runs. A late caller mints a fresh
// mutex; every operation rechecks the run's status under its lock and
// terminal runs refuse all transitions.
func (m *Machine) evictLock(runID id.RunID) {
	m.locks.Delete(runID.String())
}

// Start creates a run in pending status and executes the graph forward
// until the first suspension or terminal state.
func (m *Machine) Start(ctx context.Context, project string, input json.RawMessage) (*run.Run, error) {
	r := &run.Run{
		Entity:  reelpipe.NewEntity(),
		ID:      id.NewRunID(),
		Project: project,
		Status:  run.StatusPending,
		Input:   input,
	}
	if err := m.runs.CreateRun(ctx, r); err != nil {
		return nil, fmt.Errorf("flow: create run: %w", err)
	}

	unlock := m.lockRun(r.ID)
	defer unlock()

	snap := &Snapshot{
		RunID:  r.ID,
		Status: run.StatusPending,
		Input:  input,
	}

	m.logger.Info("run started",
		slog.String("run_id", r.ID.String()),
		slog.String("project", project),
	)

	if err := m.advance(ctx, r, snap, 0); err != nil {
		return r, err
	}
	return r, nil
}

// Resume re-enters the graph at the suspended node identified by the
// interrupt and proceeds forward. interruptID may be Nil only when exactly
// one interrupt is pending; an unaddressed resume against multiple pending
// interrupts is an error, never silently applied to the wrong one.
func (m *Machine) Resume(ctx context.Context, runID id.RunID, interruptID id.InterruptID, resume json.RawMessage) (*run.Run, error) {
	unlock := m.lockRun(runID)
	defer unlock()

	r, err := m.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	if r.Status == run.StatusCancelled {
		return nil, fmt.Errorf("flow: resume run %s: %w", runID, reelpipe.ErrRunCancelled)
	}
	if !r.Status.Awaiting() {
		return nil, fmt.Errorf("flow: resume run %s in status %q: %w", runID, r.Status, reelpipe.ErrNotResumable)
	}

	cp, err := m.ckpts.LatestCheckpoint(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("flow: resume run %s: %w", runID, err)
	}

	intr, err := m.matchInterrupt(cp, interruptID)
	if err != nil {
		return nil, fmt.Errorf("flow: resume run %s: %w", runID, err)
	}

	snap, err := m.decodeSnapshot(cp)
	if err != nil {
		return nil, err
	}

	handler, err := m.graph.Resume(snap.Status)
	if err != nil {
		return nil, err
	}

	m.logger.Info("run resuming",
		slog.String("run_id", runID.String()),
		slog.String("interrupt", intr.Name),
		slog.String("interrupt_id", intr.ID.String()),
	)

	out, err := handler(ctx, m.env(), snap, resume)
	if err != nil {
		return r, m.markFailed(ctx, r, snap, cp.Seq, err)
	}

	if err := m.proceed(ctx, r, snap, cp.Seq, out); err != nil {
		return r, err
	}
	return r, nil
}

// proceed persists one outcome and, when it advances, keeps executing the
// graph forward.
func (m *Machine) proceed(ctx context.Context, r *run.Run, snap *Snapshot, seq int, out Outcome) error {
	if err := m.apply(ctx, r, snap, seq, out); err != nil {
		return err
	}
	if out.Kind == KindAdvance {
		return m.advance(ctx, r, snap, seq+1)
	}
	return nil
}

// Cancel moves a non-terminal run to cancelled, outside normal node
// execution, and invalidates its pending interrupts so a late webhook
// arrival cannot auto-resume it.
func (m *Machine) Cancel(ctx context.Context, runID id.RunID) error {
	unlock := m.lockRun(runID)
	defer unlock()

	r, err := m.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if r.Status.Terminal() {
		return fmt.Errorf("flow: cancel run %s in terminal status %q: %w", runID, r.Status, reelpipe.ErrInvalidTransition)
	}

	seq := 0
	snap := &Snapshot{RunID: runID, Status: r.Status, Input: r.Input}
	if cp, cpErr := m.ckpts.LatestCheckpoint(ctx, runID); cpErr == nil {
		seq = cp.Seq
		if decoded, decErr := m.decodeSnapshot(cp); decErr == nil {
			snap = decoded
		}
	}

	snap.Status = run.StatusCancelled
	// No interrupts on the cancellation checkpoint: pending ids die here.
	if err := m.saveCheckpoint(ctx, snap, seq+1, nil); err != nil {
		return err
	}

	now := time.Now().UTC()
	r.Status = run.StatusCancelled
	r.CurrentStep = string(run.StatusCancelled)
	r.CompletedAt = &now
	r.Touch()
	if err := m.runs.UpdateRun(ctx, r); err != nil {
		return fmt.Errorf("flow: update cancelled run %s: %w", runID, err)
	}

	m.evictLock(runID)
	m.logger.Info("run cancelled", slog.String("run_id", runID.String()))
	return nil
}

// ──────────────────────────────────────────────────
// Execution internals
// ──────────────────────────────────────────────────

func (m *Machine) env() *Env {
	return &Env{Runs: m.runs, Logger: m.logger}
}

// advance executes nodes from the snapshot's current status until the run
// suspends or terminates. seq is the run's latest checkpoint sequence.
func (m *Machine) advance(ctx context.Context, r *run.Run, snap *Snapshot, seq int) error {
	for {
		node, err := m.graph.Node(snap.Status)
		if err != nil {
			return m.markFailed(ctx, r, snap, seq, err)
		}

		out, err := node(ctx, m.env(), snap)
		if err != nil {
			return m.markFailed(ctx, r, snap, seq, err)
		}

		if err := m.apply(ctx, r, snap, seq, out); err != nil {
			return err
		}
		seq++

		if out.Kind != KindAdvance {
			return nil
		}
	}
}

// apply persists one outcome: checkpoint first, then the run row. When the
// outcome advances, the caller continues the loop.
func (m *Machine) apply(ctx context.Context, r *run.Run, snap *Snapshot, seq int, out Outcome) error {
	snap.Status = out.Next
	snap.Step = string(out.Next)

	if err := m.saveCheckpoint(ctx, snap, seq+1, out.Interrupts); err != nil {
		return err
	}

	r.Status = out.Next
	r.CurrentStep = string(out.Next)
	if out.Kind == KindTerminal {
		now := time.Now().UTC()
		r.CompletedAt = &now
	}
	r.Touch()
	if err := m.runs.UpdateRun(ctx, r); err != nil {
		return fmt.Errorf("flow: update run %s: %w", r.ID, err)
	}

	switch out.Kind {
	case KindSuspend:
		names := make([]string, len(out.Interrupts))
		for i, intr := range out.Interrupts {
			names[i] = intr.Name
		}
		m.logger.Info("run suspended",
			slog.String("run_id", r.ID.String()),
			slog.String("status", string(out.Next)),
			slog.Any("interrupts", names),
		)
	case KindTerminal:
		m.evictLock(r.ID)
		m.logger.Info("run finished",
			slog.String("run_id", r.ID.String()),
			slog.String("status", string(out.Next)),
		)
	case KindAdvance:
		m.logger.Debug("run advanced",
			slog.String("run_id", r.ID.String()),
			slog.String("status", string(out.Next)),
		)
	}

	return nil
}

func (m *Machine) saveCheckpoint(ctx context.Context, snap *Snapshot, seq int, interrupts []Interrupt) error {
	data, err := m.codec.Encode(snap)
	if err != nil {
		return fmt.Errorf("flow: encode snapshot for run %s: %w", snap.RunID, err)
	}

	cp := &Checkpoint{
		ID:         id.NewCheckpointID(),
		RunID:      snap.RunID,
		Seq:        seq,
		Status:     snap.Status,
		Snapshot:   data,
		Codec:      m.codec.Name(),
		Interrupts: interrupts,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.ckpts.SaveCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("flow: save checkpoint seq %d for run %s: %w", seq, snap.RunID, err)
	}
	return nil
}

func (m *Machine) decodeSnapshot(cp *Checkpoint) (*Snapshot, error) {
	snap, err := GetCodec(cp.Codec).Decode(cp.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("flow: decode snapshot for run %s seq %d: %w", cp.RunID, cp.Seq, err)
	}
	return snap, nil
}

// matchInterrupt resolves which pending interrupt a resume addresses.
func (m *Machine) matchInterrupt(cp *Checkpoint, interruptID id.InterruptID) (*Interrupt, error) {
	if len(cp.Interrupts) == 0 {
		return nil, reelpipe.ErrStaleInterrupt
	}

	if interruptID.IsNil() {
		if len(cp.Interrupts) > 1 {
			return nil, reelpipe.ErrInterruptAmbiguous
		}
		return &cp.Interrupts[0], nil
	}

	intr := cp.Pending(interruptID)
	if intr == nil {
		return nil, reelpipe.ErrStaleInterrupt
	}
	return intr, nil
}

// markFailed records a node failure: the run goes to failed with the causal
// error retained, a checkpoint marks the transition, and an error artifact
// keeps the audit trail. Failures are isolated per run id.
func (m *Machine) markFailed(ctx context.Context, r *run.Run, snap *Snapshot, seq int, cause error) error {
	snap.Status = run.StatusFailed

	if err := m.saveCheckpoint(ctx, snap, seq+1, nil); err != nil {
		m.logger.Error("failed to checkpoint failure",
			slog.String("run_id", r.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	now := time.Now().UTC()
	r.Status = run.StatusFailed
	r.Error = cause.Error()
	r.CompletedAt = &now
	r.Touch()
	if err := m.runs.UpdateRun(ctx, r); err != nil {
		m.logger.Error("failed to update run as failed",
			slog.String("run_id", r.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	artifact := &run.Artifact{
		ID:        id.NewArtifactID(),
		RunID:     r.ID,
		Type:      run.ArtifactError,
		Content:   []byte(cause.Error()),
		Meta:      run.Meta{Step: snap.Step},
		CreatedAt: now,
	}
	if err := m.runs.AppendArtifact(ctx, artifact); err != nil {
		m.logger.Error("failed to append error artifact",
			slog.String("run_id", r.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	m.evictLock(r.ID)
	m.logger.Error("run failed",
		slog.String("run_id", r.ID.String()),
		slog.String("step", snap.Step),
		slog.String("error", cause.Error()),
	)

	return fmt.Errorf("flow: run %s failed at %s: %w", r.ID, snap.Step, errors.Join(cause, reelpipe.ErrRunFailed))
}
