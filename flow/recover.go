package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/reelpipe/reelpipe"
	"github.com/reelpipe/reelpipe/id"
	"github.com/reelpipe/reelpipe/run"
)

// RecoveryAction is the inferred operator recovery for a run.
type RecoveryAction string

const (
	// ActionVideos resubmits missing clip generation sub-units.
	ActionVideos RecoveryAction = "videos"
	// ActionRender resubmits the render.
	ActionRender RecoveryAction = "render"
	// ActionNone means the run is not resumable automatically.
	ActionNone RecoveryAction = "none"
)

// Resubmitter re-issues stored provider requests during repair operations.
// Implemented by the pipeline package, which owns the provider adapters.
type Resubmitter interface {
	// ResubmitClips resubmits the stored generation request for the missing
	// clip indices only, without re-deriving prompts. It returns the fresh
	// clip states and records the new manifest artifacts.
	ResubmitClips(ctx context.Context, env *Env, snap *Snapshot, req json.RawMessage, missing []int) ([]ClipState, error)

	// ResubmitRender resubmits the stored render request using the already
	// approved inputs and returns the new provider job id.
	ResubmitRender(ctx context.Context, env *Env, snap *Snapshot, req json.RawMessage) (string, error)
}

// SetResubmitter wires the repair dependency. Must be called before any
// repair operation; Start/Resume/Cancel do not need it.
func (m *Machine) SetResubmitter(rs Resubmitter) { m.resubmit = rs }

// InferRecovery maps a run's current status and artifacts to exactly one
// recovery action. The mapping is deterministic and total: every reachable
// status resolves to an action or to an explicit ActionNone.
func InferRecovery(status run.Status, artifacts []*run.Artifact) RecoveryAction {
	switch status {
	case run.StatusFailed:
		if run.Latest(artifacts, run.ArtifactRenderedVideo) != nil {
			return ActionRender
		}
		if len(run.OfType(artifacts, run.ArtifactClip)) > 0 {
			return ActionVideos
		}
		return ActionNone
	case run.StatusAwaitingVideoGeneration:
		return ActionVideos
	case run.StatusAwaitingRender:
		return ActionRender
	default:
		// Terminal successes, human-approval waits, and active states need
		// either nothing or a decision no inference should make.
		return ActionNone
	}
}

// AutoResume infers the recovery action for a run and executes it. Returns
// the action taken; ErrNotResumable when the inference is ActionNone.
func (m *Machine) AutoResume(ctx context.Context, runID id.RunID) (RecoveryAction, error) {
	r, err := m.runs.GetRun(ctx, runID)
	if err != nil {
		return ActionNone, err
	}
	artifacts, err := m.runs.ListArtifacts(ctx, runID)
	if err != nil {
		return ActionNone, err
	}

	action := InferRecovery(r.Status, artifacts)
	switch action {
	case ActionVideos:
		return action, m.RepairVideos(ctx, runID)
	case ActionRender:
		return action, m.RepairRender(ctx, runID)
	default:
		return ActionNone, fmt.Errorf("flow: auto-resume run %s in status %q: %w", runID, r.Status, reelpipe.ErrNotResumable)
	}
}

// RepairVideos resubmits only the missing sub-units of a partially failed
// generation step, reusing the stored request artifact so prompts are not
// regenerated, then re-suspends the run awaiting the fresh tasks.
func (m *Machine) RepairVideos(ctx context.Context, runID id.RunID) error {
	if m.resubmit == nil {
		return fmt.Errorf("flow: repair videos on run %s: no resubmitter configured", runID)
	}

	unlock := m.lockRun(runID)
	defer unlock()

	r, err := m.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if r.Status != run.StatusFailed && r.Status != run.StatusAwaitingVideoGeneration {
		return fmt.Errorf("flow: repair videos on run %s: status is %q, want failed or awaiting_video_generation", runID, r.Status)
	}

	artifacts, err := m.runs.ListArtifacts(ctx, runID)
	if err != nil {
		return err
	}
	req := run.Latest(artifacts, run.ArtifactGenRequest)
	if req == nil {
		return fmt.Errorf("flow: repair videos on run %s: no stored generation request artifact", runID)
	}

	cp, err := m.ckpts.LatestCheckpoint(ctx, runID)
	if err != nil {
		return fmt.Errorf("flow: repair videos on run %s: %w", runID, err)
	}
	snap, err := m.decodeSnapshot(cp)
	if err != nil {
		return err
	}

	missing := snap.MissingClips()
	if len(missing) == 0 {
		return fmt.Errorf("flow: repair videos on run %s: no missing clips to resubmit", runID)
	}

	fresh, err := m.resubmit.ResubmitClips(ctx, m.env(), snap, req.Content, missing)
	if err != nil {
		return fmt.Errorf("flow: repair videos on run %s: %w", runID, err)
	}
	mergeClips(snap, fresh)

	m.logger.Info("repaired missing clips",
		slog.String("run_id", runID.String()),
		slog.Int("resubmitted", len(fresh)),
	)

	return m.resuspend(ctx, r, snap, cp.Seq,
		NewInterrupt(InterruptVideoGeneration, outstandingPayload(snap)),
		run.StatusAwaitingVideoGeneration,
	)
}

// RepairRender resubmits a render using the already-approved inputs stored
// on the run, then re-suspends the run awaiting the render callback.
func (m *Machine) RepairRender(ctx context.Context, runID id.RunID) error {
	if m.resubmit == nil {
		return fmt.Errorf("flow: repair render on run %s: no resubmitter configured", runID)
	}

	unlock := m.lockRun(runID)
	defer unlock()

	r, err := m.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if r.Status != run.StatusFailed && r.Status != run.StatusAwaitingRender {
		return fmt.Errorf("flow: repair render on run %s: status is %q, want failed or awaiting_render", runID, r.Status)
	}

	artifacts, err := m.runs.ListArtifacts(ctx, runID)
	if err != nil {
		return err
	}
	req := run.Latest(artifacts, run.ArtifactRenderRequest)
	if req == nil {
		return fmt.Errorf("flow: repair render on run %s: no stored render request artifact", runID)
	}

	cp, err := m.ckpts.LatestCheckpoint(ctx, runID)
	if err != nil {
		return fmt.Errorf("flow: repair render on run %s: %w", runID, err)
	}
	snap, err := m.decodeSnapshot(cp)
	if err != nil {
		return err
	}
	if !snap.ClipsDone() {
		return fmt.Errorf("flow: repair render on run %s: clips are not complete", runID)
	}

	jobID, err := m.resubmit.ResubmitRender(ctx, m.env(), snap, req.Content)
	if err != nil {
		return fmt.Errorf("flow: repair render on run %s: %w", runID, err)
	}
	snap.RenderJobID = jobID

	m.logger.Info("resubmitted render",
		slog.String("run_id", runID.String()),
		slog.String("render_job_id", jobID),
	)

	return m.resuspend(ctx, r, snap, cp.Seq,
		NewInterrupt(InterruptRender, nil),
		run.StatusAwaitingRender,
	)
}

// ForkFromClips performs time-travel: it locates the most recent checkpoint
// suspended waiting on clip generation and resumes it with the supplied
// clip data, without re-running any preceding stage.
func (m *Machine) ForkFromClips(ctx context.Context, runID id.RunID, clips []ClipState) error {
	unlock := m.lockRun(runID)
	defer unlock()

	r, err := m.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if r.Status == run.StatusCancelled {
		return fmt.Errorf("flow: fork run %s: %w", runID, reelpipe.ErrRunCancelled)
	}

	cp, err := m.ckpts.FindAwaiting(ctx, runID, InterruptVideoGeneration)
	if err != nil {
		return fmt.Errorf("flow: fork run %s: no checkpoint awaiting clip generation: %w", runID, err)
	}
	snap, err := m.decodeSnapshot(cp)
	if err != nil {
		return err
	}

	if len(snap.Clips) > 0 && len(clips) != len(snap.Clips) {
		return fmt.Errorf("flow: fork run %s: supplied %d clips, checkpoint expects %d", runID, len(clips), len(snap.Clips))
	}
	for i := range clips {
		if clips[i].URI == "" {
			return fmt.Errorf("flow: fork run %s: clip index %d has no uri", runID, clips[i].Index)
		}
		clips[i].Done = true
	}
	snap.Clips = clips
	snap.RenderJobID = ""
	snap.RenderURL = ""

	// Forking resets the error and moves the run forward from editing. The
	// latest seq (not the forked checkpoint's) keeps the sequence monotonic.
	latest, err := m.ckpts.LatestCheckpoint(ctx, runID)
	if err != nil {
		return fmt.Errorf("flow: fork run %s: %w", runID, err)
	}

	r.Error = ""
	r.CompletedAt = nil

	m.logger.Info("forked run from supplied clips",
		slog.String("run_id", runID.String()),
		slog.String("from_checkpoint", cp.ID.String()),
		slog.Int("clips", len(clips)),
	)

	return m.proceed(ctx, r, snap, latest.Seq, Advance(run.StatusEditing))
}

// resuspend writes a fresh suspension after a repair: new checkpoint with a
// fresh interrupt id, run moved back to the awaiting status with the error
// cleared.
func (m *Machine) resuspend(ctx context.Context, r *run.Run, snap *Snapshot, seq int, intr Interrupt, at run.Status) error {
	r.Error = ""
	r.CompletedAt = nil
	return m.apply(ctx, r, snap, seq, Suspend(at, intr))
}

func mergeClips(snap *Snapshot, fresh []ClipState) {
	for _, f := range fresh {
		replaced := false
		for i := range snap.Clips {
			if snap.Clips[i].Index == f.Index {
				snap.Clips[i] = f
				replaced = true
				break
			}
		}
		if !replaced {
			snap.Clips = append(snap.Clips, f)
		}
	}
}

// outstandingPayload describes what the video-generation interrupt awaits:
// the task ids still outstanding.
func outstandingPayload(snap *Snapshot) json.RawMessage {
	type outstanding struct {
		TaskIDs []string  `json:"task_ids"`
		AsOf    time.Time `json:"as_of"`
	}
	o := outstanding{AsOf: time.Now().UTC()}
	for _, c := range snap.Clips {
		if !c.Done && c.TaskID != "" {
			o.TaskIDs = append(o.TaskIDs, c.TaskID)
		}
	}
	data, err := json.Marshal(o)
	if err != nil {
		return nil
	}
	return data
}
