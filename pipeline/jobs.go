package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/reelpipe/reelpipe"
	"github.com/reelpipe/reelpipe/flow"
	"github.com/reelpipe/reelpipe/id"
	"github.com/reelpipe/reelpipe/job"
	"github.com/reelpipe/reelpipe/provider"
	"github.com/reelpipe/reelpipe/run"
)

// RegisterJobHandlers wires the pipeline's background jobs: the polling
// fallbacks that cover lost webhooks, and background run resumption.
func RegisterJobHandlers(reg *job.Registry, p *Pipeline, m *flow.Machine) {
	job.RegisterTyped(reg, job.TypeVideoPoll, func(ctx context.Context, j *job.Job, payload job.VideoPollPayload) job.Result {
		return p.pollVideo(ctx, m, j, payload)
	})
	job.RegisterTyped(reg, job.TypeRenderPoll, func(ctx context.Context, j *job.Job, payload job.RenderPollPayload) job.Result {
		return p.pollRender(ctx, m, j, payload)
	})
	job.RegisterTyped(reg, job.TypeResumeRun, func(ctx context.Context, j *job.Job, payload job.ResumeRunPayload) job.Result {
		return p.resumeRun(ctx, m, j, payload)
	})
}

// pollVideo checks one outstanding clip task. It reschedules while the task
// is in progress and fails hard once the deadline passes: a poll job must
// never spin forever on a task the provider has forgotten.
func (p *Pipeline) pollVideo(ctx context.Context, m *flow.Machine, j *job.Job, payload job.VideoPollPayload) job.Result {
	if time.Now().After(payload.Deadline) {
		return job.Failure(fmt.Errorf("pipeline: poll task %s: %w", payload.TaskID, reelpipe.ErrPollDeadline))
	}

	r, err := p.runs.GetRun(ctx, j.RunID)
	if err != nil {
		if errors.Is(err, reelpipe.ErrRunNotFound) {
			return job.Success()
		}
		return job.Failure(err)
	}
	if r.Status != run.StatusAwaitingVideoGeneration {
		// The webhook already arrived, or an operator moved the run.
		return job.Success()
	}

	st, err := p.pollStatus(ctx, payload.Provider, payload.TaskID)
	if err != nil {
		if errors.Is(err, reelpipe.ErrCircuitOpen) {
			// The provider is down for everyone; polling again later is
			// correct behavior, not a job failure.
			return job.Reschedule(p.pollEvery)
		}
		return job.Failure(err)
	}
	if st.State == provider.StateProgress {
		return job.Reschedule(p.pollEvery)
	}

	return p.resumeWithEvent(ctx, m, r.ID, provider.Event{
		Provider:    payload.Provider,
		TaskID:      payload.TaskID,
		State:       st.State,
		ArtifactURL: st.ArtifactURL,
		Error:       st.Error,
	})
}

// pollRender checks the outstanding render job, mirroring pollVideo.
func (p *Pipeline) pollRender(ctx context.Context, m *flow.Machine, j *job.Job, payload job.RenderPollPayload) job.Result {
	if time.Now().After(payload.Deadline) {
		return job.Failure(fmt.Errorf("pipeline: poll render %s: %w", payload.JobID, reelpipe.ErrPollDeadline))
	}

	r, err := p.runs.GetRun(ctx, j.RunID)
	if err != nil {
		if errors.Is(err, reelpipe.ErrRunNotFound) {
			return job.Success()
		}
		return job.Failure(err)
	}
	if r.Status != run.StatusAwaitingRender {
		return job.Success()
	}

	st, err := p.pollStatus(ctx, payload.Provider, payload.JobID)
	if err != nil {
		if errors.Is(err, reelpipe.ErrCircuitOpen) {
			return job.Reschedule(p.pollEvery)
		}
		return job.Failure(err)
	}
	if st.State == provider.StateProgress {
		return job.Reschedule(p.pollEvery)
	}

	return p.resumeWithEvent(ctx, m, r.ID, provider.Event{
		Provider:    payload.Provider,
		TaskID:      payload.JobID,
		State:       st.State,
		ArtifactURL: st.ArtifactURL,
		Error:       st.Error,
	})
}

// resumeRun applies a stored resume message to a suspended run.
func (p *Pipeline) resumeRun(ctx context.Context, m *flow.Machine, j *job.Job, payload job.ResumeRunPayload) job.Result {
	var interruptID id.InterruptID
	if payload.InterruptID != "" {
		parsed, err := id.ParseInterruptID(payload.InterruptID)
		if err != nil {
			return job.Failure(fmt.Errorf("pipeline: resume job: %w", err))
		}
		interruptID = parsed
	}

	if _, err := m.Resume(ctx, j.RunID, interruptID, payload.Resume); err != nil {
		if resumeSettled(err) {
			return job.Success()
		}
		return job.Failure(err)
	}
	return job.Success()
}

func (p *Pipeline) pollStatus(ctx context.Context, providerName, taskID string) (*provider.Status, error) {
	a, err := p.providers.MustGet(providerName)
	if err != nil {
		return nil, err
	}
	sp, ok := a.(provider.StatusPoller)
	if !ok {
		return nil, fmt.Errorf("pipeline: provider %s does not support polling", providerName)
	}

	var st *provider.Status
	err = p.call(ctx, "poll:"+providerName, func(ctx context.Context) error {
		var pollErr error
		st, pollErr = sp.GetStatus(ctx, taskID)
		return pollErr
	})
	return st, err
}

func (p *Pipeline) resumeWithEvent(ctx context.Context, m *flow.Machine, runID id.RunID, evt provider.Event) job.Result {
	resume, err := json.Marshal(evt)
	if err != nil {
		return job.Failure(fmt.Errorf("pipeline: encode event: %w", err))
	}
	if _, err := m.Resume(ctx, runID, id.InterruptID{}, resume); err != nil {
		if resumeSettled(err) {
			return job.Success()
		}
		return job.Failure(err)
	}
	return job.Success()
}

// resumeSettled reports whether a Resume error means the event's fate is
// already decided: the run consumed it and failed, no longer wants it, or
// was cancelled. None of those merit a job retry.
func resumeSettled(err error) bool {
	return errors.Is(err, reelpipe.ErrRunFailed) ||
		errors.Is(err, reelpipe.ErrRunCancelled) ||
		errors.Is(err, reelpipe.ErrNotResumable) ||
		errors.Is(err, reelpipe.ErrStaleInterrupt)
}
