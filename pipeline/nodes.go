package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/reelpipe/reelpipe/flow"
	"github.com/reelpipe/reelpipe/id"
	"github.com/reelpipe/reelpipe/job"
	"github.com/reelpipe/reelpipe/provider"
	"github.com/reelpipe/reelpipe/run"
)

// genRequest is the stored generation request. It is persisted as the
// gen_request artifact so repairs can resubmit missing clips without
// re-deriving prompts.
type genRequest struct {
	Provider string   `json:"provider"`
	Prompts  []string `json:"prompts"`
	Count    int      `json:"count"`
}

// renderRequest is the stored render request, persisted as the
// render_request artifact for render repairs.
type renderRequest struct {
	Provider string   `json:"provider"`
	Clips    []string `json:"clips"`
	Title    string   `json:"title,omitempty"`
}

func (p *Pipeline) ideate(ctx context.Context, env *flow.Env, snap *flow.Snapshot) (flow.Outcome, error) {
	params := map[string]any{
		"input":  json.RawMessage(snap.Input),
		"run_id": snap.RunID.String(),
	}
	resp, err := p.cache.Do(ctx, "ideation", params, []string{"run_id"}, func(ctx context.Context) (map[string]any, error) {
		var out *Ideation
		callErr := p.call(ctx, "ideation", func(ctx context.Context) error {
			var ideateErr error
			out, ideateErr = p.ideator.Ideate(ctx, snap.Input)
			return ideateErr
		})
		if callErr != nil {
			return nil, callErr
		}
		m := make(map[string]any)
		if encErr := decodeInto(map[string]any{"idea": out.Idea, "script": out.Script}, &m); encErr != nil {
			return nil, encErr
		}
		return m, nil
	})
	if err != nil {
		return flow.Outcome{}, err
	}

	var result Ideation
	if err := decodeInto(resp, &result); err != nil {
		return flow.Outcome{}, err
	}
	if len(result.Idea.Prompts) == 0 {
		return flow.Outcome{}, fmt.Errorf("pipeline: ideation produced no prompts")
	}
	snap.Idea = &result.Idea

	ideaContent, err := json.Marshal(result.Idea)
	if err != nil {
		return flow.Outcome{}, fmt.Errorf("pipeline: encode idea: %w", err)
	}
	if err := p.appendArtifact(ctx, env, snap.RunID, run.ArtifactIdea, ideaContent, run.Meta{Step: string(run.StatusIdeation)}); err != nil {
		return flow.Outcome{}, err
	}
	if result.Script != "" {
		if err := p.appendArtifact(ctx, env, snap.RunID, run.ArtifactScript, []byte(result.Script), run.Meta{Step: string(run.StatusIdeation)}); err != nil {
			return flow.Outcome{}, err
		}
	}

	payload, _ := json.Marshal(map[string]string{"title": result.Idea.Title})
	return flow.Suspend(run.StatusAwaitingIdeationApproval,
		flow.NewInterrupt(flow.InterruptIdeationApproval, payload),
	), nil
}

func (p *Pipeline) ideaReviewed(ctx context.Context, env *flow.Env, snap *flow.Snapshot, resume json.RawMessage) (flow.Outcome, error) {
	var a Approval
	if err := json.Unmarshal(resume, &a); err != nil {
		return flow.Outcome{}, fmt.Errorf("pipeline: decode ideation approval: %w", err)
	}
	if err := p.appendArtifact(ctx, env, snap.RunID, run.ArtifactApproval, resume, run.Meta{
		Step:  string(run.StatusAwaitingIdeationApproval),
		Extra: map[string]string{"stage": "ideation"},
	}); err != nil {
		return flow.Outcome{}, err
	}
	if !a.Approved {
		return flow.Reject(), nil
	}
	return flow.Advance(run.StatusProduction), nil
}

func (p *Pipeline) produce(ctx context.Context, env *flow.Env, snap *flow.Snapshot) (flow.Outcome, error) {
	if snap.Idea == nil || len(snap.Idea.Prompts) == 0 {
		return flow.Outcome{}, fmt.Errorf("pipeline: production reached without an approved idea")
	}

	adapter, err := p.providers.MustGet(p.videoProvider)
	if err != nil {
		return flow.Outcome{}, err
	}

	count := len(snap.Idea.Prompts)
	req := genRequest{Provider: p.videoProvider, Prompts: snap.Idea.Prompts, Count: count}
	reqContent, err := json.Marshal(req)
	if err != nil {
		return flow.Outcome{}, fmt.Errorf("pipeline: encode generation request: %w", err)
	}
	if err := p.appendArtifact(ctx, env, snap.RunID, run.ArtifactGenRequest, reqContent, run.Meta{
		Provider: p.videoProvider,
		Count:    count,
		Step:     string(run.StatusProduction),
	}); err != nil {
		return flow.Outcome{}, err
	}

	clips := make([]flow.ClipState, count)
	for i, prompt := range snap.Idea.Prompts {
		clip, submitErr := p.submitClip(ctx, env, snap.RunID, adapter, prompt, i, count)
		if submitErr != nil {
			snap.Clips = clips[:i]
			return flow.Outcome{}, fmt.Errorf("pipeline: submit clip %d/%d: %w", i+1, count, submitErr)
		}
		clips[i] = *clip
	}
	snap.Clips = clips

	env.Logger.Info("clip generation submitted",
		slog.String("run_id", snap.RunID.String()),
		slog.String("provider", p.videoProvider),
		slog.Int("clips", count),
	)

	return flow.Suspend(run.StatusAwaitingVideoGeneration,
		flow.NewInterrupt(flow.InterruptVideoGeneration, pendingTasks(snap)),
	), nil
}

// submitClip submits one generation unit, records its manifest entry, and
// schedules the polling fallback.
func (p *Pipeline) submitClip(ctx context.Context, env *flow.Env, runID id.RunID, adapter provider.Adapter, prompt string, index, count int) (*flow.ClipState, error) {
	params := map[string]any{
		"prompt": prompt,
		"index":  index,
		"count":  count,
		"run_id": runID.String(),
	}
	resp, err := p.submit(ctx, "video:"+p.videoProvider, adapter, params)
	if err != nil {
		return nil, err
	}
	taskID := stringField(resp, "task_id")
	if taskID == "" {
		return nil, fmt.Errorf("pipeline: %s returned no task id", p.videoProvider)
	}

	if err := p.recordManifest(ctx, env, runID, taskID, prompt, index, count); err != nil {
		return nil, err
	}
	if err := p.enqueueVideoPoll(ctx, runID, taskID, index, count); err != nil {
		return nil, err
	}

	return &flow.ClipState{TaskID: taskID, Index: index, Count: count}, nil
}

// recordManifest appends the correlation row for one task id. Inbound
// webhooks that do not echo our identifiers are matched to runs by
// searching these entries.
func (p *Pipeline) recordManifest(ctx context.Context, env *flow.Env, runID id.RunID, taskID, prompt string, index, count int) error {
	entry := run.ManifestEntry{TaskID: taskID, Index: index, Count: count, Prompt: prompt}
	content, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("pipeline: encode manifest entry: %w", err)
	}
	return p.appendArtifact(ctx, env, runID, run.ArtifactClipManifest, content, run.Meta{
		Provider: p.videoProvider,
		TaskID:   taskID,
		Index:    index,
		Count:    count,
		Step:     string(run.StatusProduction),
	})
}

// enqueueVideoPoll schedules the webhook fallback for one clip. The job is
// keyed by task id, so a repair that mints a new task gets its own poll.
func (p *Pipeline) enqueueVideoPoll(ctx context.Context, runID id.RunID, taskID string, index, count int) error {
	if !p.supportsPolling(p.videoProvider) {
		return nil
	}
	now := time.Now().UTC()
	payload, err := job.MarshalPayload(job.VideoPollPayload{
		Provider: p.videoProvider,
		TaskID:   taskID,
		Index:    index,
		Count:    count,
		Deadline: now.Add(p.pollHorizon),
	})
	if err != nil {
		return err
	}
	_, _, err = job.Enqueue(ctx, p.jobs, job.TypeVideoPoll, "video_poll:"+runID.String()+":"+taskID, payload,
		job.WithRunID(runID),
		job.WithQueue(p.queue),
		job.WithAvailableAt(now.Add(p.pollGrace)),
	)
	return err
}

func (p *Pipeline) clipArrived(ctx context.Context, env *flow.Env, snap *flow.Snapshot, resume json.RawMessage) (flow.Outcome, error) {
	var evt provider.Event
	if err := json.Unmarshal(resume, &evt); err != nil {
		return flow.Outcome{}, fmt.Errorf("pipeline: decode clip event: %w", err)
	}

	clip := snap.ClipByTaskID(evt.TaskID)
	if clip == nil {
		// The task belongs to an earlier submission generation (e.g. a
		// fork replaced the clip set). Hold position.
		env.Logger.Info("clip event for unknown task, holding",
			slog.String("run_id", snap.RunID.String()),
			slog.String("task_id", evt.TaskID),
		)
		return flow.Suspend(run.StatusAwaitingVideoGeneration,
			flow.NewInterrupt(flow.InterruptVideoGeneration, pendingTasks(snap)),
		), nil
	}

	if evt.State == provider.StateError {
		clip.Error = evt.Error
		return flow.Outcome{}, fmt.Errorf("pipeline: clip %d/%d generation failed: %s", clip.Index+1, clip.Count, evt.Error)
	}

	if _, err := p.guard.Check(ctx, evt.ArtifactURL); err != nil {
		return flow.Outcome{}, fmt.Errorf("pipeline: clip %d artifact url: %w", clip.Index, err)
	}

	clip.URI = evt.ArtifactURL
	clip.Done = true
	clip.Error = ""

	if err := p.appendArtifact(ctx, env, snap.RunID, run.ArtifactClip, resume, run.Meta{
		Provider: evt.Provider,
		TaskID:   evt.TaskID,
		Index:    clip.Index,
		Count:    clip.Count,
		Step:     string(run.StatusAwaitingVideoGeneration),
	}); err != nil {
		return flow.Outcome{}, err
	}

	if snap.ClipsDone() {
		return flow.Advance(run.StatusEditing), nil
	}
	return flow.Suspend(run.StatusAwaitingVideoGeneration,
		flow.NewInterrupt(flow.InterruptVideoGeneration, pendingTasks(snap)),
	), nil
}

func (p *Pipeline) edit(ctx context.Context, env *flow.Env, snap *flow.Snapshot) (flow.Outcome, error) {
	if !snap.ClipsDone() {
		return flow.Outcome{}, fmt.Errorf("pipeline: editing reached with incomplete clips")
	}

	adapter, err := p.providers.MustGet(p.renderProvider)
	if err != nil {
		return flow.Outcome{}, err
	}

	uris := make([]string, len(snap.Clips))
	for _, c := range snap.Clips {
		uris[c.Index] = c.URI
	}
	title := ""
	if snap.Idea != nil {
		title = snap.Idea.Title
	}

	params := map[string]any{
		"clips":  uris,
		"title":  title,
		"run_id": snap.RunID.String(),
	}
	resp, err := p.submit(ctx, "render:"+p.renderProvider, adapter, params)
	if err != nil {
		return flow.Outcome{}, fmt.Errorf("pipeline: submit render: %w", err)
	}
	renderID := stringField(resp, "task_id")
	if renderID == "" {
		return flow.Outcome{}, fmt.Errorf("pipeline: %s returned no render id", p.renderProvider)
	}
	snap.RenderJobID = renderID

	req := renderRequest{Provider: p.renderProvider, Clips: uris, Title: title}
	reqContent, err := json.Marshal(req)
	if err != nil {
		return flow.Outcome{}, fmt.Errorf("pipeline: encode render request: %w", err)
	}
	if err := p.appendArtifact(ctx, env, snap.RunID, run.ArtifactRenderRequest, reqContent, run.Meta{
		Provider: p.renderProvider,
		TaskID:   renderID,
		Step:     string(run.StatusEditing),
	}); err != nil {
		return flow.Outcome{}, err
	}
	if err := p.enqueueRenderPoll(ctx, snap.RunID, renderID); err != nil {
		return flow.Outcome{}, err
	}

	env.Logger.Info("render submitted",
		slog.String("run_id", snap.RunID.String()),
		slog.String("provider", p.renderProvider),
		slog.String("render_id", renderID),
	)

	return flow.Suspend(run.StatusAwaitingRender,
		flow.NewInterrupt(flow.InterruptRender, nil),
	), nil
}

func (p *Pipeline) enqueueRenderPoll(ctx context.Context, runID id.RunID, renderID string) error {
	if !p.supportsPolling(p.renderProvider) {
		return nil
	}
	now := time.Now().UTC()
	payload, err := job.MarshalPayload(job.RenderPollPayload{
		Provider: p.renderProvider,
		JobID:    renderID,
		Deadline: now.Add(p.pollHorizon),
	})
	if err != nil {
		return err
	}
	_, _, err = job.Enqueue(ctx, p.jobs, job.TypeRenderPoll, "render_poll:"+runID.String()+":"+renderID, payload,
		job.WithRunID(runID),
		job.WithQueue(p.queue),
		job.WithAvailableAt(now.Add(p.pollGrace)),
	)
	return err
}

func (p *Pipeline) renderArrived(ctx context.Context, env *flow.Env, snap *flow.Snapshot, resume json.RawMessage) (flow.Outcome, error) {
	var evt provider.Event
	if err := json.Unmarshal(resume, &evt); err != nil {
		return flow.Outcome{}, fmt.Errorf("pipeline: decode render event: %w", err)
	}

	if evt.TaskID != snap.RenderJobID {
		env.Logger.Info("render event for superseded job, holding",
			slog.String("run_id", snap.RunID.String()),
			slog.String("task_id", evt.TaskID),
			slog.String("current", snap.RenderJobID),
		)
		return flow.Suspend(run.StatusAwaitingRender,
			flow.NewInterrupt(flow.InterruptRender, nil),
		), nil
	}

	if evt.State == provider.StateError {
		return flow.Outcome{}, fmt.Errorf("pipeline: render %s failed: %s", evt.TaskID, evt.Error)
	}

	if _, err := p.guard.Check(ctx, evt.ArtifactURL); err != nil {
		return flow.Outcome{}, fmt.Errorf("pipeline: render artifact url: %w", err)
	}
	snap.RenderURL = evt.ArtifactURL

	if err := p.appendArtifact(ctx, env, snap.RunID, run.ArtifactRenderedVideo, resume, run.Meta{
		Provider: evt.Provider,
		TaskID:   evt.TaskID,
		Step:     string(run.StatusAwaitingRender),
	}); err != nil {
		return flow.Outcome{}, err
	}

	payload, _ := json.Marshal(map[string]string{"render_url": snap.RenderURL})
	return flow.Suspend(run.StatusAwaitingPublishApproval,
		flow.NewInterrupt(flow.InterruptPublishApproval, payload),
	), nil
}

func (p *Pipeline) publishReviewed(ctx context.Context, env *flow.Env, snap *flow.Snapshot, resume json.RawMessage) (flow.Outcome, error) {
	var a Approval
	if err := json.Unmarshal(resume, &a); err != nil {
		return flow.Outcome{}, fmt.Errorf("pipeline: decode publish approval: %w", err)
	}
	if err := p.appendArtifact(ctx, env, snap.RunID, run.ArtifactApproval, resume, run.Meta{
		Step:  string(run.StatusAwaitingPublishApproval),
		Extra: map[string]string{"stage": "publish"},
	}); err != nil {
		return flow.Outcome{}, err
	}
	if !a.Approved {
		return flow.Reject(), nil
	}
	return flow.Advance(run.StatusPublishing), nil
}

func (p *Pipeline) publish(ctx context.Context, env *flow.Env, snap *flow.Snapshot) (flow.Outcome, error) {
	if snap.RenderURL == "" {
		return flow.Outcome{}, fmt.Errorf("pipeline: publishing reached without a rendered video")
	}

	adapter, err := p.providers.MustGet(p.publishProvider)
	if err != nil {
		return flow.Outcome{}, err
	}

	title := ""
	if snap.Idea != nil {
		title = snap.Idea.Title
	}
	params := map[string]any{
		"video_uri": snap.RenderURL,
		"title":     title,
		"run_id":    snap.RunID.String(),
	}
	resp, err := p.submit(ctx, "publish:"+p.publishProvider, adapter, params)
	if err != nil {
		return flow.Outcome{}, fmt.Errorf("pipeline: publish: %w", err)
	}

	publishedURL := stringField(resp, "url")
	if publishedURL == "" {
		publishedURL = stringField(resp, "task_id")
	}
	snap.PublishedURL = publishedURL

	content, _ := json.Marshal(map[string]string{"url": publishedURL})
	if err := p.appendArtifact(ctx, env, snap.RunID, run.ArtifactPublished, content, run.Meta{
		Provider: p.publishProvider,
		Step:     string(run.StatusPublishing),
	}); err != nil {
		return flow.Outcome{}, err
	}

	env.Logger.Info("run published",
		slog.String("run_id", snap.RunID.String()),
		slog.String("url", publishedURL),
	)

	return flow.Complete(), nil
}

// ──────────────────────────────────────────────────
// Shared helpers
// ──────────────────────────────────────────────────

func (p *Pipeline) supportsPolling(providerName string) bool {
	a, err := p.providers.MustGet(providerName)
	if err != nil {
		return false
	}
	_, ok := a.(provider.StatusPoller)
	return ok
}

func (p *Pipeline) appendArtifact(ctx context.Context, env *flow.Env, runID id.RunID, t run.ArtifactType, content []byte, meta run.Meta) error {
	a := &run.Artifact{
		ID:        id.NewArtifactID(),
		RunID:     runID,
		Type:      t,
		Content:   content,
		Meta:      meta,
		CreatedAt: time.Now().UTC(),
	}
	if err := env.Runs.AppendArtifact(ctx, a); err != nil {
		return fmt.Errorf("pipeline: append %s artifact: %w", t, err)
	}
	return nil
}

// pendingTasks describes the outstanding task ids for a video-generation
// interrupt payload.
func pendingTasks(snap *flow.Snapshot) json.RawMessage {
	var ids []string
	for _, c := range snap.Clips {
		if !c.Done && c.TaskID != "" {
			ids = append(ids, c.TaskID)
		}
	}
	payload, err := json.Marshal(map[string]any{"task_ids": ids})
	if err != nil {
		return nil
	}
	return payload
}
