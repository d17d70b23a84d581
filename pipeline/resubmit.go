package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/reelpipe/reelpipe/flow"
	"github.com/reelpipe/reelpipe/run"
)

// resubmitParallelism caps concurrent provider submissions during repair.
const resubmitParallelism = 4

// ResubmitClips implements flow.Resubmitter. It re-issues the stored
// generation request for the missing clip indices only, in parallel,
// bypassing the response cache — the cached response for these params is
// the submission that already failed. Each new task gets a fresh manifest
// entry and polling fallback.
func (p *Pipeline) ResubmitClips(ctx context.Context, env *flow.Env, snap *flow.Snapshot, req json.RawMessage, missing []int) ([]flow.ClipState, error) {
	var stored genRequest
	if err := json.Unmarshal(req, &stored); err != nil {
		return nil, fmt.Errorf("pipeline: decode stored generation request: %w", err)
	}
	if stored.Provider == "" {
		stored.Provider = p.videoProvider
	}
	adapter, err := p.providers.MustGet(stored.Provider)
	if err != nil {
		return nil, err
	}

	fresh := make([]flow.ClipState, len(missing))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(resubmitParallelism)
	for i, idx := range missing {
		g.Go(func() error {
			if idx < 0 || idx >= len(stored.Prompts) {
				return fmt.Errorf("pipeline: clip index %d outside stored request (%d prompts)", idx, len(stored.Prompts))
			}
			prompt := stored.Prompts[idx]

			res, submitErr := p.directSubmit(ctx, "video:"+stored.Provider, adapter, map[string]any{
				"prompt": prompt,
				"index":  idx,
				"count":  stored.Count,
				"run_id": snap.RunID.String(),
			})
			if submitErr != nil {
				return fmt.Errorf("pipeline: resubmit clip %d: %w", idx, submitErr)
			}

			if recErr := p.recordManifest(ctx, env, snap.RunID, res.TaskID, prompt, idx, stored.Count); recErr != nil {
				return recErr
			}
			if pollErr := p.enqueueVideoPoll(ctx, snap.RunID, res.TaskID, idx, stored.Count); pollErr != nil {
				return pollErr
			}

			mu.Lock()
			fresh[i] = flow.ClipState{TaskID: res.TaskID, Index: idx, Count: stored.Count}
			mu.Unlock()

			p.logger.Info("clip resubmitted",
				slog.String("run_id", snap.RunID.String()),
				slog.Int("index", idx),
				slog.String("task_id", res.TaskID),
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return fresh, nil
}

// ResubmitRender implements flow.Resubmitter: it re-issues the stored
// render request, records the new correlation artifact, and schedules a
// fresh polling fallback.
func (p *Pipeline) ResubmitRender(ctx context.Context, env *flow.Env, snap *flow.Snapshot, req json.RawMessage) (string, error) {
	var stored renderRequest
	if err := json.Unmarshal(req, &stored); err != nil {
		return "", fmt.Errorf("pipeline: decode stored render request: %w", err)
	}
	if stored.Provider == "" {
		stored.Provider = p.renderProvider
	}
	adapter, err := p.providers.MustGet(stored.Provider)
	if err != nil {
		return "", err
	}

	res, err := p.directSubmit(ctx, "render:"+stored.Provider, adapter, map[string]any{
		"clips":  stored.Clips,
		"title":  stored.Title,
		"run_id": snap.RunID.String(),
	})
	if err != nil {
		return "", fmt.Errorf("pipeline: resubmit render: %w", err)
	}

	content, err := json.Marshal(renderRequest{Provider: stored.Provider, Clips: stored.Clips, Title: stored.Title})
	if err != nil {
		return "", fmt.Errorf("pipeline: encode render request: %w", err)
	}
	if err := p.appendArtifact(ctx, env, snap.RunID, run.ArtifactRenderRequest, content, run.Meta{
		Provider: stored.Provider,
		TaskID:   res.TaskID,
		Step:     string(run.StatusAwaitingRender),
	}); err != nil {
		return "", err
	}
	if err := p.enqueueRenderPoll(ctx, snap.RunID, res.TaskID); err != nil {
		return "", err
	}

	p.logger.Info("render resubmitted",
		slog.String("run_id", snap.RunID.String()),
		slog.String("render_id", res.TaskID),
	)
	return res.TaskID, nil
}
