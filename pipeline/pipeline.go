// Package pipeline assembles the standard content-generation graph:
// ideation, human approval, clip production, editing/render, publish
// approval, and publishing. Every outbound provider call goes through a
// named circuit breaker with retries, and the expensive generation calls
// are additionally wrapped in the idempotent response cache so retried or
// duplicated submissions reuse prior provider work.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/reelpipe/reelpipe/backoff"
	"github.com/reelpipe/reelpipe/breaker"
	"github.com/reelpipe/reelpipe/flow"
	"github.com/reelpipe/reelpipe/job"
	"github.com/reelpipe/reelpipe/provider"
	"github.com/reelpipe/reelpipe/respcache"
	"github.com/reelpipe/reelpipe/run"
	"github.com/reelpipe/reelpipe/urlguard"
)

// Ideation is the ideator's output: the idea held for approval plus the
// optional long-form script recorded alongside it.
type Ideation struct {
	Idea   flow.Idea `json:"idea"`
	Script string    `json:"script,omitempty"`
}

// Ideator produces an idea from the run's input. Implementations wrap
// whatever generation backend the deployment uses; the pipeline only
// requires that the call is repeatable for identical input.
type Ideator interface {
	Ideate(ctx context.Context, input json.RawMessage) (*Ideation, error)
}

// Approval is the resume message for the human approval interrupts.
type Approval struct {
	Approved bool   `json:"approved"`
	Notes    string `json:"notes,omitempty"`
}

// Pipeline holds the dependencies shared by all nodes.
type Pipeline struct {
	ideator   Ideator
	providers *provider.Registry
	runs      run.Store
	jobs      job.Store
	cache     *respcache.Cache
	guard     *urlguard.Guard
	breakers  *breaker.Registry
	strategy  backoff.Strategy
	logger    *slog.Logger

	videoProvider   string
	renderProvider  string
	publishProvider string

	callAttempts int
	pollEvery    time.Duration
	pollGrace    time.Duration
	pollHorizon  time.Duration
	queue        string
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithCallAttempts sets how many times a provider call is attempted before
// the node fails.
func WithCallAttempts(n int) PipelineOption {
	return func(p *Pipeline) { p.callAttempts = n }
}

// WithPollEvery sets the reschedule interval for polling-fallback jobs.
func WithPollEvery(d time.Duration) PipelineOption {
	return func(p *Pipeline) { p.pollEvery = d }
}

// WithPollGrace sets how long poll jobs wait before their first attempt,
// giving the provider's webhook a head start.
func WithPollGrace(d time.Duration) PipelineOption {
	return func(p *Pipeline) { p.pollGrace = d }
}

// WithPollHorizon sets the absolute deadline for polling-fallback jobs.
func WithPollHorizon(d time.Duration) PipelineOption {
	return func(p *Pipeline) { p.pollHorizon = d }
}

// WithQueue sets the queue that pipeline background jobs are enqueued to.
func WithQueue(q string) PipelineOption {
	return func(p *Pipeline) { p.queue = q }
}

// New creates a Pipeline. videoProvider, renderProvider, and
// publishProvider name registered adapters.
func New(
	ideator Ideator,
	providers *provider.Registry,
	runs run.Store,
	jobs job.Store,
	cache *respcache.Cache,
	guard *urlguard.Guard,
	breakers *breaker.Registry,
	strategy backoff.Strategy,
	videoProvider, renderProvider, publishProvider string,
	logger *slog.Logger,
	opts ...PipelineOption,
) *Pipeline {
	p := &Pipeline{
		ideator:         ideator,
		providers:       providers,
		runs:            runs,
		jobs:            jobs,
		cache:           cache,
		guard:           guard,
		breakers:        breakers,
		strategy:        strategy,
		logger:          logger,
		videoProvider:   videoProvider,
		renderProvider:  renderProvider,
		publishProvider: publishProvider,
		callAttempts:    3,
		pollEvery:       time.Minute,
		pollGrace:       2 * time.Minute,
		pollHorizon:     6 * time.Hour,
		queue:           "default",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Build returns the flow graph for the standard pipeline.
func (p *Pipeline) Build() *flow.Graph {
	g := flow.NewGraph()
	g.Handle(run.StatusPending, func(_ context.Context, _ *flow.Env, _ *flow.Snapshot) (flow.Outcome, error) {
		return flow.Advance(run.StatusIdeation), nil
	})
	g.Handle(run.StatusIdeation, p.ideate)
	g.HandleResume(run.StatusAwaitingIdeationApproval, p.ideaReviewed)
	g.Handle(run.StatusProduction, p.produce)
	g.HandleResume(run.StatusAwaitingVideoGeneration, p.clipArrived)
	g.Handle(run.StatusEditing, p.edit)
	g.HandleResume(run.StatusAwaitingRender, p.renderArrived)
	g.HandleResume(run.StatusAwaitingPublishApproval, p.publishReviewed)
	g.Handle(run.StatusPublishing, p.publish)
	return g
}

// ──────────────────────────────────────────────────
// Provider call plumbing
// ──────────────────────────────────────────────────

// call runs fn with retries, each attempt passing through the named
// circuit breaker.
func (p *Pipeline) call(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return backoff.Retry(ctx, p.breakers.For(name), p.strategy, p.callAttempts, fn)
}

// submit sends one provider request through breaker, retry, and the
// response cache. run_id is the caller field: excluded from the cache key,
// stripped from the stored copy, re-injected on hits.
func (p *Pipeline) submit(ctx context.Context, component string, s provider.Submitter, params map[string]any) (map[string]any, error) {
	return p.cache.Do(ctx, component, params, []string{"run_id"}, func(ctx context.Context) (map[string]any, error) {
		var res *provider.SubmitResult
		err := p.call(ctx, component, func(ctx context.Context) error {
			var callErr error
			res, callErr = s.Submit(ctx, params)
			return callErr
		})
		if err != nil {
			return nil, err
		}
		out := make(map[string]any, len(res.Raw)+1)
		for k, v := range res.Raw {
			out[k] = v
		}
		out["task_id"] = res.TaskID
		return out, nil
	})
}

// directSubmit bypasses the response cache. Repairs use it: the cached
// response for identical params is the submission that already failed.
func (p *Pipeline) directSubmit(ctx context.Context, component string, s provider.Submitter, params map[string]any) (*provider.SubmitResult, error) {
	var res *provider.SubmitResult
	err := p.call(ctx, component, func(ctx context.Context) error {
		var callErr error
		res, callErr = s.Submit(ctx, params)
		return callErr
	})
	return res, err
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func decodeInto(m map[string]any, v any) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("pipeline: re-encode response: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("pipeline: decode response into %T: %w", v, err)
	}
	return nil
}
