package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/reelpipe/reelpipe"
	"github.com/reelpipe/reelpipe/backoff"
	"github.com/reelpipe/reelpipe/breaker"
	"github.com/reelpipe/reelpipe/dlq"
	"github.com/reelpipe/reelpipe/flow"
	"github.com/reelpipe/reelpipe/id"
	"github.com/reelpipe/reelpipe/job"
	"github.com/reelpipe/reelpipe/maintenance"
	mw "github.com/reelpipe/reelpipe/middleware"
	"github.com/reelpipe/reelpipe/pipeline"
	"github.com/reelpipe/reelpipe/provider"
	"github.com/reelpipe/reelpipe/respcache"
	"github.com/reelpipe/reelpipe/run"
	"github.com/reelpipe/reelpipe/urlguard"
	"github.com/reelpipe/reelpipe/webhook"
	"github.com/reelpipe/reelpipe/worker"
)

// queueLimit holds a per-queue claim rate budget until the pool is built.
type queueLimit struct {
	queue string
	limit rate.Limit
	burst int
}

// Engine wraps an Orchestrator with typed subsystem access.
// Use Build() to create one from an Orchestrator.
type Engine struct {
	o         *reelpipe.Orchestrator
	logger    *slog.Logger
	providers *provider.Registry
	registry  *job.Registry

	runStore  run.Store
	jobStore  job.Store
	flowStore flow.Store

	dlqService *dlq.Service
	machine    *flow.Machine
	pipe       *pipeline.Pipeline
	processor  *webhook.Processor
	pool       *worker.Pool
	sweeper    *maintenance.Sweeper

	// Build inputs.
	ideator         pipeline.Ideator
	videoProvider   string
	renderProvider  string
	publishProvider string

	bo         backoff.Strategy
	cacheStore respcache.Store
	cacheTTL   time.Duration
	guard      *urlguard.Guard
	codec      flow.Codec
	mws        []mw.Middleware

	pipelineOpts []pipeline.PipelineOption
	webhookOpts  []webhook.ProcessorOption
	sweeperOpts  []maintenance.SweeperOption
	breakerOpts  []breaker.Option
	queueLimits  []queueLimit

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithIdeator sets the ideation backend. Required.
func WithIdeator(i pipeline.Ideator) Option {
	return func(eng *Engine) { eng.ideator = i }
}

// WithProvider registers an external provider adapter.
func WithProvider(a provider.Adapter) Option {
	return func(eng *Engine) { eng.providers.Register(a) }
}

// WithVideoProvider names the adapter used for clip generation.
func WithVideoProvider(name string) Option {
	return func(eng *Engine) { eng.videoProvider = name }
}

// WithRenderProvider names the adapter used for rendering.
func WithRenderProvider(name string) Option {
	return func(eng *Engine) { eng.renderProvider = name }
}

// WithPublishProvider names the adapter used for publishing.
func WithPublishProvider(name string) Option {
	return func(eng *Engine) { eng.publishProvider = name }
}

// WithMiddleware adds middleware to the engine's chain, after the default
// stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m) }
}

// WithBackoff sets the retry backoff strategy for jobs and provider calls.
// If not set, backoff.DefaultStrategy() (exponential with jitter) is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) { eng.bo = b }
}

// WithResponseCache sets the response cache backend and TTL. Defaults to
// an in-process memory store with no expiry. Pass respcache.NewRedisStore
// for a shared cache across processes.
func WithResponseCache(s respcache.Store, ttl time.Duration) Option {
	return func(eng *Engine) {
		eng.cacheStore = s
		eng.cacheTTL = ttl
	}
}

// WithURLGuard sets the outbound URL guard used to vet provider-supplied
// artifact URLs.
func WithURLGuard(g *urlguard.Guard) Option {
	return func(eng *Engine) { eng.guard = g }
}

// WithCodec sets the checkpoint snapshot codec. Defaults to JSON; pass
// flow.GetCodec(flow.CodecNameMsgpack) for compact binary snapshots.
func WithCodec(c flow.Codec) Option {
	return func(eng *Engine) { eng.codec = c }
}

// WithPipelineOptions forwards options to the pipeline constructor.
func WithPipelineOptions(opts ...pipeline.PipelineOption) Option {
	return func(eng *Engine) { eng.pipelineOpts = append(eng.pipelineOpts, opts...) }
}

// WithWebhookPolicy sets the admission policy for one provider's webhooks.
func WithWebhookPolicy(providerName string, p webhook.Policy) Option {
	return func(eng *Engine) {
		eng.webhookOpts = append(eng.webhookOpts, webhook.WithPolicy(providerName, p))
	}
}

// WithDefaultWebhookPolicy sets the admission policy for providers without
// an explicit one.
func WithDefaultWebhookPolicy(p webhook.Policy) Option {
	return func(eng *Engine) {
		eng.webhookOpts = append(eng.webhookOpts, webhook.WithDefaultPolicy(p))
	}
}

// WithSweeperOptions forwards options to the maintenance sweeper.
func WithSweeperOptions(opts ...maintenance.SweeperOption) Option {
	return func(eng *Engine) { eng.sweeperOpts = append(eng.sweeperOpts, opts...) }
}

// WithBreakerOptions sets the circuit breaker settings applied to every
// provider breaker.
func WithBreakerOptions(opts ...breaker.Option) Option {
	return func(eng *Engine) { eng.breakerOpts = append(eng.breakerOpts, opts...) }
}

// WithQueueLimit caps the claim rate for one queue.
func WithQueueLimit(queue string, limit rate.Limit, burst int) Option {
	return func(eng *Engine) {
		eng.queueLimits = append(eng.queueLimits, queueLimit{queue: queue, limit: limit, burst: burst})
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// If not set, the global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// Build creates an Engine from an existing Orchestrator.
// The Orchestrator's store must implement every subsystem store interface;
// store.Store backends do.
func Build(o *reelpipe.Orchestrator, opts ...Option) (*Engine, error) {
	logger := o.Logger()
	store := o.Store()

	if store == nil {
		return nil, reelpipe.ErrNoStore
	}

	rs, ok := store.(run.Store)
	if !ok {
		return nil, fmt.Errorf("reelpipe: store does not implement run.Store")
	}
	js, ok := store.(job.Store)
	if !ok {
		return nil, fmt.Errorf("reelpipe: store does not implement job.Store")
	}
	fs, ok := store.(flow.Store)
	if !ok {
		return nil, fmt.Errorf("reelpipe: store does not implement flow.Store")
	}
	ds, ok := store.(dlq.Store)
	if !ok {
		return nil, fmt.Errorf("reelpipe: store does not implement dlq.Store")
	}
	ws, ok := store.(webhook.Store)
	if !ok {
		return nil, fmt.Errorf("reelpipe: store does not implement webhook.Store")
	}

	eng := &Engine{
		o:         o,
		logger:    logger,
		providers: provider.NewRegistry(),
		registry:  job.NewRegistry(),
		runStore:  rs,
		jobStore:  js,
		flowStore: fs,
	}

	for _, opt := range opts {
		opt(eng)
	}

	if eng.ideator == nil {
		return nil, fmt.Errorf("reelpipe: no ideator configured")
	}
	if eng.bo == nil {
		eng.bo = backoff.DefaultStrategy()
	}
	if eng.cacheStore == nil {
		eng.cacheStore = respcache.NewMemoryStore()
	}
	if eng.guard == nil {
		eng.guard = urlguard.New()
	}

	eng.dlqService = dlq.NewService(ds, logger)
	breakers := breaker.NewRegistry(logger, eng.breakerOpts...)
	cache := respcache.New(eng.cacheStore, eng.cacheTTL, respcache.WithLogger(logger))

	config := o.Config()

	pipelineOpts := eng.pipelineOpts
	if config.PollJobHorizon > 0 {
		pipelineOpts = append([]pipeline.PipelineOption{
			pipeline.WithPollHorizon(config.PollJobHorizon),
		}, pipelineOpts...)
	}
	eng.pipe = pipeline.New(
		eng.ideator, eng.providers, rs, js, cache, eng.guard, breakers,
		eng.bo, eng.videoProvider, eng.renderProvider, eng.publishProvider,
		logger, pipelineOpts...,
	)

	var machineOpts []flow.MachineOption
	if eng.codec != nil {
		machineOpts = append(machineOpts, flow.WithCodec(eng.codec))
	}
	eng.machine = flow.NewMachine(rs, fs, eng.pipe.Build(), logger, machineOpts...)
	eng.machine.SetResubmitter(eng.pipe)

	webhookOpts := eng.webhookOpts
	if config.WebhookOffload {
		queue := "default"
		if len(config.Queues) > 0 {
			queue = config.Queues[0]
		}
		webhookOpts = append(webhookOpts, webhook.WithOffload(js, queue))
	}
	eng.processor = webhook.NewProcessor(
		eng.providers, eng.machine, rs, ws, eng.dlqService, logger,
		webhookOpts...,
	)

	webhook.RegisterHandler(eng.registry, eng.processor)
	pipeline.RegisterJobHandlers(eng.registry, eng.pipe, eng.machine)

	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer("github.com/reelpipe/reelpipe"))
	} else {
		tracingMw = mw.Tracing()
	}

	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter("github.com/reelpipe/reelpipe"))
	} else {
		metricsMw = mw.Metrics()
	}

	// Default middleware stack: recover → tracing → metrics → logging → timeout.
	allMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Timeout(config.LeaseDuration),
	}
	allMws = append(allMws, eng.mws...)

	executor := worker.NewExecutor(eng.registry, js, eng.dlqService, eng.bo, logger, allMws...)

	poolOpts := []worker.PoolOption{
		worker.WithPoolConcurrency(config.Concurrency),
		worker.WithPoolQueues(config.Queues),
		worker.WithPollInterval(config.PollInterval),
		worker.WithLeaseDuration(config.LeaseDuration),
		worker.WithLeaseTouchInterval(config.LeaseTouchInterval),
	}
	for _, ql := range eng.queueLimits {
		poolOpts = append(poolOpts, worker.WithQueueLimit(ql.queue, ql.limit, ql.burst))
	}
	eng.pool = worker.NewPool(js, executor, logger, poolOpts...)

	eng.sweeper = maintenance.NewSweeper(js, rs, ds, ws, logger, eng.sweeperOpts...)

	// Wire back into the Orchestrator.
	o.SetPool(eng.pool)
	o.SetSweeper(eng.sweeper)

	return eng, nil
}

// ─────────────────────────────────────────────
// Run lifecycle
// ─────────────────────────────────────────────

// StartRun creates a run and advances it until its first suspension or
// terminal state.
func (eng *Engine) StartRun(ctx context.Context, project string, input json.RawMessage) (*run.Run, error) {
	return eng.machine.Start(ctx, project, input)
}

// Resume delivers external input to a suspended run inline. For human
// approvals, prefer Approve or Reject; for raw provider events the webhook
// processor calls this path itself.
func (eng *Engine) Resume(ctx context.Context, runID id.RunID, interruptID id.InterruptID, resume json.RawMessage) (*run.Run, error) {
	return eng.machine.Resume(ctx, runID, interruptID, resume)
}

// ResumeAsync enqueues a background job that delivers the resume input.
// The ingestion surface returns immediately; the worker pool does the run
// advancement. Enqueueing the same interrupt twice collapses into one job,
// in which case the returned job is nil.
func (eng *Engine) ResumeAsync(ctx context.Context, runID id.RunID, interruptID id.InterruptID, resume json.RawMessage) (*job.Job, error) {
	payload, err := job.MarshalPayload(job.ResumeRunPayload{
		InterruptID: interruptID.String(),
		Resume:      resume,
	})
	if err != nil {
		return nil, err
	}

	queue := "default"
	if qs := eng.o.Config().Queues; len(qs) > 0 {
		queue = qs[0]
	}

	j, _, err := job.Enqueue(ctx, eng.jobStore, job.TypeResumeRun,
		"resume:"+runID.String()+":"+interruptID.String(), payload,
		job.WithRunID(runID),
		job.WithQueue(queue),
		job.WithMaxAttempts(3),
	)
	if err != nil {
		return nil, err
	}
	return j, nil
}

// Approve resolves a pending approval interrupt positively.
func (eng *Engine) Approve(ctx context.Context, runID id.RunID, interruptID id.InterruptID, notes string) (*run.Run, error) {
	return eng.review(ctx, runID, interruptID, true, notes)
}

// Reject resolves a pending approval interrupt negatively. The run moves
// to rejected status.
func (eng *Engine) Reject(ctx context.Context, runID id.RunID, interruptID id.InterruptID, notes string) (*run.Run, error) {
	return eng.review(ctx, runID, interruptID, false, notes)
}

func (eng *Engine) review(ctx context.Context, runID id.RunID, interruptID id.InterruptID, approved bool, notes string) (*run.Run, error) {
	resume, err := json.Marshal(pipeline.Approval{Approved: approved, Notes: notes})
	if err != nil {
		return nil, fmt.Errorf("reelpipe: marshal approval: %w", err)
	}
	return eng.machine.Resume(ctx, runID, interruptID, resume)
}

// Cancel cancels a run. Later webhooks for the run are acknowledged and
// discarded.
func (eng *Engine) Cancel(ctx context.Context, runID id.RunID) error {
	return eng.machine.Cancel(ctx, runID)
}

// Repair inspects a stuck or failed run and resubmits whatever external
// work can be retried.
func (eng *Engine) Repair(ctx context.Context, runID id.RunID) (flow.RecoveryAction, error) {
	return eng.machine.AutoResume(ctx, runID)
}

// HandleWebhook runs one inbound provider callback through the webhook
// pipeline. This is what an HTTP ingestion layer calls per request.
func (eng *Engine) HandleWebhook(ctx context.Context, providerName, requestID string, headers map[string]string, body []byte) (webhook.Ack, error) {
	return eng.processor.Process(ctx, providerName, requestID, headers, body)
}

// ReplayDLQ re-runs a dead-lettered webhook through the processor and
// resolves the entry on success.
func (eng *Engine) ReplayDLQ(ctx context.Context, entryID id.DLQID) error {
	return eng.dlqService.Replay(ctx, entryID, eng.processor.Reprocess)
}

// Start begins job processing and maintenance.
func (eng *Engine) Start(ctx context.Context) error {
	return eng.o.Start(ctx)
}

// Stop gracefully shuts down the engine.
func (eng *Engine) Stop(ctx context.Context) error {
	return eng.o.Stop(ctx)
}

// Machine returns the flow machine.
func (eng *Engine) Machine() *flow.Machine { return eng.machine }

// Pipeline returns the content pipeline.
func (eng *Engine) Pipeline() *pipeline.Pipeline { return eng.pipe }

// Processor returns the webhook processor.
func (eng *Engine) Processor() *webhook.Processor { return eng.processor }

// Registry returns the job registry.
func (eng *Engine) Registry() *job.Registry { return eng.registry }

// Providers returns the provider registry.
func (eng *Engine) Providers() *provider.Registry { return eng.providers }

// DLQService returns the dead-letter service for replay and inspection.
func (eng *Engine) DLQService() *dlq.Service { return eng.dlqService }

// Pool returns the worker pool.
func (eng *Engine) Pool() *worker.Pool { return eng.pool }

// Sweeper returns the maintenance sweeper.
func (eng *Engine) Sweeper() *maintenance.Sweeper { return eng.sweeper }

// Orchestrator returns the underlying Orchestrator.
func (eng *Engine) Orchestrator() *reelpipe.Orchestrator { return eng.o }
