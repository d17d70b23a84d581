package reelpipe

import (
	"context"
	"log/slog"
)

// Option configures an Orchestrator.
type Option func(*Orchestrator) error

// Storer is the minimal store interface held by the Orchestrator.
// It covers lifecycle operations only. The full composite interface
// (store.Store) is used in subsystem layers that don't create import
// cycles. Implementations satisfy store.Store which embeds all
// subsystem stores.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// poolRunner is an internal interface for worker pool lifecycle.
type poolRunner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// sweeperRunner is an internal interface for the maintenance sweeper.
type sweeperRunner interface {
	Start() error
	Stop()
}

// Orchestrator is the central coordinator for pipeline runs, background
// jobs, webhook ingestion, and maintenance.
//
// Create one with New() and functional options. The Orchestrator holds
// references to subsystem components via internal interfaces to avoid
// import cycles. Use the Build() function from the reelpipe/engine
// package to wire everything together.
type Orchestrator struct {
	config  Config
	logger  *slog.Logger
	store   Storer
	pool    poolRunner
	sweeper sweeperRunner

	// started tracks whether Start has been called.
	started bool
}

// New creates a new Orchestrator with the given options.
func New(opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// Logger returns the orchestrator's logger.
func (o *Orchestrator) Logger() *slog.Logger { return o.logger }

// Store returns the orchestrator's store.
func (o *Orchestrator) Store() Storer { return o.store }

// Config returns a copy of the orchestrator's configuration.
func (o *Orchestrator) Config() Config { return o.config }

// SetPool sets the worker pool (called by the engine package).
func (o *Orchestrator) SetPool(p poolRunner) { o.pool = p }

// SetSweeper sets the maintenance sweeper (called by the engine package).
func (o *Orchestrator) SetSweeper(s sweeperRunner) { o.sweeper = s }

// Start begins job processing and maintenance.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.pool == nil {
		return ErrNoStore
	}
	if err := o.pool.Start(ctx); err != nil {
		return err
	}
	if o.sweeper != nil {
		if err := o.sweeper.Start(); err != nil {
			return err
		}
	}
	o.started = true
	return nil
}

// Stop gracefully shuts down the orchestrator.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if o.sweeper != nil && o.started {
		o.sweeper.Stop()
	}
	if o.pool != nil && o.started {
		if err := o.pool.Stop(ctx); err != nil {
			o.logger.Error("pool stop error", "error", err)
		}
	}
	if o.store != nil {
		return o.store.Close()
	}
	return nil
}

// WithConcurrency sets the maximum number of concurrent job processors.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) error {
		o.config.Concurrency = n
		return nil
	}
}

// WithQueues sets the queues the orchestrator will poll.
func WithQueues(queues []string) Option {
	return func(o *Orchestrator) error {
		o.config.Queues = queues
		return nil
	}
}

// WithLogger sets the structured logger for the orchestrator.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) error {
		o.logger = l
		return nil
	}
}

// WithStore sets the persistence backend for the orchestrator.
// The store must implement Storer at minimum; typically it will be a
// store.Store which embeds all subsystem store interfaces.
func WithStore(s Storer) Option {
	return func(o *Orchestrator) error {
		o.store = s
		return nil
	}
}

// WithConfig replaces the full configuration.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) error {
		o.config = cfg
		return nil
	}
}

// WithWebhookOffload routes inbound webhook processing through the job
// queue instead of handling it inline on the ingestion goroutine.
func WithWebhookOffload(enabled bool) Option {
	return func(o *Orchestrator) error {
		o.config.WebhookOffload = enabled
		return nil
	}
}
