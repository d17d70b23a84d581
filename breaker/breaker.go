// Package breaker provides per-component circuit breakers protecting calls
// to external providers. Built on sony/gobreaker: CLOSED trips to OPEN after
// a threshold of consecutive failures, OPEN fails fast until the cooldown
// elapses, then a single HALF_OPEN probe either closes the circuit or
// re-opens it and restarts the cooldown.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/reelpipe/reelpipe"
)

// Options configures a Breaker.
type Options struct {
	// MaxFailures is the number of consecutive failures that trips the
	// breaker open.
	MaxFailures int

	// Cooldown is how long the breaker stays open before allowing the
	// HALF_OPEN probe.
	Cooldown time.Duration
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxFailures: 5,
		Cooldown:    30 * time.Second,
	}
}

// Option is a functional option for a Breaker.
type Option func(*Options)

// WithMaxFailures sets the consecutive-failure trip threshold.
func WithMaxFailures(n int) Option {
	return func(o *Options) { o.MaxFailures = n }
}

// WithCooldown sets the open-state cooldown window.
func WithCooldown(d time.Duration) Option {
	return func(o *Options) { o.Cooldown = d }
}

// Breaker is a circuit breaker for one logical external component.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// New creates a Breaker for the named component.
func New(name string, opts ...Option) *Breaker {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // single HALF_OPEN probe
		Timeout:     o.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(o.MaxFailures)
		},
	})

	return &Breaker{name: name, cb: cb}
}

// Name returns the component name this breaker protects.
func (b *Breaker) Name() string { return b.name }

// Run executes fn through the breaker. While the breaker is open within its
// cooldown window, Run returns ErrCircuitOpen without invoking fn.
func (b *Breaker) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("breaker %q: %w", b.name, reelpipe.ErrCircuitOpen)
		}
		return err
	}
	return nil
}

// State returns the current breaker state as a string (closed, half-open,
// open). Intended for operator introspection and logging.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Registry holds one Breaker per logical external component.
// Safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	opts     []Option
	logger   *slog.Logger
}

// NewRegistry creates a Registry whose breakers are built with the given
// default options.
func NewRegistry(logger *slog.Logger, opts ...Option) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		opts:     opts,
		logger:   logger,
	}
}

// For returns the breaker for the named component, creating it on first use.
func (r *Registry) For(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.opts...)
		r.breakers[name] = b
		r.logger.Debug("circuit breaker created", slog.String("component", name))
	}
	return b
}
