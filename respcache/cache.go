// Package respcache provides an idempotent response cache for external
// provider calls. Calls are keyed by a canonicalized, order-independent
// hash of their semantic parameters; caller-specific fields (run ids) are
// stripped before a response is written so the entry is reusable across
// runs, and re-injected on every hit so a cached result stays correctly
// attributed to its caller.
package respcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Store is the persistence contract for cached responses.
type Store interface {
	// GetResponse returns the cached response for key, or ok=false on miss.
	GetResponse(ctx context.Context, key string) (map[string]any, bool, error)

	// SetResponse stores a response under key with the given TTL. A zero
	// TTL means no expiry.
	SetResponse(ctx context.Context, key string, value map[string]any, ttl time.Duration) error
}

// Key computes the cache key for a provider call: sha256 over the
// canonical JSON of the semantic parameters, with caller-specific fields
// excluded. encoding/json marshals map keys in sorted order, which makes
// the hash order-independent.
func Key(component string, params map[string]any, callerFields ...string) (string, error) {
	semantic := make(map[string]any, len(params))
	for k, v := range params {
		semantic[k] = v
	}
	for _, f := range callerFields {
		delete(semantic, f)
	}

	data, err := json.Marshal(semantic)
	if err != nil {
		return "", fmt.Errorf("respcache: canonicalize params: %w", err)
	}

	sum := sha256.Sum256(append([]byte(component+"\x00"), data...))
	return component + ":" + hex.EncodeToString(sum[:]), nil
}

// Cache wraps a Store with the strip-on-write / re-inject-on-read policy.
type Cache struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger used for cache write failures.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// New creates a Cache. A zero TTL means entries never expire.
func New(store Store, ttl time.Duration, opts ...Option) *Cache {
	c := &Cache{store: store, ttl: ttl, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do returns the cached response for the call identified by (component,
// params), invoking fn on a miss. callerFields names the params and
// response fields that attribute the call to a specific caller; they are
// excluded from the key, stripped from the stored copy, and re-injected
// into every returned response from the caller's own params.
func (c *Cache) Do(
	ctx context.Context,
	component string,
	params map[string]any,
	callerFields []string,
	fn func(ctx context.Context) (map[string]any, error),
) (map[string]any, error) {
	key, err := Key(component, params, callerFields...)
	if err != nil {
		return nil, err
	}

	cached, ok, err := c.store.GetResponse(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("respcache: get %s: %w", key, err)
	}
	if ok {
		return reinject(cached, params, callerFields), nil
	}

	resp, err := fn(ctx)
	if err != nil {
		return nil, err
	}

	stored := strip(resp, callerFields)
	if setErr := c.store.SetResponse(ctx, key, stored, c.ttl); setErr != nil {
		// A write failure must not fail the call; the response is in hand.
		// It does cost this entry its dedupe, so make it visible.
		c.logger.Warn("response cache write failed",
			slog.String("key", key),
			slog.String("error", setErr.Error()),
		)
	}

	return reinject(stored, params, callerFields), nil
}

// strip returns a copy of resp without the caller-specific fields.
func strip(resp map[string]any, callerFields []string) map[string]any {
	out := make(map[string]any, len(resp))
	for k, v := range resp {
		out[k] = v
	}
	for _, f := range callerFields {
		delete(out, f)
	}
	return out
}

// reinject returns a copy of resp with the caller-specific fields restored
// from the caller's own params.
func reinject(resp map[string]any, params map[string]any, callerFields []string) map[string]any {
	out := make(map[string]any, len(resp)+len(callerFields))
	for k, v := range resp {
		out[k] = v
	}
	for _, f := range callerFields {
		if v, ok := params[f]; ok {
			out[f] = v
		}
	}
	return out
}
