package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/reelpipe/reelpipe"
)

// Guard executes a function under a failure-tracking policy. It is
// implemented by breaker.Breaker; retries run every attempt through the
// guard so each failed attempt consumes the breaker's failure budget.
type Guard interface {
	Run(ctx context.Context, fn func(ctx context.Context) error) error
}

// passthrough is the Guard used when no breaker is supplied.
type passthrough struct{}

func (passthrough) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// Retry executes fn up to maxAttempts times through the guard, sleeping per
// the strategy between attempts. An open circuit stops retrying immediately:
// further attempts would fail fast without reaching the provider, so
// spending the remaining budget on them is pointless.
//
// A nil guard retries without circuit protection.
func Retry(ctx context.Context, guard Guard, strategy Strategy, maxAttempts int, fn func(ctx context.Context) error) error {
	if guard == nil {
		guard = passthrough{}
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = guard.Run(ctx, fn)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, reelpipe.ErrCircuitOpen) {
			return lastErr
		}
		if attempt == maxAttempts {
			break
		}

		select {
		case <-time.After(strategy.Delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("backoff: %d attempts exhausted: %w", maxAttempts, lastErr)
}
