package middleware

import (
	"context"
	"time"

	"github.com/reelpipe/reelpipe/job"
)

// Timeout returns middleware that enforces a per-execution deadline on
// every handler call. When the deadline is exceeded the context is
// cancelled and well-behaved handlers return a failure carrying
// context.DeadlineExceeded. A non-positive d disables the middleware.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) job.Result {
		if d <= 0 {
			return next(ctx)
		}
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return next(ctx)
	}
}
