package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/reelpipe/reelpipe/job"
)

// Recover returns middleware that recovers from panics in the handler chain.
// Panics are converted to failure results and logged with a stack trace, so
// one bad payload cannot take a worker goroutine down.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (res job.Result) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logger.Error("job handler panicked",
					slog.String("job_type", string(j.Type)),
					slog.String("job_id", j.ID.String()),
					slog.Any("panic", r),
					slog.String("stack", stack),
				)
				res = job.Failure(fmt.Errorf("panic in %s job: %v", j.Type, r))
			}
		}()
		return next(ctx)
	}
}
