package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/reelpipe/reelpipe/job"
)

// Logging returns middleware that logs job start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) job.Result {
		logger.Info("job started",
			slog.String("job_type", string(j.Type)),
			slog.String("job_id", j.ID.String()),
			slog.String("queue", j.Queue),
			slog.Int("attempts", j.Attempts),
		)

		start := time.Now()
		res := next(ctx)
		elapsed := time.Since(start)

		switch res.Outcome {
		case job.OutcomeFailure:
			logger.Error("job failed",
				slog.String("job_type", string(j.Type)),
				slog.String("job_id", j.ID.String()),
				slog.Duration("elapsed", elapsed),
				slog.String("error", res.Err.Error()),
			)
		case job.OutcomeReschedule:
			logger.Debug("job rescheduled",
				slog.String("job_type", string(j.Type)),
				slog.String("job_id", j.ID.String()),
				slog.Duration("elapsed", elapsed),
				slog.Duration("delay", res.Delay),
			)
		default:
			logger.Info("job completed",
				slog.String("job_type", string(j.Type)),
				slog.String("job_id", j.ID.String()),
				slog.Duration("elapsed", elapsed),
			)
		}

		return res
	}
}
