package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/reelpipe/reelpipe/job"
)

// tracerName is the instrumentation scope name for reelpipe tracing.
const tracerName = "github.com/reelpipe/reelpipe"

// Tracing returns middleware that wraps job execution in an OpenTelemetry
// span. If no TracerProvider is configured globally, the default noop
// tracer is used and this middleware becomes a pass-through with zero
// overhead.
//
// Span attributes include: reelpipe.job.id, reelpipe.job.type,
// reelpipe.queue, reelpipe.run_id, reelpipe.attempts. On failure, the span
// status is set to codes.Error with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) job.Result {
		ctx, span := tracer.Start(ctx, "reelpipe.job.execute",
			trace.WithAttributes(
				attribute.String("reelpipe.job.id", j.ID.String()),
				attribute.String("reelpipe.job.type", string(j.Type)),
				attribute.String("reelpipe.queue", j.Queue),
				attribute.String("reelpipe.run_id", j.RunID.String()),
				attribute.Int("reelpipe.attempts", j.Attempts),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		res := next(ctx)
		switch res.Outcome {
		case job.OutcomeFailure:
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
		default:
			span.SetStatus(codes.Ok, "")
		}

		return res
	}
}
