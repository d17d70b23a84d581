package webhook

import (
	"context"
	"log/slog"

	"github.com/reelpipe/reelpipe/job"
)

// RegisterHandler wires the processor into a job registry so offloaded
// deliveries are finished by the worker pool. Dispositions that end the
// delivery (ignored, dead-lettered, rejected) succeed the job: the queue's
// retry budget is for transient failures, and those arrivals are final.
func RegisterHandler(r *job.Registry, p *Processor) {
	job.RegisterTyped(r, job.TypeWebhookDelivery, func(ctx context.Context, j *job.Job, payload job.WebhookDeliveryPayload) job.Result {
		ack, err := p.Deliver(ctx, payload.Provider, payload.Body)
		if err != nil && ack != AckDLQ && ack != AckIgnored && ack != AckRejected {
			return job.Failure(err)
		}
		if err != nil {
			p.logger.Info("offloaded delivery finished without resume",
				slog.String("job_id", j.ID.String()),
				slog.String("provider", payload.Provider),
				slog.String("ack", string(ack)),
				slog.String("reason", err.Error()),
			)
		}
		return job.Success()
	})
}
