// Package webhook ingests provider callbacks: admission, signature
// verification, idempotent delivery recording, run correlation, vocabulary
// normalization, and hand-off into the flow machine. Events that cannot be
// processed are routed to the dead-letter queue rather than dropped, and
// events that no longer matter (cancelled runs, stale interrupts, unknown
// task ids) are acknowledged and ignored so providers stop retrying them.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/reelpipe/reelpipe"
	"github.com/reelpipe/reelpipe/dlq"
	"github.com/reelpipe/reelpipe/flow"
	"github.com/reelpipe/reelpipe/id"
	"github.com/reelpipe/reelpipe/job"
	"github.com/reelpipe/reelpipe/provider"
	"github.com/reelpipe/reelpipe/run"
)

// Ack is the processor's disposition for one inbound callback. Every
// disposition maps to a 2xx response at the HTTP surface except rejected.
type Ack string

const (
	// AckAccepted means the callback was processed (or queued for
	// processing) successfully.
	AckAccepted Ack = "accepted"
	// AckDuplicate means the callback was already processed; this arrival
	// had no effect.
	AckDuplicate Ack = "duplicate"
	// AckIgnored means the callback is valid but no longer actionable:
	// unknown task id, cancelled run, or a stale suspension.
	AckIgnored Ack = "ignored"
	// AckRejected means the callback failed admission and was not recorded.
	AckRejected Ack = "rejected"
	// AckDLQ means processing failed and the payload was dead-lettered for
	// operator replay.
	AckDLQ Ack = "dlq"
)

// Processor runs the ingestion pipeline.
type Processor struct {
	providers   *provider.Registry
	machine     *flow.Machine
	runs        run.Store
	deliveries  Store
	deadletters *dlq.Service
	logger      *slog.Logger

	policies      map[string]Policy
	defaultPolicy Policy

	// jobs, when set, offloads verified deliveries onto the queue instead
	// of resuming runs inline.
	jobs         job.Store
	offloadQueue string
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithPolicy sets the admission policy for one provider.
func WithPolicy(providerName string, p Policy) ProcessorOption {
	return func(pr *Processor) { pr.policies[providerName] = p }
}

// WithDefaultPolicy sets the policy applied to providers without their own.
func WithDefaultPolicy(p Policy) ProcessorOption {
	return func(pr *Processor) { pr.defaultPolicy = p }
}

// WithOffload routes verified deliveries onto the job queue instead of
// processing them inline. The HTTP surface then acknowledges fast and the
// worker pool absorbs the processing cost and retries.
func WithOffload(jobs job.Store, queue string) ProcessorOption {
	return func(pr *Processor) {
		pr.jobs = jobs
		pr.offloadQueue = queue
	}
}

// NewProcessor creates a webhook processor.
func NewProcessor(providers *provider.Registry, machine *flow.Machine, runs run.Store, deliveries Store, deadletters *dlq.Service, logger *slog.Logger, opts ...ProcessorOption) *Processor {
	p := &Processor{
		providers:   providers,
		machine:     machine,
		runs:        runs,
		deliveries:  deliveries,
		deadletters: deadletters,
		logger:      logger,
		policies:    make(map[string]Policy),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Processor) policy(providerName string) Policy {
	if pol, ok := p.policies[providerName]; ok {
		return pol
	}
	return p.defaultPolicy
}

// Process runs one inbound callback through the full pipeline. requestID is
// the provider's delivery id when it sends one; headers carry at least the
// signature header named by the provider's policy.
func (p *Processor) Process(ctx context.Context, providerName, requestID string, headers map[string]string, body []byte) (Ack, error) {
	pol := p.policy(providerName)

	// Admission.
	if int64(len(body)) > pol.maxBody() {
		p.logger.Warn("callback rejected: body too large",
			slog.String("provider", providerName),
			slog.Int("bytes", len(body)),
		)
		return AckRejected, fmt.Errorf("webhook: body exceeds %d bytes", pol.maxBody())
	}
	adapter, err := p.providers.MustGet(providerName)
	if err != nil {
		p.logger.Warn("callback rejected: unknown provider",
			slog.String("provider", providerName),
		)
		return AckRejected, fmt.Errorf("webhook: %w", err)
	}

	// Signature verification. Unsigned or unverifiable callbacks pass by
	// default; RejectUnsigned makes them fatal per provider.
	if pol.SignatureHeader != "" {
		sig := headers[pol.SignatureHeader]
		if sig == "" || !adapter.VerifySignature(body, sig) {
			if pol.RejectUnsigned {
				p.logger.Warn("callback rejected: signature missing or invalid",
					slog.String("provider", providerName),
				)
				return AckRejected, fmt.Errorf("webhook: %s signature missing or invalid", providerName)
			}
			p.logger.Warn("callback signature missing or invalid, accepting anyway",
				slog.String("provider", providerName),
			)
		}
	}

	key := DedupeKey(requestID, body)

	// Offload: enqueue the verified body first, then record the delivery.
	// The delivery key doubles as the job idempotency key, so every crash
	// point is replay-safe: if the process dies before the record lands,
	// the provider's retry re-enqueues as a no-op and records then.
	if p.jobs != nil {
		payload, err := job.MarshalPayload(job.WebhookDeliveryPayload{
			Provider:  providerName,
			RequestID: requestID,
			Headers:   headers,
			Body:      body,
		})
		if err != nil {
			return p.deadletter(ctx, providerName, id.RunID{}, body, err)
		}
		_, _, err = job.Enqueue(ctx, p.jobs, job.TypeWebhookDelivery, "webhook:"+providerName+":"+key, payload,
			job.WithQueue(p.offloadQueue),
		)
		if err != nil {
			return p.deadletter(ctx, providerName, id.RunID{}, body, fmt.Errorf("webhook: offload delivery: %w", err))
		}
		if err := p.recordDelivery(ctx, providerName, key); err != nil {
			if errors.Is(err, reelpipe.ErrDuplicateDelivery) {
				return AckDuplicate, nil
			}
			return p.deadletter(ctx, providerName, id.RunID{}, body, fmt.Errorf("webhook: record delivery: %w", err))
		}
		return AckAccepted, nil
	}

	// Inline: the delivery record is the dedupe gate. A duplicate key means
	// the first arrival already did (or is doing) the work.
	if err := p.recordDelivery(ctx, providerName, key); err != nil {
		if errors.Is(err, reelpipe.ErrDuplicateDelivery) {
			return AckDuplicate, nil
		}
		return p.deadletter(ctx, providerName, id.RunID{}, body, fmt.Errorf("webhook: record delivery: %w", err))
	}

	return p.Deliver(ctx, providerName, body)
}

func (p *Processor) recordDelivery(ctx context.Context, providerName, key string) error {
	err := p.deliveries.RecordDelivery(ctx, &Delivery{
		ID:         id.NewDeliveryID(),
		Provider:   providerName,
		Key:        key,
		ReceivedAt: time.Now().UTC(),
	})
	if errors.Is(err, reelpipe.ErrDuplicateDelivery) {
		p.logger.Debug("duplicate callback",
			slog.String("provider", providerName),
			slog.String("key", key),
		)
	}
	return err
}

// Deliver finishes the pipeline for an already-admitted callback:
// normalization, correlation, and resume. It is the inline tail of Process
// and the entry point for offloaded jobs and dead-letter replays.
func (p *Processor) Deliver(ctx context.Context, providerName string, body []byte) (Ack, error) {
	adapter, err := p.providers.MustGet(providerName)
	if err != nil {
		return AckRejected, fmt.Errorf("webhook: %w", err)
	}

	// Normalization into the shared task vocabulary.
	taskID, status, err := adapter.NormalizeCallback(body)
	if err != nil {
		return p.deadletter(ctx, providerName, id.RunID{}, body, fmt.Errorf("webhook: normalize %s callback: %w", providerName, err))
	}

	// Correlation. A task id no run claims is not an error: late callbacks
	// for cancelled or forked runs land here.
	runID, err := p.runs.FindRunByTaskID(ctx, providerName, taskID)
	if err != nil {
		if errors.Is(err, reelpipe.ErrRunNotFound) {
			p.logger.Info("callback ignored: no run for task",
				slog.String("provider", providerName),
				slog.String("task_id", taskID),
			)
			return AckIgnored, nil
		}
		return p.deadletter(ctx, providerName, id.RunID{}, body, fmt.Errorf("webhook: correlate task %s: %w", taskID, err))
	}

	// Progress reports need no state transition.
	if status.State == provider.StateProgress {
		p.logger.Debug("task progress",
			slog.String("provider", providerName),
			slog.String("run_id", runID.String()),
			slog.String("task_id", taskID),
			slog.Float64("progress", status.Progress),
		)
		return AckAccepted, nil
	}

	event := provider.Event{
		Provider:    providerName,
		TaskID:      taskID,
		State:       status.State,
		Progress:    status.Progress,
		ArtifactURL: status.ArtifactURL,
		Error:       status.Error,
	}
	resume, err := json.Marshal(event)
	if err != nil {
		return p.deadletter(ctx, providerName, runID, body, fmt.Errorf("webhook: encode event: %w", err))
	}

	// The suspension always carries exactly one pending interrupt, so the
	// resume needs no explicit interrupt id.
	if _, err := p.machine.Resume(ctx, runID, id.InterruptID{}, resume); err != nil {
		switch {
		case errors.Is(err, reelpipe.ErrRunFailed):
			// The event was consumed; it reported a provider failure and
			// the run is now failed with the error recorded.
			p.logger.Info("callback reported failure, run marked failed",
				slog.String("provider", providerName),
				slog.String("run_id", runID.String()),
			)
			return AckAccepted, nil
		case errors.Is(err, reelpipe.ErrRunCancelled),
			errors.Is(err, reelpipe.ErrNotResumable),
			errors.Is(err, reelpipe.ErrStaleInterrupt):
			p.logger.Info("callback ignored: run not awaiting this event",
				slog.String("provider", providerName),
				slog.String("run_id", runID.String()),
				slog.String("reason", err.Error()),
			)
			return AckIgnored, nil
		}
		return p.deadletter(ctx, providerName, runID, body, err)
	}

	return AckAccepted, nil
}

// Reprocess replays a dead-lettered webhook. It satisfies dlq.Reprocessor.
func (p *Processor) Reprocess(ctx context.Context, entry *dlq.Entry) error {
	providerName, ok := providerFromSource(entry.Source)
	if !ok {
		return fmt.Errorf("webhook: entry %s is not webhook-sourced (source %q)", entry.ID, entry.Source)
	}
	ack, err := p.Deliver(ctx, providerName, entry.Payload)
	if err != nil {
		return err
	}
	if ack == AckDLQ {
		return fmt.Errorf("webhook: replay of entry %s dead-lettered again", entry.ID)
	}
	return nil
}

func (p *Processor) deadletter(ctx context.Context, providerName string, runID id.RunID, body []byte, cause error) (Ack, error) {
	if _, dlqErr := p.deadletters.Push(ctx, "webhook:"+providerName, runID, body, cause, 1); dlqErr != nil {
		p.logger.Error("dead-letter write failed, callback lost",
			slog.String("provider", providerName),
			slog.String("cause", cause.Error()),
			slog.String("error", dlqErr.Error()),
		)
		return AckDLQ, errors.Join(cause, dlqErr)
	}
	return AckDLQ, cause
}

func providerFromSource(source string) (string, bool) {
	const prefix = "webhook:"
	if len(source) > len(prefix) && source[:len(prefix)] == prefix {
		return source[len(prefix):], true
	}
	return "", false
}
