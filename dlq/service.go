package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/reelpipe/reelpipe/id"
)

// Reprocessor re-runs a dead-lettered payload. The webhook processor
// satisfies this for webhook-sourced entries.
type Reprocessor func(ctx context.Context, entry *Entry) error

// Service provides high-level dead-letter operations over a Store.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a dead-letter service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Push records an unprocessable event. Push must not fail the caller's
// pipeline: if the dead-letter write itself fails, the error is returned so
// the caller can at least log a final trace.
func (s *Service) Push(ctx context.Context, source string, runID id.RunID, payload []byte, cause error, attempts int) (*Entry, error) {
	now := time.Now().UTC()
	entry := &Entry{
		ID:            id.NewDLQID(),
		Source:        source,
		RunID:         runID,
		Payload:       payload,
		Error:         cause.Error(),
		Attempts:      attempts,
		LastAttemptAt: now,
		CreatedAt:     now,
	}

	if err := s.store.PushDLQ(ctx, entry); err != nil {
		return nil, fmt.Errorf("dlq: push from %s: %w", source, err)
	}

	s.logger.Warn("event dead-lettered",
		slog.String("dlq_id", entry.ID.String()),
		slog.String("source", source),
		slog.String("run_id", runID.String()),
		slog.String("error", cause.Error()),
	)

	return entry, nil
}

// Replay re-runs a dead-lettered entry through the given reprocessor and
// marks it resolved on success.
func (s *Service) Replay(ctx context.Context, entryID id.DLQID, reprocess Reprocessor) error {
	entry, err := s.store.GetDLQ(ctx, entryID)
	if err != nil {
		return fmt.Errorf("dlq: get %s: %w", entryID, err)
	}
	if entry.Resolved() {
		return fmt.Errorf("dlq: entry %s already resolved", entryID)
	}

	if err := reprocess(ctx, entry); err != nil {
		return fmt.Errorf("dlq: replay %s: %w", entryID, err)
	}

	if err := s.store.ResolveDLQ(ctx, entryID); err != nil {
		return fmt.Errorf("dlq: resolve %s: %w", entryID, err)
	}

	s.logger.Info("dead-letter replayed",
		slog.String("dlq_id", entryID.String()),
		slog.String("source", entry.Source),
	)
	return nil
}

// Store returns the underlying store for direct operator access to List,
// Get, Purge, and Count.
func (s *Service) Store() Store { return s.store }
