package dlq

import (
	"context"
	"time"

	"github.com/reelpipe/reelpipe/id"
)

// ListOpts controls pagination and filtering for dead-letter list queries.
type ListOpts struct {
	// Limit is the maximum number of entries to return. Zero means no limit.
	Limit int
	// Offset is the number of entries to skip.
	Offset int
	// Source filters by source. Empty means all sources.
	Source string
	// IncludeResolved includes entries an operator has already resolved.
	IncludeResolved bool
}

// Store defines the persistence contract for the dead-letter queue.
type Store interface {
	// PushDLQ adds an entry to the dead-letter queue.
	PushDLQ(ctx context.Context, entry *Entry) error

	// GetDLQ retrieves an entry by ID.
	GetDLQ(ctx context.Context, entryID id.DLQID) (*Entry, error)

	// ListDLQ returns entries matching the given options, newest first.
	ListDLQ(ctx context.Context, opts ListOpts) ([]*Entry, error)

	// ResolveDLQ marks an entry as resolved by an operator.
	ResolveDLQ(ctx context.Context, entryID id.DLQID) error

	// PurgeDLQ removes resolved entries created before the given time.
	// Returns the number of entries removed.
	PurgeDLQ(ctx context.Context, before time.Time) (int64, error)

	// CountDLQ returns the number of unresolved entries.
	CountDLQ(ctx context.Context) (int64, error)
}
