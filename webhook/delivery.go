package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/reelpipe/reelpipe/id"
)

// Delivery is the idempotency record for one inbound webhook. Recording a
// delivery whose key already exists fails with ErrDuplicateDelivery, which
// is how replays and provider retries collapse into a single processing.
type Delivery struct {
	ID         id.DeliveryID `json:"id"`
	Provider   string        `json:"provider"`
	Key        string        `json:"key"`
	TaskID     string        `json:"task_id,omitempty"`
	ReceivedAt time.Time     `json:"received_at"`
}

// Store persists delivery records. The (provider, key) pair is unique.
type Store interface {
	// RecordDelivery inserts a delivery record. It returns
	// ErrDuplicateDelivery when the (provider, key) pair was already
	// recorded.
	RecordDelivery(ctx context.Context, d *Delivery) error

	// GetDelivery returns a recorded delivery by its dedupe key.
	GetDelivery(ctx context.Context, provider, key string) (*Delivery, error)

	// PurgeDeliveries removes records received before the cutoff and
	// returns how many were removed.
	PurgeDeliveries(ctx context.Context, before time.Time) (int, error)

	// CountDeliveries returns the number of recorded deliveries.
	CountDeliveries(ctx context.Context) (int, error)
}

// DedupeKey derives the delivery idempotency key. A provider-supplied
// request id wins when present; otherwise the key is a digest of the raw
// body, so byte-identical retries collapse regardless of headers.
func DedupeKey(requestID string, body []byte) string {
	if requestID != "" {
		return requestID
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
