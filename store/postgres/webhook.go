package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/reelpipe/reelpipe"
	"github.com/reelpipe/reelpipe/id"
	"github.com/reelpipe/reelpipe/webhook"
)

// RecordDelivery inserts a delivery record. The unique (provider, key)
// index is the dedupe mechanism: a violation means the webhook was already
// processed.
func (s *Store) RecordDelivery(ctx context.Context, d *webhook.Delivery) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reelpipe_deliveries (id, provider, key, task_id, received_at)
		VALUES ($1, $2, $3, $4, $5)`,
		d.ID.String(), d.Provider, d.Key, d.TaskID, d.ReceivedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return reelpipe.ErrDuplicateDelivery
		}
		return fmt.Errorf("postgres: record delivery: %w", err)
	}
	return nil
}

// GetDelivery returns a recorded delivery by its dedupe key.
func (s *Store) GetDelivery(ctx context.Context, provider, key string) (*webhook.Delivery, error) {
	var (
		d        webhook.Delivery
		dlvIDRaw string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, provider, key, task_id, received_at
		FROM reelpipe_deliveries
		WHERE provider = $1 AND key = $2`,
		provider, key,
	).Scan(&dlvIDRaw, &d.Provider, &d.Key, &d.TaskID, &d.ReceivedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, reelpipe.ErrDeliveryNotFound
		}
		return nil, fmt.Errorf("postgres: get delivery: %w", err)
	}

	if d.ID, err = id.ParseWithPrefix(dlvIDRaw, id.PrefixDelivery); err != nil {
		return nil, fmt.Errorf("postgres: parse delivery id %q: %w", dlvIDRaw, err)
	}
	return &d, nil
}

// PurgeDeliveries removes records received before the cutoff.
func (s *Store) PurgeDeliveries(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM reelpipe_deliveries WHERE received_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: purge deliveries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountDeliveries returns the number of recorded deliveries.
func (s *Store) CountDeliveries(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM reelpipe_deliveries`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count deliveries: %w", err)
	}
	return count, nil
}
