// Package store defines the aggregate persistence interface. Each subsystem
// (run, job, flow, dlq, webhook) defines its own store interface; the
// composite Store composes them all. Backends: Postgres and Memory.
package store

import (
	"context"

	"github.com/reelpipe/reelpipe/dlq"
	"github.com/reelpipe/reelpipe/flow"
	"github.com/reelpipe/reelpipe/job"
	"github.com/reelpipe/reelpipe/run"
	"github.com/reelpipe/reelpipe/webhook"
)

// Store is the aggregate persistence interface. Each subsystem store is a
// composable interface; a single backend implements all of them so the
// queue's claims and the run store's writes share one transactional
// substrate.
type Store interface {
	run.Store
	job.Store
	flow.Store
	dlq.Store
	webhook.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
