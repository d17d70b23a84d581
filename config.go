package reelpipe

import "time"

// Config holds configuration for the Orchestrator.
type Config struct {
	// Concurrency is the maximum number of jobs processed concurrently.
	Concurrency int

	// Queues is the list of queues the worker pool will poll.
	Queues []string

	// PollInterval is how often workers poll for claimable jobs.
	PollInterval time.Duration

	// LeaseDuration is how long a claimed job is owned before its lease
	// expires and another worker may reclaim it.
	LeaseDuration time.Duration

	// LeaseTouchInterval is how often running jobs extend their lease.
	LeaseTouchInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// PollJobHorizon is how long a polling-fallback job may keep
	// rescheduling before it surfaces as a failure.
	PollJobHorizon time.Duration

	// WebhookOffload routes inbound webhook processing through the job
	// queue instead of handling it inline.
	WebhookOffload bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:        10,
		Queues:             []string{"default"},
		PollInterval:       1 * time.Second,
		LeaseDuration:      2 * time.Minute,
		LeaseTouchInterval: 30 * time.Second,
		ShutdownTimeout:    30 * time.Second,
		PollJobHorizon:     6 * time.Hour,
	}
}
