// Package reelpipe provides a durable orchestration engine for multi-stage,
// long-running content-generation pipelines (ideation, asset generation,
// editing and rendering, publishing) where every stage is fulfilled by an
// external asynchronous provider and may take minutes to hours.
//
// Reelpipe is designed as a library, not a service. Import it, configure a
// store, register providers and job handlers, and drive runs from your own
// API layer.
//
// # Quick Start
//
//	o, err := reelpipe.New(
//	    reelpipe.WithStore(pgStore),
//	    reelpipe.WithConcurrency(20),
//	)
//
// # Architecture
//
// Reelpipe follows a composable store pattern where each subsystem (run,
// job, dlq, flow, webhook) defines its own store interface. A single
// backend implements all of them.
//
// The engine itself is an explicit checkpointed state machine: a suspended
// run holds no goroutine or connection, only durable state. External
// provider callbacks are ingested by the webhook pipeline, deduplicated,
// correlated back to their run, and translated into addressed resume calls.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package reelpipe
