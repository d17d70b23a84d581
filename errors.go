package reelpipe

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("reelpipe: no store configured")
	ErrStoreClosed = errors.New("reelpipe: store closed")

	// Not found errors.
	ErrRunNotFound      = errors.New("reelpipe: run not found")
	ErrJobNotFound      = errors.New("reelpipe: job not found")
	ErrArtifactNotFound = errors.New("reelpipe: artifact not found")
	ErrDLQNotFound      = errors.New("reelpipe: dlq entry not found")
	ErrDeliveryNotFound = errors.New("reelpipe: webhook delivery not found")
	ErrNoCheckpoint     = errors.New("reelpipe: no checkpoint for run")

	// Conflict errors.
	ErrDuplicateJob      = errors.New("reelpipe: job with idempotency key already scheduled")
	ErrDuplicateDelivery = errors.New("reelpipe: webhook delivery already recorded")

	// Lease errors.
	ErrLeaseLost = errors.New("reelpipe: lease no longer held by this worker")

	// State machine errors.
	ErrInvalidTransition  = errors.New("reelpipe: invalid run state transition")
	ErrStaleInterrupt     = errors.New("reelpipe: interrupt id is unknown or already consumed")
	ErrInterruptAmbiguous = errors.New("reelpipe: multiple interrupts pending, resume must be addressed")
	ErrNotResumable       = errors.New("reelpipe: run is not resumable from its current state")
	ErrRunCancelled       = errors.New("reelpipe: run is cancelled")
	// ErrRunFailed marks errors returned after a node failure was fully
	// recorded: the input was consumed and the run is in failed status.
	ErrRunFailed = errors.New("reelpipe: run failed")

	// Resilience errors.
	ErrCircuitOpen  = errors.New("reelpipe: circuit open")
	ErrHostBlocked  = errors.New("reelpipe: host not allowed for outbound fetch")
	ErrPollDeadline = errors.New("reelpipe: poll deadline exceeded without completion")
)
