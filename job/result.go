package job

import "time"

// Outcome is the kind of a handler Result.
type Outcome int

const (
	// OutcomeSuccess means the job completed and should be marked succeeded.
	OutcomeSuccess Outcome = iota
	// OutcomeReschedule means the job is working correctly but must run
	// again later (polling). A reschedule does not consume the attempts
	// budget; polling may legitimately run for hours.
	OutcomeReschedule
	// OutcomeFailure means the job failed. Failures consume the attempts
	// budget and eventually finalize the job as failed.
	OutcomeFailure
)

// Result is the three-way outcome returned by job handlers. Control flow is
// never inferred from error types: a handler states explicitly whether it
// succeeded, needs to run again, or failed.
type Result struct {
	Outcome Outcome
	// Delay is the reschedule delay. Only meaningful for OutcomeReschedule.
	Delay time.Duration
	// Err is the causal error. Only meaningful for OutcomeFailure.
	Err error
}

// Success returns a successful Result.
func Success() Result {
	return Result{Outcome: OutcomeSuccess}
}

// Reschedule returns a Result that re-runs the job after delay without
// consuming the attempts budget.
func Reschedule(delay time.Duration) Result {
	return Result{Outcome: OutcomeReschedule, Delay: delay}
}

// Failure returns a failed Result carrying the causal error.
func Failure(err error) Result {
	return Result{Outcome: OutcomeFailure, Err: err}
}
