// Package flow implements the checkpointed workflow state machine that
// coordinates a pipeline run from start to terminal state.
//
// The machine is explicit, not coroutine-based: each state's node is a
// function of the current snapshot that returns a tagged outcome — advance,
// suspend at a named interrupt, or terminate. A checkpoint is persisted
// with every transition, so a suspended run is nothing but durable state at
// rest; it holds no goroutine or connection.
//
// Resuming requires the exact interrupt id minted at suspension. Every
// suspension mints fresh ids, which is what makes resume non-idempotent at
// the engine layer: a second resume against an already-advanced checkpoint
// fails with ErrStaleInterrupt. Idempotence for duplicate webhook delivery
// lives in the webhook package, not here.
//
// Operator recovery (repair, fork, auto-resume) is first-class: see
// Machine.RepairVideos, Machine.RepairRender, Machine.ForkFromClips, and
// Machine.AutoResume.
package flow
