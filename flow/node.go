package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/reelpipe/reelpipe/run"
)

// Env holds the services available to nodes. Everything else a node needs
// (providers, breakers, caches) is captured in its closure at graph
// construction time — no global state.
type Env struct {
	Runs   run.Store
	Logger *slog.Logger
}

// OutcomeKind tags a node outcome.
type OutcomeKind int

const (
	// KindAdvance moves the run to the next state and keeps executing.
	KindAdvance OutcomeKind = iota
	// KindSuspend checkpoints the run at an awaiting state with pending
	// interrupts and returns control to the caller.
	KindSuspend
	// KindTerminal ends the run at a terminal state.
	KindTerminal
)

// Outcome is the tagged result of a node: advance, suspend awaiting
// external input, or terminate.
type Outcome struct {
	Kind       OutcomeKind
	Next       run.Status
	Interrupts []Interrupt
}

// Advance moves the run to the next state.
func Advance(next run.Status) Outcome {
	return Outcome{Kind: KindAdvance, Next: next}
}

// Suspend checkpoints the run at the awaiting state with the given pending
// interrupts.
func Suspend(at run.Status, interrupts ...Interrupt) Outcome {
	return Outcome{Kind: KindSuspend, Next: at, Interrupts: interrupts}
}

// Complete ends the run successfully.
func Complete() Outcome {
	return Outcome{Kind: KindTerminal, Next: run.StatusCompleted}
}

// Reject ends the run as rejected (human approval declined).
func Reject() Outcome {
	return Outcome{Kind: KindTerminal, Next: run.StatusRejected}
}

// Node executes one state's work against the snapshot and returns a tagged
// outcome. A node error marks the run failed with the error recorded.
type Node func(ctx context.Context, env *Env, snap *Snapshot) (Outcome, error)

// ResumeNode re-enters the graph at an awaiting state when its interrupt is
// resumed, applying the resume payload to the snapshot.
type ResumeNode func(ctx context.Context, env *Env, snap *Snapshot, resume json.RawMessage) (Outcome, error)

// Graph maps run statuses to their handlers.
type Graph struct {
	nodes   map[run.Status]Node
	resumes map[run.Status]ResumeNode
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:   make(map[run.Status]Node),
		resumes: make(map[run.Status]ResumeNode),
	}
}

// Handle registers the node executed when a run reaches status.
func (g *Graph) Handle(status run.Status, n Node) *Graph {
	g.nodes[status] = n
	return g
}

// HandleResume registers the handler applied when a run suspended at the
// awaiting status is resumed.
func (g *Graph) HandleResume(status run.Status, n ResumeNode) *Graph {
	g.resumes[status] = n
	return g
}

// Node returns the node for a status.
func (g *Graph) Node(status run.Status) (Node, error) {
	n, ok := g.nodes[status]
	if !ok {
		return nil, fmt.Errorf("flow: no node for status %q", status)
	}
	return n, nil
}

// Resume returns the resume handler for an awaiting status.
func (g *Graph) Resume(status run.Status) (ResumeNode, error) {
	n, ok := g.resumes[status]
	if !ok {
		return nil, fmt.Errorf("flow: no resume handler for status %q", status)
	}
	return n, nil
}
