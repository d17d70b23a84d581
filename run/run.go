// Package run defines pipeline runs, the artifacts they produce, and the
// persistence contract for both.
package run

import (
	"encoding/json"
	"time"

	"github.com/reelpipe/reelpipe"
	"github.com/reelpipe/reelpipe/id"
)

// Status represents the lifecycle state of a pipeline run.
type Status string

const (
	// StatusPending means the run has been created but not started.
	StatusPending Status = "pending"
	// StatusIdeation means the ideation node is executing.
	StatusIdeation Status = "ideation"
	// StatusAwaitingIdeationApproval means the run is suspended on a human
	// approval of the generated idea.
	StatusAwaitingIdeationApproval Status = "awaiting_ideation_approval"
	// StatusProduction means clip generation requests are being submitted.
	StatusProduction Status = "production"
	// StatusAwaitingVideoGeneration means the run is suspended waiting for
	// provider webhooks to report generated clips.
	StatusAwaitingVideoGeneration Status = "awaiting_video_generation"
	// StatusEditing means the editing/render node is executing.
	StatusEditing Status = "editing"
	// StatusAwaitingRender means the run is suspended waiting for the render
	// provider callback.
	StatusAwaitingRender Status = "awaiting_render"
	// StatusAwaitingPublishApproval means the run is suspended on a human
	// approval of the rendered video.
	StatusAwaitingPublishApproval Status = "awaiting_publish_approval"
	// StatusPublishing means the publish node is executing.
	StatusPublishing Status = "publishing"
	// StatusCompleted means the run finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means a node raised and the run stopped with the error
	// recorded.
	StatusFailed Status = "failed"
	// StatusRejected means a human approval was declined.
	StatusRejected Status = "rejected"
	// StatusCancelled means the run was cancelled by an operator. A
	// cancelled run is never auto-resumed by a later webhook.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is an end state. Terminal runs are
// retained for audit, never deleted. Operator repair/fork actions may still
// move a terminal run back to an earlier awaiting state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRejected, StatusCancelled:
		return true
	default:
		return false
	}
}

// Awaiting reports whether the status is a suspension point.
func (s Status) Awaiting() bool {
	switch s {
	case StatusAwaitingIdeationApproval, StatusAwaitingVideoGeneration,
		StatusAwaitingRender, StatusAwaitingPublishApproval:
		return true
	default:
		return false
	}
}

// Run represents a single execution of the content pipeline. Its ID doubles
// as the checkpoint-thread key for the flow engine.
type Run struct {
	reelpipe.Entity

	ID          id.RunID        `json:"id"`
	Project     string          `json:"project"`
	Status      Status          `json:"status"`
	CurrentStep string          `json:"current_step,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	// Artifacts is a denormalized key→value projection of the latest
	// artifact of each type, maintained for fast reads.
	Artifacts   map[string]string `json:"artifacts,omitempty"`
	Error       string            `json:"error,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// SetArtifact records the latest projection value for an artifact type.
func (r *Run) SetArtifact(key, value string) {
	if r.Artifacts == nil {
		r.Artifacts = make(map[string]string)
	}
	r.Artifacts[key] = value
}
