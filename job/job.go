// Package job defines durable lease-based background jobs, their typed
// payloads, the three-way handler result, and the job store contract.
package job

import (
	"time"

	"github.com/reelpipe/reelpipe"
	"github.com/reelpipe/reelpipe/id"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	// StatusPending means the job is waiting to be claimed by a worker.
	StatusPending Status = "pending"
	// StatusRunning means a worker holds a live lease on the job.
	StatusRunning Status = "running"
	// StatusSucceeded means the job finished successfully.
	StatusSucceeded Status = "succeeded"
	// StatusFailed means the job exhausted its attempts budget.
	StatusFailed Status = "failed"
)

// Type is the closed set of job kinds.
type Type string

const (
	// TypeWebhookDelivery processes an offloaded inbound webhook.
	TypeWebhookDelivery Type = "webhook_delivery"
	// TypeVideoPoll polls a generation provider for task completion when
	// the webhook is delayed or lost.
	TypeVideoPoll Type = "video_poll"
	// TypeRenderPoll polls the render provider for completion.
	TypeRenderPoll Type = "render_poll"
	// TypeResumeRun resumes a suspended run in the background.
	TypeResumeRun Type = "resume_run"
)

// Job represents one unit of durable background work. Mutual exclusion is
// guaranteed by the store's lease mechanism: a job may be claimed only while
// no other worker holds a live lease, and every completion call is checked
// against the claiming worker.
type Job struct {
	reelpipe.Entity

	ID             id.JobID    `json:"id"`
	Type           Type        `json:"type"`
	RunID          id.RunID    `json:"run_id,omitempty"`
	Queue          string      `json:"queue"`
	Payload        []byte      `json:"payload"`
	Status         Status      `json:"status"`
	Attempts       int         `json:"attempts"`
	MaxAttempts    int         `json:"max_attempts"`
	LastError      string      `json:"last_error,omitempty"`
	IdempotencyKey string      `json:"idempotency_key"`
	ClaimedBy      id.WorkerID `json:"claimed_by,omitempty"`
	AvailableAt    time.Time   `json:"available_at"`
	LeaseExpiresAt *time.Time  `json:"lease_expires_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
}

// LeaseLive reports whether the job holds a lease that has not expired.
func (j *Job) LeaseLive(now time.Time) bool {
	return j.LeaseExpiresAt != nil && j.LeaseExpiresAt.After(now)
}
