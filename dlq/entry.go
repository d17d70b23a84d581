// Package dlq provides the dead-letter store for events that could not be
// durably processed. Dead letters are never silently dropped; they stay
// queryable until an operator resolves or replays them.
package dlq

import (
	"time"

	"github.com/reelpipe/reelpipe/id"
)

// Entry records one event that could not be processed: a webhook whose
// handling hit a storage or processing failure, or a job that exhausted its
// attempts budget.
type Entry struct {
	ID id.DLQID `json:"id"`
	// Source names the origin of the dead-lettered event, e.g.
	// "webhook:sora" or "job:video_poll".
	Source        string     `json:"source"`
	RunID         id.RunID   `json:"run_id,omitempty"`
	Payload       []byte     `json:"payload"`
	Error         string     `json:"error"`
	Attempts      int        `json:"attempts"`
	LastAttemptAt time.Time  `json:"last_attempt_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Resolved reports whether an operator has resolved this entry.
func (e *Entry) Resolved() bool { return e.ResolvedAt != nil }
