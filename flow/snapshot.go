package flow

import (
	"encoding/json"

	"github.com/reelpipe/reelpipe/id"
	"github.com/reelpipe/reelpipe/run"
)

// Idea is the ideation node's output, held for human approval.
type Idea struct {
	Title    string   `json:"title"`
	Synopsis string   `json:"synopsis,omitempty"`
	Prompts  []string `json:"prompts"`
}

// ClipState tracks one clip generation unit through production.
type ClipState struct {
	TaskID string `json:"task_id,omitempty"`
	Index  int    `json:"index"`
	Count  int    `json:"count"`
	URI    string `json:"uri,omitempty"`
	Done   bool   `json:"done"`
	Error  string `json:"error,omitempty"`
}

// Snapshot is the full serializable state of a run at a checkpoint. Nodes
// receive the current snapshot and mutate it; the machine persists it with
// every transition. Extra carries open fields that have no typed home.
type Snapshot struct {
	RunID  id.RunID        `json:"run_id"`
	Status run.Status      `json:"status"`
	Step   string          `json:"step,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`

	Idea         *Idea       `json:"idea,omitempty"`
	Clips        []ClipState `json:"clips,omitempty"`
	RenderJobID  string      `json:"render_job_id,omitempty"`
	RenderURL    string      `json:"render_url,omitempty"`
	PublishedURL string      `json:"published_url,omitempty"`

	Extra map[string]string `json:"extra,omitempty"`
}

// ClipsDone reports whether every clip has completed.
func (s *Snapshot) ClipsDone() bool {
	if len(s.Clips) == 0 {
		return false
	}
	for _, c := range s.Clips {
		if !c.Done {
			return false
		}
	}
	return true
}

// MissingClips returns the indices of clips that have not completed.
func (s *Snapshot) MissingClips() []int {
	var out []int
	for _, c := range s.Clips {
		if !c.Done {
			out = append(out, c.Index)
		}
	}
	return out
}

// ClipByTaskID returns the clip state for a provider task id.
func (s *Snapshot) ClipByTaskID(taskID string) *ClipState {
	for i := range s.Clips {
		if s.Clips[i].TaskID == taskID {
			return &s.Clips[i]
		}
	}
	return nil
}
