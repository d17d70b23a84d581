package job

import (
	"encoding/json"
	"fmt"
	"time"
)

// Each job Type has its own typed payload schema. Payloads are serialized
// as JSON on Job.Payload; the Extra map carries provider-specific fields
// that have no typed home.

// WebhookDeliveryPayload carries an offloaded inbound webhook: the
// normalized callback exactly as the ingestion surface received it.
type WebhookDeliveryPayload struct {
	Provider  string            `json:"provider"`
	RequestID string            `json:"request_id"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      []byte            `json:"body"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// VideoPollPayload drives the polling fallback for clip generation.
type VideoPollPayload struct {
	Provider string            `json:"provider"`
	TaskID   string            `json:"task_id"`
	Index    int               `json:"index"`
	Count    int               `json:"count"`
	Deadline time.Time         `json:"deadline"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// RenderPollPayload drives the polling fallback for rendering.
type RenderPollPayload struct {
	Provider string            `json:"provider"`
	JobID    string            `json:"job_id"`
	Deadline time.Time         `json:"deadline"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// ResumeRunPayload resumes a suspended run in the background.
type ResumeRunPayload struct {
	InterruptID string            `json:"interrupt_id"`
	Resume      json.RawMessage   `json:"resume,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// MarshalPayload serializes a typed payload for storage on a Job.
func MarshalPayload(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("job: marshal payload %T: %w", v, err)
	}
	return data, nil
}

// UnmarshalPayload deserializes a Job payload into the typed form for its
// job type. T must match the job's Type; mixing them is a programming error
// surfaced as a decode failure.
func UnmarshalPayload[T any](data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("job: unmarshal payload into %T: %w", v, err)
	}
	return v, nil
}
