// Package provider defines the adapter contracts for external asynchronous
// providers (video generation, rendering, publishing) and the HMAC schemes
// used to verify their webhook signatures. Concrete adapters live with the
// consuming application; this package fixes only the surface the engine
// depends on.
package provider

import (
	"context"
	"encoding/json"
)

// TaskState is the normalized provider task vocabulary. Provider-specific
// success/failure/progress words are mapped into these three.
type TaskState string

const (
	// StateGenerated means the task completed and produced an artifact.
	StateGenerated TaskState = "generated"
	// StateError means the task failed.
	StateError TaskState = "error"
	// StateProgress means the task was accepted or is still in progress.
	StateProgress TaskState = "progress"
)

// SubmitResult is the provider's acknowledgment of an asynchronous request.
type SubmitResult struct {
	// TaskID identifies the accepted unit of work at the provider.
	TaskID string
	// Raw is the full provider response for artifact storage.
	Raw map[string]any
}

// Status is a provider's report on an asynchronous task.
type Status struct {
	State TaskState
	// Progress is a provider-reported completion fraction in [0,1], when
	// available.
	Progress float64
	// ArtifactURL locates the produced artifact when State is generated.
	ArtifactURL string
	// Error is the provider failure message when State is error.
	Error string
}

// Event is a fully normalized callback: the task it concerns and its
// status flattened into one serializable message. The webhook pipeline and
// the polling fallback both produce Events; resume handlers consume them.
type Event struct {
	Provider    string    `json:"provider"`
	TaskID      string    `json:"task_id"`
	State       TaskState `json:"state"`
	Progress    float64   `json:"progress,omitempty"`
	ArtifactURL string    `json:"artifact_url,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Submitter submits asynchronous work to a provider.
type Submitter interface {
	// Submit sends one request and returns the provider task id.
	Submit(ctx context.Context, params map[string]any) (*SubmitResult, error)
}

// StatusPoller reports on an in-flight task. Implemented by providers that
// support polling as a webhook fallback.
type StatusPoller interface {
	// GetStatus returns the current status for a task id.
	GetStatus(ctx context.Context, taskID string) (*Status, error)
}

// SignatureVerifier verifies a webhook body against a provider signature.
type SignatureVerifier interface {
	// VerifySignature reports whether signature authenticates body.
	VerifySignature(body []byte, signature string) bool
}

// StateNormalizer translates a provider callback payload into the
// normalized task vocabulary. Implemented per provider because callback
// shapes vary.
type StateNormalizer interface {
	// NormalizeCallback extracts (task id, status) from a raw callback body.
	NormalizeCallback(body json.RawMessage) (taskID string, status *Status, err error)
}

// Adapter is the full provider surface. Individual components depend on
// the narrow interfaces above; Adapter is what gets registered.
type Adapter interface {
	Submitter
	SignatureVerifier
	StateNormalizer

	// Name returns the provider's registry key, e.g. "sora" or "shotstack".
	Name() string
}
