package run

import (
	"time"

	"github.com/reelpipe/reelpipe/id"
)

// ArtifactType is the closed set of artifact kinds a run may produce.
type ArtifactType string

const (
	// ArtifactIdea is an ideation result awaiting approval.
	ArtifactIdea ArtifactType = "idea"
	// ArtifactScript is the approved script/prompt set for production.
	ArtifactScript ArtifactType = "script"
	// ArtifactClip is one generated video clip.
	ArtifactClip ArtifactType = "clip"
	// ArtifactClipManifest indexes provider task ids to clip metadata. It is
	// the correlation table for inbound webhooks, not a content payload.
	ArtifactClipManifest ArtifactType = "clip_manifest"
	// ArtifactGenRequest stores the exact outbound generation request so a
	// partial failure can be repaired by resubmitting only the missing
	// clips without re-deriving prompts.
	ArtifactGenRequest ArtifactType = "gen_request"
	// ArtifactRenderRequest stores the outbound render request.
	ArtifactRenderRequest ArtifactType = "render_request"
	// ArtifactRenderedVideo is the final rendered video.
	ArtifactRenderedVideo ArtifactType = "rendered_video"
	// ArtifactPublished records the published URL.
	ArtifactPublished ArtifactType = "published"
	// ArtifactApproval records a human approval or rejection.
	ArtifactApproval ArtifactType = "approval"
	// ArtifactError records a failure for the audit trail.
	ArtifactError ArtifactType = "error"
)

// Meta carries typed artifact metadata. Provider-specific fields that have
// no typed home go in Extra.
type Meta struct {
	// Provider is the logical external component that produced the artifact.
	Provider string `json:"provider,omitempty"`
	// TaskID is the provider-assigned task identifier, when known.
	TaskID string `json:"task_id,omitempty"`
	// Index is the position of this unit within its batch (e.g. clip 2).
	Index int `json:"index,omitempty"`
	// Count is the total number of units in the batch (e.g. of 12).
	Count int `json:"count,omitempty"`
	// Step is the pipeline stage that produced the artifact.
	Step string `json:"step,omitempty"`
	// Extra holds open provider-specific metadata.
	Extra map[string]string `json:"extra,omitempty"`
}

// Artifact is one immutable fact produced during a run. Artifacts are
// append-only and ordered by CreatedAt; the latest artifact of a type for a
// run is determined by that order.
type Artifact struct {
	ID        id.ArtifactID `json:"id"`
	RunID     id.RunID      `json:"run_id"`
	Persona   string        `json:"persona,omitempty"`
	Type      ArtifactType  `json:"type"`
	Content   []byte        `json:"content,omitempty"`
	URI       string        `json:"uri,omitempty"`
	Meta      Meta          `json:"meta"`
	CreatedAt time.Time     `json:"created_at"`
}

// ManifestEntry is one row of a clip manifest: the mapping from a provider
// task id to the clip it will produce.
type ManifestEntry struct {
	TaskID string `json:"task_id"`
	Index  int    `json:"index"`
	Count  int    `json:"count"`
	Prompt string `json:"prompt,omitempty"`
}

// Latest returns the most recent artifact of the given type, or nil.
// Artifacts must be in creation order, as returned by Store.ListArtifacts.
func Latest(artifacts []*Artifact, t ArtifactType) *Artifact {
	for i := len(artifacts) - 1; i >= 0; i-- {
		if artifacts[i].Type == t {
			return artifacts[i]
		}
	}
	return nil
}

// OfType returns all artifacts of the given type in creation order.
func OfType(artifacts []*Artifact, t ArtifactType) []*Artifact {
	out := make([]*Artifact, 0, len(artifacts))
	for _, a := range artifacts {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}
