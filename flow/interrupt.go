package flow

import (
	"encoding/json"
	"time"

	"github.com/reelpipe/reelpipe/id"
)

// Interrupt names used by the standard content pipeline. An interrupt name
// identifies what kind of input is awaited; the interrupt id identifies the
// specific suspension instance.
const (
	InterruptIdeationApproval = "ideation_approval"
	InterruptVideoGeneration  = "video_generation"
	InterruptRender           = "render"
	InterruptPublishApproval  = "publish_approval"
)

// Interrupt is one named suspension point awaiting external input. Every
// suspension mints a fresh id; resuming requires presenting that exact id.
type Interrupt struct {
	ID        id.InterruptID  `json:"id"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewInterrupt mints an interrupt with a fresh id. The payload describes
// what input is awaited (e.g. which task ids are outstanding).
func NewInterrupt(name string, payload json.RawMessage) Interrupt {
	return Interrupt{
		ID:        id.NewInterruptID(),
		Name:      name,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}
