package job

import (
	"context"
	"sync"
)

// Handler processes a claimed job and returns an explicit three-way Result.
type Handler func(ctx context.Context, j *Job) Result

// Registry maps job types to their handlers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Type]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Type]Handler)}
}

// Register associates a handler with a job type, replacing any previous
// registration.
func (r *Registry) Register(t Type, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// Get returns the handler for a job type.
func (r *Registry) Get(t Type) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

// Types returns all registered job types.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Type, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

// RegisterTyped registers a handler that receives the decoded payload for
// its job type. A payload that fails to decode is a validation error and
// fails the job without consuming a retry on a later attempt (the payload
// will never decode differently).
func RegisterTyped[T any](r *Registry, t Type, h func(ctx context.Context, j *Job, payload T) Result) {
	r.Register(t, func(ctx context.Context, j *Job) Result {
		payload, err := UnmarshalPayload[T](j.Payload)
		if err != nil {
			return Failure(err)
		}
		return h(ctx, j, payload)
	})
}
