package queue

import (
	"context"
	"fmt"
	"sync"
)

// HeartbeatFunc extends the caller's lease. Long-running handlers must call
// it periodically (recommended: every third of the visibility timeout).
// Returns ErrLeaseLost once the lease has been reclaimed, at which point the
// handler must abort: its eventual result will be discarded anyway.
type HeartbeatFunc func(ctx context.Context) error

// Handler executes jobs of a single type.
//
// Domain packages implement this interface and register with the Registry;
// the orchestration core stays decoupled from domain logic. Handlers decode
// their own payloads and classify failures by wrapping the taxonomy sentinels
// from the errors package before returning.
type Handler interface {
	// Type returns the job type this handler serves.
	Type() string

	// Handle runs one job attempt. Returning nil acks the job; returning an
	// error nacks it with the error's classification deciding retry vs
	// dead-letter.
	Handle(ctx context.Context, job *Job, heartbeat HeartbeatFunc) error
}

// Registry maps job types to handlers.
// Thread-safe for concurrent registration and lookup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler under its job type.
// Panics if a handler is already registered for that type.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	jobType := h.Type()
	if _, exists := r.handlers[jobType]; exists {
		panic(fmt.Sprintf("handler already registered for job type: %s", jobType))
	}
	r.handlers[jobType] = h
}

// Get retrieves the handler for a job type, or nil if none is registered.
func (r *Registry) Get(jobType string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[jobType]
}

// Has checks if a handler is registered for a job type.
func (r *Registry) Has(jobType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[jobType]
	return exists
}

// Types returns all registered job types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}
