package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/conveyorhq/conveyor/pkg/queue"
)

// HandlerFunc executes one job attempt. It receives the full job row and
// returns an optional result blob. Handlers must tolerate repeated
// invocation with the same input; the queue guarantees at-least-once, not
// exactly-once.
type HandlerFunc func(ctx context.Context, job queue.Job) (json.RawMessage, error)

// Registry maps job_type strings to handlers. It is populated at startup
// and read-only afterwards.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register adds a handler for jobType, replacing any previous one.
func (r *Registry) Register(jobType string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = fn
}

// Get retrieves the handler for jobType.
func (r *Registry) Get(jobType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[jobType]
	return fn, ok
}

// Types returns all registered job types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.handlers))
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// RegisterTask registers a typed task using structural typing. The task
// declares the shape of the payload's data field; the wrapper decodes it
// and marshals the returned output.
//
// Example:
//
//	type Resize struct{}
//
//	func (Resize) Name() string { return "resize_image" }
//	func (Resize) Handle(ctx context.Context, job queue.Job, data ResizeParams) (any, error) {
//	    ...
//	}
//
//	worker.RegisterTask(registry, Resize{})
func RegisterTask[P any, T interface {
	Name() string
	Handle(ctx context.Context, job queue.Job, data P) (any, error)
}](r *Registry, task T) {
	r.Register(task.Name(), func(ctx context.Context, job queue.Job) (json.RawMessage, error) {
		var envelope struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(job.Payload, &envelope); err != nil {
			return nil, errors.Join(ErrInvalidPayload, err)
		}

		var data P
		if len(envelope.Data) > 0 {
			if err := json.Unmarshal(envelope.Data, &data); err != nil {
				return nil, errors.Join(ErrInvalidPayload, err)
			}
		}

		out, err := task.Handle(ctx, job, data)
		if err != nil || out == nil {
			return nil, err
		}
		result, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("worker: marshal result: %w", err)
		}
		return result, nil
	})
}
