package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type (
	// Processor executes a leased job and returns its result
	Processor interface {
		Process(ctx context.Context, job *Job) (any, error)
	}

	// ProcessorFunc adapts a function to Processor
	ProcessorFunc func(ctx context.Context, job *Job) (any, error)

	// TypedProcessorFunc receives the decoded job payload
	TypedProcessorFunc[T any] func(ctx context.Context, job *Job, payload T) (any, error)
)

func (f ProcessorFunc) Process(ctx context.Context, job *Job) (any, error) {
	return f(ctx, job)
}

// NewTypedProcessor decodes the payload into T before calling fn.
// Payloads that cannot be decoded fail the job without retries.
func NewTypedProcessor[T any](fn TypedProcessorFunc[T]) Processor {
	return ProcessorFunc(func(ctx context.Context, job *Job) (any, error) {
		var payload T
		if len(job.Data) > 0 {
			if err := job.Decode(&payload); err != nil {
				return nil, Unrecoverable(err)
			}
		}
		return fn(ctx, job, payload)
	})
}

// Router dispatches jobs to processors by job name
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Processor
}

// NewRouter creates an empty Router
func NewRouter() *Router {
	return &Router{handlers: make(map[string]Processor)}
}

// Handle registers p for jobs named name, replacing any previous registration
func (r *Router) Handle(name string, p Processor) *Router {
	if name == "" || p == nil {
		return r
	}
	r.mu.Lock()
	r.handlers[name] = p
	r.mu.Unlock()
	return r
}

// HandleFunc registers a function for jobs named name
func (r *Router) HandleFunc(name string, fn func(ctx context.Context, job *Job) (any, error)) *Router {
	return r.Handle(name, ProcessorFunc(fn))
}

// Names returns the registered job names in sorted order
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Process implements Processor. Jobs without a registered processor fail
// immediately since retries cannot help them.
func (r *Router) Process(ctx context.Context, job *Job) (any, error) {
	r.mu.RLock()
	p, ok := r.handlers[job.Name]
	r.mu.RUnlock()

	if !ok {
		return nil, Unrecoverable(fmt.Errorf("%w: %s", ErrHandlerNotFound, job.Name))
	}
	return p.Process(ctx, job)
}
