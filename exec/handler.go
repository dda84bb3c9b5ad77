// Package exec runs claimed tasks: it resolves entrypoints against a handler
// registry, materializes parameters, captures output to per-task log files,
// and writes the terminal status back to the store.
package exec

import (
	"context"
	"io"
	"sync"

	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/model"
)

// Call carries everything a handler needs for one task execution.
type Call struct {
	// Task is the claimed task record. Handlers read it; the engine owns
	// all status transitions.
	Task *model.Task

	// Params holds the materialized native parameter values, decoded from
	// the task's stored parameter map.
	Params map[string]any

	// Output receives anything the handler wants captured in the task's
	// log file. It is also mirrored to the worker's stderr.
	Output io.Writer
}

// Handler executes tasks for one entrypoint name. Domain packages implement
// this; the engine routes by entrypoint without knowing domain details.
//
// Handlers must honor ctx cancellation and return promptly when it fires.
// The returned value, if non-nil, is recorded as the task result.
type Handler interface {
	Execute(ctx context.Context, call *Call) (any, error)

	// Name returns the entrypoint this handler serves
	// (e.g. "data.import", "report.render").
	Name() string
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc struct {
	Entrypoint string
	Fn         func(ctx context.Context, call *Call) (any, error)
}

func (h HandlerFunc) Execute(ctx context.Context, call *Call) (any, error) {
	return h.Fn(ctx, call)
}

func (h HandlerFunc) Name() string { return h.Entrypoint }

// Registry maps entrypoint names to handlers. Safe for concurrent
// registration and lookup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler under its entrypoint name.
// Panics if the entrypoint is already registered: duplicate registration is
// a programming error, not a runtime condition.
func (r *Registry) Register(handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := handler.Name()
	if _, exists := r.handlers[name]; exists {
		panic("handler already registered for entrypoint: " + name)
	}
	r.handlers[name] = handler
}

// RegisterFunc registers a plain function under an entrypoint name.
func (r *Registry) RegisterFunc(entrypoint string, fn func(ctx context.Context, call *Call) (any, error)) {
	r.Register(HandlerFunc{Entrypoint: entrypoint, Fn: fn})
}

// Get retrieves the handler for an entrypoint, or an error when none is
// registered.
func (r *Registry) Get(entrypoint string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[entrypoint]
	if !ok {
		return nil, errors.Newf("no handler registered for entrypoint %q", entrypoint)
	}
	return handler, nil
}

// Has checks whether an entrypoint is registered.
func (r *Registry) Has(entrypoint string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[entrypoint]
	return ok
}

// Names returns all registered entrypoint names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
