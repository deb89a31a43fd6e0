// Package handlers defines the node handler capability and the registry that
// maps a node's declared handler name to an implementation. Two handler kinds
// exist behind the one interface: deterministic transformations of run
// context, and model-backed decision handlers.
package handlers

import (
	"context"
	"fmt"
	"sort"

	"buildtriage/backend/pkg/models"
)

// Request carries everything a handler may read for one invocation. Handlers
// must not mutate Context; they return an output map that the engine merges
// into the run context.
type Request struct {
	Node    models.Node
	Context map[string]any
	Prompt  string // rendered prompt text, empty when the node declares none
}

// Handler executes one node step.
type Handler interface {
	Invoke(ctx context.Context, req Request) (map[string]any, error)
}

// Func adapts a plain function to the Handler interface.
type Func func(ctx context.Context, req Request) (map[string]any, error)

// Invoke calls f.
func (f Func) Invoke(ctx context.Context, req Request) (map[string]any, error) {
	return f(ctx, req)
}

// Registry maps handler names to implementations. Registration is a
// single-writer phase at process start; once runs begin the registry is
// read-only and safe to share.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a named handler. Duplicate names are rejected.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return fmt.Errorf("handler name must not be empty")
	}
	if h == nil {
		return fmt.Errorf("handler %q must not be nil", name)
	}
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("handler %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// Resolve returns the handler registered under name.
func (r *Registry) Resolve(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.handlers[name]
	return ok
}

// Names lists registered handler names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
