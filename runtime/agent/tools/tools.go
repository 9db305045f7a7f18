// Package tools executes tool calls against registered components and builds
// the tool schemas offered to the model.
//
// A component is an addressable external service exposing named handlers.
// Keyed components behave as virtual objects: calls sharing a (component, key)
// pair never run concurrently within a process.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"goa.design/relay/runtime/agent"
	"goa.design/relay/runtime/agent/internal/keylock"
)

type (
	// Component executes tool invocations.
	Component interface {
		// Invoke runs the handler named by inv.Handler and returns its JSON
		// result. Returning a *toolerrors.ToolError marks the failure as
		// terminal for the call; other errors are retried by the engine.
		Invoke(ctx context.Context, inv Invocation) (json.RawMessage, error)
	}

	// ComponentFunc adapts a function to the Component interface.
	ComponentFunc func(ctx context.Context, inv Invocation) (json.RawMessage, error)

	// Invocation describes a single call to a component handler.
	Invocation struct {
		// Handler names the component operation.
		Handler string
		// Key addresses the keyed component instance. Empty for unkeyed calls.
		Key string
		// Payload is the request payload.
		Payload json.RawMessage
		// SessionID identifies the session the call belongs to.
		SessionID string
		// CallID is the model-assigned tool call id.
		CallID string
	}

	// Registry maps component names to their implementation.
	Registry struct {
		mu         sync.RWMutex
		components map[string]Component

		keys keylock.Locks
	}
)

// ErrUnknownComponent indicates that a call targets an unregistered component.
var ErrUnknownComponent = errors.New("unknown tool component")

// Invoke calls f.
func (f ComponentFunc) Invoke(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	return f(ctx, inv)
}

// NewRegistry returns an empty component registry.
func NewRegistry() *Registry {
	return &Registry{components: make(map[string]Component)}
}

// Register adds a component under name.
func (r *Registry) Register(name string, c Component) error {
	if name == "" {
		return errors.New("component name is required")
	}
	if c == nil {
		return fmt.Errorf("component %q is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.components[name]; dup {
		return fmt.Errorf("component %q already registered", name)
	}
	r.components[name] = c
	return nil
}

// Component returns the component registered under name.
func (r *Registry) Component(name string) (Component, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.components[name]
	return c, ok
}

// Call invokes the handler of target. Calls with a non-empty key are
// serialized per (component, key).
func (r *Registry) Call(ctx context.Context, target agent.Target, inv Invocation) (json.RawMessage, error) {
	c, ok := r.Component(target.Component)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownComponent, target.Component)
	}
	if inv.Handler == "" {
		inv.Handler = target.Handler
	}
	if inv.Key == "" {
		return c.Invoke(ctx, inv)
	}
	release, err := r.keys.Acquire(ctx, target.Component+"\x00"+inv.Key)
	if err != nil {
		return nil, err
	}
	defer release()
	return c.Invoke(ctx, inv)
}
