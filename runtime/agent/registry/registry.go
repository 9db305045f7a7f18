// Package registry holds the process-local, read-only agent registry consumed
// by the orchestration loop. A Registry is constructed once at startup and
// shared by reference; it carries no global state.
package registry

import (
	"errors"
	"fmt"
	"slices"

	"goa.design/relay/runtime/agent"
)

var (
	// ErrDuplicateAgent indicates two agents share the same identifier.
	ErrDuplicateAgent = errors.New("duplicate agent")
	// ErrInvalidAgent indicates an agent definition fails validation.
	ErrInvalidAgent = errors.New("invalid agent")
)

// Registry maps agent identifiers to agent definitions. It is immutable after
// construction and safe for concurrent use.
type Registry struct {
	agents map[agent.Ident]agent.Agent
	order  []agent.Ident
}

// New builds a registry from the given agents. Identifiers must be unique and
// every agent must expose uniquely named tools bound to a component.
func New(agents ...agent.Agent) (*Registry, error) {
	r := &Registry{agents: make(map[agent.Ident]agent.Agent, len(agents))}
	for _, a := range agents {
		if a == nil {
			return nil, fmt.Errorf("%w: nil agent", ErrInvalidAgent)
		}
		id := a.ID()
		if id == "" {
			return nil, fmt.Errorf("%w: empty identifier", ErrInvalidAgent)
		}
		if _, dup := r.agents[id]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateAgent, id)
		}
		if err := validateTools(a); err != nil {
			return nil, err
		}
		r.agents[id] = a
		r.order = append(r.order, id)
	}
	return r, nil
}

// Get returns the agent registered under id. The id is normalized first.
func (r *Registry) Get(id agent.Ident) (agent.Agent, bool) {
	if r == nil {
		return nil, false
	}
	a, ok := r.agents[agent.NewIdent(string(id))]
	return a, ok
}

// IDs returns the registered identifiers in registration order.
func (r *Registry) IDs() []agent.Ident {
	if r == nil {
		return nil
	}
	return slices.Clone(r.order)
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.order)
}

// Subset returns a registry restricted to ids. Identifiers that are not
// registered are dropped. An empty ids list returns r unchanged.
func (r *Registry) Subset(ids []agent.Ident) *Registry {
	if len(ids) == 0 {
		return r
	}
	sub := &Registry{agents: make(map[agent.Ident]agent.Agent, len(ids))}
	for _, id := range ids {
		a, ok := r.Get(id)
		if !ok {
			continue
		}
		if _, dup := sub.agents[a.ID()]; dup {
			continue
		}
		sub.agents[a.ID()] = a
		sub.order = append(sub.order, a.ID())
	}
	return sub
}

func validateTools(a agent.Agent) error {
	seen := make(map[string]struct{})
	for _, t := range a.Tools() {
		name := agent.FormatName(t.Name)
		if name == "" {
			return fmt.Errorf("%w: agent %q has a tool without a name", ErrInvalidAgent, a.ID())
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: agent %q declares tool %q twice", ErrInvalidAgent, a.ID(), name)
		}
		if t.Target.Component == "" {
			return fmt.Errorf("%w: tool %q of agent %q has no target component", ErrInvalidAgent, name, a.ID())
		}
		seen[name] = struct{}{}
	}
	return nil
}
