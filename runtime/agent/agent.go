package agent

import (
	"encoding/json"
	"slices"
)

type (
	// Agent is the capability interface the orchestration loop consumes. Agents
	// are immutable once registered: every method must return the same value for
	// the lifetime of the registry.
	Agent interface {
		// ID returns the normalized agent identifier.
		ID() Ident
		// Instructions returns the system instructions sent with every model call.
		Instructions() string
		// Tools returns the tool descriptors offered to the model.
		Tools() []ToolDescriptor
		// HandoffTargets returns the agents this agent may transfer control to.
		HandoffTargets() []Ident
		// HandoffDescription describes when other agents should hand off to
		// this agent. It becomes the description of the handoff pseudo-tool.
		HandoffDescription() string
	}

	// Definition is the concrete Agent used by the registry and YAML loader.
	Definition struct {
		// Name is the identifier of the agent. It is normalized with FormatName.
		Name Ident
		// Prompt holds the agent instructions.
		Prompt string
		// Description is used as the handoff pseudo-tool description.
		Description string
		// ToolSet lists the tools the agent can call.
		ToolSet []ToolDescriptor
		// Handoffs lists the agents control may be transferred to.
		Handoffs []Ident
	}

	// ToolDescriptor describes a tool exposed to the model and the component
	// that executes it.
	//
	// Contract:
	//   - Keyed tools require a non-empty key on every call; calls without one
	//     are rejected before dispatch.
	//   - Schedulable tools accept a delay; a call carrying a delay is
	//     dispatched without awaiting its result.
	//   - Tools requiring approval are gated by a human decision before
	//     dispatch.
	ToolDescriptor struct {
		// Name is the identifier offered to the model. It is normalized with
		// FormatName.
		Name string
		// Target identifies the component and handler executing the tool.
		Target Target
		// Keyed reports whether the target is an addressable keyed component.
		Keyed bool
		// Schedulable reports whether the tool accepts a delay.
		Schedulable bool
		// RequiresApproval gates each call on a human decision.
		RequiresApproval bool
		// InputSchema is the JSON schema of the request payload. Nil means any
		// JSON value is accepted.
		InputSchema json.RawMessage
		// Description is the human-readable description shown to the model.
		Description string
	}

	// Target identifies a handler on a registered tool component.
	Target struct {
		// Component is the name of the component registered with the tool
		// registry.
		Component string
		// Handler names the operation invoked on the component.
		Handler string
	}
)

// ID returns the normalized agent identifier.
func (d *Definition) ID() Ident { return NewIdent(string(d.Name)) }

// Instructions returns the agent prompt.
func (d *Definition) Instructions() string { return d.Prompt }

// Tools returns a copy of the agent tool descriptors.
func (d *Definition) Tools() []ToolDescriptor { return slices.Clone(d.ToolSet) }

// HandoffTargets returns the normalized handoff target identifiers.
func (d *Definition) HandoffTargets() []Ident {
	out := make([]Ident, 0, len(d.Handoffs))
	for _, h := range d.Handoffs {
		out = append(out, NewIdent(string(h)))
	}
	return out
}

// HandoffDescription returns the description used for the handoff pseudo-tool.
func (d *Definition) HandoffDescription() string { return d.Description }

// Tool returns the descriptor with the given name, if any.
func Tool(a Agent, name string) (ToolDescriptor, bool) {
	name = FormatName(name)
	for _, t := range a.Tools() {
		if FormatName(t.Name) == name {
			return t, true
		}
	}
	return ToolDescriptor{}, false
}

// String returns "component/handler".
func (t Target) String() string {
	if t.Handler == "" {
		return t.Component
	}
	return t.Component + "/" + t.Handler
}
