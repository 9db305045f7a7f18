package runtime

import (
	"fmt"

	"goa.design/relay/runtime/agent"
	"goa.design/relay/runtime/agent/registry"
	"goa.design/relay/runtime/agent/session"
)

// resolveHandoffs applies at most one handoff from a model response. Only the
// first command is considered; every other command is ignored with a note.
// When the first target is unknown the active agent is unchanged and the note
// lists the available agents.
func resolveHandoffs(agents *registry.Registry, handoffs []HandoffItem) (next agent.Ident, notes []session.Item, applied bool) {
	for i, h := range handoffs {
		if i > 0 {
			notes = append(notes, session.SystemItem(fmt.Sprintf("Ignored handoff to %s: only one handoff is applied per turn.", h.Target)))
			continue
		}
		target, ok := agents.Get(h.Target)
		if !ok {
			notes = append(notes, session.SystemItem(agentNotFoundText(h.Target, agents.IDs())))
			continue
		}
		next, applied = target.ID(), true
		notes = append(notes, session.SystemItem(fmt.Sprintf("Transferred to %s.", next)))
	}
	return next, notes, applied
}
