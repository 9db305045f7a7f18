package tools

import (
	"strings"

	"goa.design/relay/runtime/agent"
)

// HandoffPrefix prefixes the name of the pseudo-tools the runtime offers for
// transferring control to another agent. Names with this prefix are reserved:
// a model call to one is always treated as a handoff, even when the target is
// not a known agent.
const HandoffPrefix = "transfer_to_"

// HandoffToolName returns the pseudo-tool name transferring control to target.
func HandoffToolName(target agent.Ident) string {
	return HandoffPrefix + string(target)
}

// ParseHandoff returns the target agent of a handoff pseudo-tool name.
func ParseHandoff(name string) (agent.Ident, bool) {
	rest, ok := strings.CutPrefix(name, HandoffPrefix)
	if !ok || rest == "" {
		return "", false
	}
	return agent.NewIdent(rest), true
}
