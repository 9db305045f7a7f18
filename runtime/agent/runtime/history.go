package runtime

import (
	"fmt"

	"goa.design/relay/runtime/agent"
	"goa.design/relay/runtime/agent/model"
	"goa.design/relay/runtime/agent/session"
	"goa.design/relay/runtime/agent/tools"
)

// HandoffInstructions is prepended to the instructions of every agent.
const HandoffInstructions = "# System context\n" +
	"You are one of several cooperating agents. Each agent has its own instructions and tools. " +
	"When another agent is better suited to the request, transfer the conversation to it by calling " +
	"the matching transfer_to_<agent> function. Transfers are invisible to the user: do not mention " +
	"them, and do not announce that you are transferring the conversation.\n\n"

// modelRequest builds the request for the active agent: its instructions, the
// session history bounded by the history limit and the schemas of its tools
// and handoff targets. Unavailable handoff targets are noted in the session
// once per turn and left out of the schema set.
func (t *turn) modelRequest(a agent.Agent) *model.Request {
	var schemas []model.ToolSchema
	for _, d := range a.Tools() {
		schemas = append(schemas, tools.ModelSchema(d))
	}
	for _, id := range a.HandoffTargets() {
		target, ok := t.agents.Get(id)
		if !ok {
			if !t.missing[id] {
				t.missing[id] = true
				t.state.Append(session.SystemItem(fmt.Sprintf("Handoff target %s of agent %s is not available and was skipped.", id, a.ID())))
			}
			continue
		}
		schemas = append(schemas, tools.HandoffSchema(target))
	}
	return &model.Request{
		Instructions: HandoffInstructions + a.Instructions(),
		History:      history(t.state.Items, t.rt.historyLimit),
		Tools:        schemas,
	}
}

// history converts the most recent limit items into model messages. A limit of
// zero or less keeps every item.
func history(items []session.Item, limit int) []model.Message {
	if limit > 0 && len(items) > limit {
		items = items[len(items)-limit:]
	}
	msgs := make([]model.Message, len(items))
	for i, it := range items {
		msgs[i] = model.Message{Role: model.Role(it.Role), Content: it.Content}
	}
	return msgs
}
