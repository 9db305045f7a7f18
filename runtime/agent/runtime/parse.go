package runtime

import (
	"encoding/json"

	"goa.design/relay/runtime/agent"
	"goa.design/relay/runtime/agent/model"
	"goa.design/relay/runtime/agent/session"
	"goa.design/relay/runtime/agent/tools"
)

type (
	// TurnItem is a classified model output item. The set of implementations
	// is closed: TextMessage, ToolCallItem, HandoffItem and UnsupportedItem.
	TurnItem interface {
		turnItem()
	}

	// TextMessage is assistant text.
	TextMessage struct {
		Text string
	}

	// ToolCallItem is a request to invoke a tool.
	ToolCallItem struct {
		CallID    string
		Name      string
		Arguments string
	}

	// HandoffItem is a request to transfer control to another agent.
	HandoffItem struct {
		CallID string
		Target agent.Ident
	}

	// UnsupportedItem is an output item the loop cannot act on.
	UnsupportedItem struct {
		Type model.ItemType
		Raw  json.RawMessage
	}

	// AgentTurnResult buckets the items of one model response by kind,
	// preserving the order of each bucket.
	AgentTurnResult struct {
		Messages    []TextMessage
		ToolCalls   []ToolCallItem
		Handoffs    []HandoffItem
		Unsupported []UnsupportedItem
	}
)

func (TextMessage) turnItem()     {}
func (ToolCallItem) turnItem()    {}
func (HandoffItem) turnItem()     {}
func (UnsupportedItem) turnItem() {}

// ParseItem classifies a single model output item. Function calls whose name
// carries the handoff prefix are handoffs.
func ParseItem(item model.OutputItem) TurnItem {
	switch item.Type {
	case model.ItemTypeMessage:
		return TextMessage{Text: item.Text}
	case model.ItemTypeFunctionCall:
		if target, ok := tools.ParseHandoff(item.Name); ok {
			return HandoffItem{CallID: item.CallID, Target: target}
		}
		return ToolCallItem{CallID: item.CallID, Name: item.Name, Arguments: item.Arguments}
	default:
		return UnsupportedItem{Type: item.Type, Raw: item.Raw}
	}
}

// Classify parses every item of a model response.
func Classify(items []model.OutputItem) AgentTurnResult {
	var res AgentTurnResult
	for _, it := range items {
		switch v := ParseItem(it).(type) {
		case TextMessage:
			res.Messages = append(res.Messages, v)
		case ToolCallItem:
			res.ToolCalls = append(res.ToolCalls, v)
		case HandoffItem:
			res.Handoffs = append(res.Handoffs, v)
		case UnsupportedItem:
			res.Unsupported = append(res.Unsupported, v)
		}
	}
	return res
}

// Empty reports whether the response carried no items at all.
func (r AgentTurnResult) Empty() bool {
	return len(r.Messages) == 0 && len(r.ToolCalls) == 0 && len(r.Handoffs) == 0 && len(r.Unsupported) == 0
}

// Final reports whether the response ends the turn before any tool runs: text
// only, with nothing left for the loop to act on. Text that comes with tool
// calls ends the turn once they resolve, unless a handoff moves control.
func (r AgentTurnResult) Final() bool {
	return len(r.Messages) > 0 && len(r.ToolCalls) == 0 && len(r.Handoffs) == 0 && len(r.Unsupported) == 0
}

// FinalOutput returns the text of the last message.
func (r AgentTurnResult) FinalOutput() string {
	if len(r.Messages) == 0 {
		return ""
	}
	return r.Messages[len(r.Messages)-1].Text
}

// transcriptItems converts raw model output into session items. Non-text
// items are recorded as their JSON form so the model sees its own calls on
// the next request.
func transcriptItems(items []model.OutputItem) []session.Item {
	out := make([]session.Item, 0, len(items))
	for _, it := range items {
		if it.Type == model.ItemTypeMessage {
			out = append(out, session.AssistantItem(it.Text))
			continue
		}
		raw := it.Raw
		if it.Type == model.ItemTypeFunctionCall || len(raw) == 0 {
			raw, _ = json.Marshal(struct {
				Type      model.ItemType `json:"type"`
				CallID    string         `json:"call_id,omitempty"`
				Name      string         `json:"name,omitempty"`
				Arguments string         `json:"arguments,omitempty"`
			}{it.Type, it.CallID, it.Name, it.Arguments})
		}
		out = append(out, session.AssistantItem(string(raw)))
	}
	return out
}
