package runtime

import (
	"fmt"
	"time"

	"goa.design/relay/runtime/agent"
	"goa.design/relay/runtime/agent/api"
	"goa.design/relay/runtime/agent/approval"
	"goa.design/relay/runtime/agent/engine"
	"goa.design/relay/runtime/agent/session"
	"goa.design/relay/runtime/agent/stream"
	"goa.design/relay/runtime/agent/tools"
)

// slot is the result position of one tool call. Exactly one of text and fut
// is set once dispatch completes.
type slot struct {
	name string
	text string
	fut  engine.Future[*api.ToolActivityOutput]
}

// invokeTools executes the tool calls of one model response and returns one
// system item per call, in call order. Calls without a delay run concurrently
// and are joined; calls with a delay are dispatched without waiting. Invalid
// calls are answered with a soft error and never attempted. The only errors
// returned are terminal approval failures and cancellation.
func (t *turn) invokeTools(a agent.Agent, calls []ToolCallItem) ([]session.Item, error) {
	slots := make([]slot, len(calls))
	for i, c := range calls {
		slots[i].name = c.Name
		call, desc, soft := t.prepareCall(a, c)
		if soft != "" {
			t.log.Warn(t.ctx, "tool call rejected", "agent", a.ID(), "tool", c.Name, "reason", soft)
			slots[i].text = soft
			continue
		}
		if desc.RequiresApproval {
			outcome, err := t.requestApproval(desc, call)
			if err != nil {
				return nil, err
			}
			switch outcome {
			case approval.Rejected:
				slots[i].text = fmt.Sprintf("Tool %s was rejected by a human reviewer.", c.Name)
				continue
			case approval.TimedOut:
				slots[i].text = fmt.Sprintf("Approval for tool %s timed out.", c.Name)
				continue
			}
		}
		input := &api.ToolActivityInput{
			SessionID: t.in.SessionID,
			TurnID:    t.in.TurnID,
			CallID:    call.ID,
			Tool:      desc.Name,
			Target:    desc.Target,
			Key:       call.Key,
			Payload:   call.Payload,
		}
		if call.Scheduled() {
			slots[i].text = t.schedule(call, input)
			continue
		}
		fut, err := t.wf.ExecuteToolActivityAsync(t.ctx, engine.ToolActivityCall{Name: ToolActivity, Input: input})
		if err != nil {
			slots[i].text = failedText(c.Name, err.Error())
			continue
		}
		slots[i].fut = fut
	}

	var (
		pending []int
		futures []engine.Future[*api.ToolActivityOutput]
	)
	for i := range slots {
		if slots[i].fut != nil {
			pending = append(pending, i)
			futures = append(futures, slots[i].fut)
		}
	}
	for j, res := range engine.JoinAll(t.ctx, futures) {
		s := &slots[pending[j]]
		switch {
		case res.Err != nil && t.canceled(res.Err):
			return nil, res.Err
		case res.Err != nil:
			s.text = failedText(s.name, res.Err.Error())
		case res.Value != nil && res.Value.Error != nil:
			s.text = failedText(s.name, res.Value.Error.Error())
		case res.Value != nil:
			s.text = fmt.Sprintf("Tool %s result: %s", s.name, string(res.Value.Result))
		default:
			s.text = fmt.Sprintf("Tool %s result: null", s.name)
		}
	}
	items := make([]session.Item, len(slots))
	for i, s := range slots {
		items[i] = session.SystemItem(s.text)
		t.emit(stream.EventToolResult, map[string]string{"call_id": calls[i].CallID, "tool": s.name, "result": s.text})
	}
	return items, nil
}

// prepareCall validates a tool call against the active agent. It returns a
// non-empty soft error text when the call must not be attempted.
func (t *turn) prepareCall(a agent.Agent, c ToolCallItem) (api.ToolCall, agent.ToolDescriptor, string) {
	desc, ok := agent.Tool(a, c.Name)
	if !ok {
		return api.ToolCall{}, desc, fmt.Sprintf("This agent does not have access to this tool: %s. Use another tool or handoff.", c.Name)
	}
	req, err := tools.ParseRequest(c.Arguments)
	if err != nil {
		return api.ToolCall{}, desc, failedText(c.Name, err.Error())
	}
	if desc.Keyed && req.Key == "" {
		return api.ToolCall{}, desc, fmt.Sprintf("Service key is required for tool %s but not provided in the request.", c.Name)
	}
	if err := t.rt.validator.Validate(desc, req.Req); err != nil {
		return api.ToolCall{}, desc, failedText(c.Name, err.Error())
	}
	call := api.ToolCall{ID: c.CallID, Name: desc.Name, Payload: req.Req}
	if desc.Keyed {
		call.Key = req.Key
	}
	if req.DelayInMillis != nil {
		if desc.Schedulable {
			d := time.Duration(*req.DelayInMillis) * time.Millisecond
			call.Delay = &d
		} else {
			t.log.Debug(t.ctx, "ignoring delay of non-schedulable tool", "tool", desc.Name)
		}
	}
	return call, desc, ""
}

// schedule dispatches a delayed call and returns its acknowledgment.
func (t *turn) schedule(call api.ToolCall, input *api.ToolActivityInput) string {
	err := t.wf.ScheduleToolActivity(t.ctx, engine.ToolActivityCall{Name: ToolActivity, Input: input}, *call.Delay)
	if err != nil {
		return failedText(call.Name, err.Error())
	}
	t.emit(stream.EventToolScheduled, map[string]any{"call_id": call.ID, "tool": call.Name, "delay_ms": call.Delay.Milliseconds()})
	return fmt.Sprintf("Task %s was scheduled.", call.Name)
}

func failedText(tool, reason string) string {
	return fmt.Sprintf("Tool %s failed: %s", tool, reason)
}
