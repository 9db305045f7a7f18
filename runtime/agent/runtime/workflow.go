package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"goa.design/relay/runtime/agent"
	"goa.design/relay/runtime/agent/api"
	"goa.design/relay/runtime/agent/engine"
	"goa.design/relay/runtime/agent/model"
	"goa.design/relay/runtime/agent/registry"
	"goa.design/relay/runtime/agent/session"
	"goa.design/relay/runtime/agent/stream"
	"goa.design/relay/runtime/agent/telemetry"
)

// turn holds the state of one turn workflow execution. All of its methods run
// on the workflow goroutine and reach the outside world only through the
// workflow context.
type turn struct {
	rt  *Runtime
	wf  engine.WorkflowContext
	ctx context.Context
	log telemetry.Logger
	in  *api.TurnInput

	agents *registry.Registry
	state  session.State
	// start is the index of the first item appended by this turn.
	start int

	maxTurns   int
	modelCalls int
	approvals  int
	events     int

	// missing records handoff targets already reported as unavailable.
	missing map[agent.Ident]bool
}

// turnWorkflow is the workflow handler of TurnWorkflow.
func (r *Runtime) turnWorkflow(wf engine.WorkflowContext, in *api.TurnInput) (*api.AgentResponse, error) {
	if in == nil {
		return nil, engine.NewTerminal("invalid_input", "turn input is required")
	}
	t := &turn{
		rt:       r,
		wf:       wf,
		ctx:      wf.Context(),
		log:      wf.Logger(),
		in:       in,
		agents:   r.Registry.Subset(in.Input.Agents),
		maxTurns: r.maxTurns,
		missing:  make(map[agent.Ident]bool),
	}
	if in.Input.MaxTurns > 0 {
		t.maxTurns = in.Input.MaxTurns
	}
	res, err := t.run()
	if err != nil {
		if !t.canceled(err) {
			t.emit(stream.EventTurnFailed, map[string]string{"error": err.Error()})
		}
		t.log.Error(t.ctx, "turn failed", "session_id", in.SessionID, "turn_id", in.TurnID, "err", err)
		return nil, err
	}
	t.log.Info(t.ctx, "turn completed", "session_id", in.SessionID, "turn_id", in.TurnID, "agent", res.Agent, "model_calls", t.modelCalls)
	return res, nil
}

func (t *turn) run() (*api.AgentResponse, error) {
	if err := t.load(); err != nil {
		return nil, err
	}
	active, err := t.resolveActive()
	if err != nil {
		return nil, err
	}
	if err := t.persist(); err != nil {
		return nil, err
	}
	t.emit(stream.EventTurnStarted, map[string]string{"message": t.in.Input.Message})

	for {
		if t.modelCalls >= t.maxTurns {
			return nil, terminalf(ErrMaxTurnsExceeded, "turn reached the limit of %d model calls", t.maxTurns)
		}
		resp, err := t.callModel(active)
		if err != nil {
			return nil, err
		}
		t.state.Append(transcriptItems(resp.Output)...)
		if err := t.persist(); err != nil {
			return nil, err
		}
		result := Classify(resp.Output)
		t.emit(stream.EventModelOutput, map[string]int{
			"messages":    len(result.Messages),
			"tool_calls":  len(result.ToolCalls),
			"handoffs":    len(result.Handoffs),
			"unsupported": len(result.Unsupported),
		})
		if result.Final() {
			return t.finish(active, result.FinalOutput()), nil
		}

		t.log.Debug(t.ctx, "turn iteration", "agent", active.ID(), "tool_calls", len(result.ToolCalls), "handoffs", len(result.Handoffs))
		for _, u := range result.Unsupported {
			t.state.Append(session.SystemItem(unsupportedText(u.Type)))
		}
		if result.Empty() {
			t.state.Append(session.SystemItem(emptyOutputText))
		}
		if len(result.ToolCalls) > 0 {
			items, err := t.invokeTools(active, result.ToolCalls)
			if err != nil {
				return nil, err
			}
			t.state.Append(items...)
		}
		if err := t.persist(); err != nil {
			return nil, err
		}

		applied := false
		if len(result.Handoffs) > 0 {
			var (
				next  agent.Ident
				notes []session.Item
			)
			next, notes, applied = resolveHandoffs(t.agents, result.Handoffs)
			t.state.Append(notes...)
			if applied {
				from := t.state.CurrentAgent
				t.state.CurrentAgent = next
				if active, err = t.resolveActive(); err != nil {
					return nil, err
				}
				t.emit(stream.EventHandoff, map[string]agent.Ident{"from": from, "to": next})
			}
			if err := t.persist(); err != nil {
				return nil, err
			}
		}
		// Text that came with resolved tool calls ends the turn unless
		// control moved to another agent.
		if !applied && len(result.Messages) > 0 {
			return t.finish(active, result.FinalOutput()), nil
		}
	}
}

// load reads the session, initializes it on first use and appends the user
// message.
func (t *turn) load() error {
	out, err := t.wf.LoadSession(t.ctx, engine.LoadSessionCall{
		Name:  LoadSessionActivity,
		Input: &api.LoadSessionInput{SessionID: t.in.SessionID},
	})
	if err != nil {
		return fmt.Errorf("load session %s: %w", t.in.SessionID, err)
	}
	starting := agent.NewIdent(string(t.in.Input.StartingAgent))
	if out != nil && out.Found {
		t.state = out.State
	} else {
		t.state = session.New(t.in.SessionID, starting)
	}
	if t.in.Input.ForceStartingAgent || t.state.CurrentAgent == "" {
		t.state.CurrentAgent = starting
	}
	t.start = len(t.state.Items)
	t.state.Append(session.UserItem(t.in.Input.Message))
	return nil
}

// resolveActive returns the current agent. An unknown agent is recorded in the
// session before the turn fails.
func (t *turn) resolveActive() (agent.Agent, error) {
	id := t.state.CurrentAgent
	if a, ok := t.agents.Get(id); ok {
		return a, nil
	}
	t.state.Append(session.SystemItem(agentNotFoundText(id, t.agents.IDs())))
	if err := t.persist(); err != nil {
		return nil, err
	}
	return nil, terminalf(ErrAgentNotFound, "agent %q not found", id)
}

func (t *turn) callModel(active agent.Agent) (*model.Response, error) {
	req := t.modelRequest(active)
	out, err := t.wf.ExecuteModelActivity(t.ctx, engine.ModelActivityCall{
		Name: ModelActivity,
		Input: &api.ModelActivityInput{
			SessionID: t.in.SessionID,
			TurnID:    t.in.TurnID,
			Agent:     active.ID(),
			Request:   req,
		},
	})
	t.modelCalls++
	if err != nil {
		if t.canceled(err) {
			return nil, err
		}
		return nil, terminalf(ErrModelFailed, "model call for agent %s failed: %v", active.ID(), err)
	}
	if out == nil || out.Response == nil {
		return &model.Response{}, nil
	}
	return out.Response, nil
}

// persist checkpoints the session.
func (t *turn) persist() error {
	t.state.UpdatedAt = t.wf.Now()
	err := t.wf.SaveSession(t.ctx, engine.SaveSessionCall{
		Name:  SaveSessionActivity,
		Input: &api.SaveSessionInput{State: t.state},
	})
	if err != nil {
		return fmt.Errorf("save session %s: %w", t.in.SessionID, err)
	}
	return nil
}

func (t *turn) finish(active agent.Agent, output string) *api.AgentResponse {
	t.emit(stream.EventTurnCompleted, map[string]string{"final_output": output})
	return &api.AgentResponse{
		Agent:       active.ID(),
		NewItems:    t.state.Since(t.start),
		FinalOutput: output,
	}
}

// emit publishes a turn event. Publishing failures are logged and never fail
// the turn.
func (t *turn) emit(typ stream.EventType, payload any) {
	t.events++
	raw, err := json.Marshal(payload)
	if err != nil {
		t.log.Warn(t.ctx, "encode event payload", "type", typ, "err", err)
		return
	}
	ev := stream.Event{
		Type:      typ,
		SessionID: t.in.SessionID,
		TurnID:    t.in.TurnID,
		Seq:       t.events,
		Agent:     t.state.CurrentAgent,
		Timestamp: t.wf.Now(),
		Payload:   raw,
	}
	err = t.wf.PublishEvent(t.ctx, engine.EventActivityCall{Name: EventActivity, Input: &api.EventActivityInput{Event: ev}})
	if err != nil {
		t.log.Warn(t.ctx, "publish event failed", "type", typ, "err", err)
	}
}

// canceled reports whether err results from the cancellation of the turn.
func (t *turn) canceled(err error) bool {
	return t.ctx.Err() != nil || errors.Is(err, context.Canceled)
}

const emptyOutputText = "The model returned no output. Answer the user, call a tool or hand off to another agent."

func unsupportedText(typ model.ItemType) string {
	return fmt.Sprintf("This agent cannot handle output type %s. Use another tool or handoff.", typ)
}

func agentNotFoundText(id agent.Ident, available []agent.Ident) string {
	names := make([]string, len(available))
	for i, a := range available {
		names[i] = string(a)
	}
	return fmt.Sprintf("Agent %s not found in the list of agents. Available agents: [%s]", id, strings.Join(names, ", "))
}
