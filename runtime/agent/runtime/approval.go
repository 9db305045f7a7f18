package runtime

import (
	"context"
	"errors"
	"fmt"

	"goa.design/relay/runtime/agent"
	"goa.design/relay/runtime/agent/api"
	"goa.design/relay/runtime/agent/approval"
	"goa.design/relay/runtime/agent/engine"
	"goa.design/relay/runtime/agent/stream"
)

// requestApproval suspends the turn until a human resolves the call or the
// approval timeout elapses. The pending record is stored before the wait and
// cleared after it so external callers can find the owning workflow. A wait
// ended by cancellation or an engine error still clears the record.
func (t *turn) requestApproval(desc agent.ToolDescriptor, call api.ToolCall) (approval.Outcome, error) {
	t.approvals++
	now := t.wf.Now()
	p := approval.Pending{
		CorrelationID: fmt.Sprintf("%s/%s/approval/%d", t.wf.WorkflowID(), t.in.TurnID, t.approvals),
		EntityKey:     t.entityKey(desc, call),
		WorkflowID:    t.wf.WorkflowID(),
		RunID:         t.wf.RunID(),
		SessionID:     t.in.SessionID,
		Tool:          desc.Name,
		Payload:       call.Payload,
		RequestedAt:   now,
		ExpiresAt:     now.Add(t.rt.approvalTimeout),
	}
	if err := t.storeApproval(t.ctx, api.ApprovalRegister, p); err != nil {
		if errors.Is(err, ErrApprovalOngoing) || t.canceled(err) {
			return "", err
		}
		return "", fmt.Errorf("register approval for tool %s: %w", desc.Name, err)
	}
	t.emit(stream.EventApprovalRequested, p)

	outcome := approval.TimedOut
	var note string
	for {
		remaining := p.ExpiresAt.Sub(t.wf.Now())
		if remaining <= 0 {
			break
		}
		d, ok, err := t.wf.ApprovalDecisions().ReceiveWithTimeout(t.ctx, remaining)
		if err != nil {
			t.releaseApproval(p)
			return "", err
		}
		if !ok {
			break
		}
		if d.CorrelationID != p.CorrelationID {
			t.log.Warn(t.ctx, "discarding approval decision", "correlation_id", d.CorrelationID, "waiting_for", p.CorrelationID)
			continue
		}
		outcome, note = approval.OutcomeOf(d), d.Note
		break
	}

	if err := t.storeApproval(t.ctx, api.ApprovalClear, p); err != nil {
		if t.canceled(err) {
			return "", err
		}
		t.log.Warn(t.ctx, "clear approval failed", "correlation_id", p.CorrelationID, "err", err)
	}
	t.emit(stream.EventApprovalResolved, map[string]string{
		"correlation_id": p.CorrelationID,
		"tool":           desc.Name,
		"outcome":        string(outcome),
		"note":           note,
	})
	t.log.Info(t.ctx, "approval resolved", "correlation_id", p.CorrelationID, "outcome", outcome)
	return outcome, nil
}

// entityKey identifies what an approval guards: the keyed instance for keyed
// tools, the tool within the session otherwise.
func (t *turn) entityKey(desc agent.ToolDescriptor, call api.ToolCall) string {
	if call.Key != "" {
		return desc.Target.Component + "/" + call.Key
	}
	return t.in.SessionID + "/" + desc.Target.String()
}

// releaseApproval clears p on a context that survives workflow cancellation.
func (t *turn) releaseApproval(p approval.Pending) {
	if err := t.storeApproval(engine.Disconnected(t.ctx), api.ApprovalClear, p); err != nil {
		t.log.Warn(t.ctx, "release approval failed", "correlation_id", p.CorrelationID, "err", err)
	}
}

func (t *turn) storeApproval(ctx context.Context, op api.ApprovalOp, p approval.Pending) error {
	return t.wf.ExecuteApprovalActivity(ctx, engine.ApprovalActivityCall{
		Name:  ApprovalActivity,
		Input: &api.ApprovalActivityInput{Op: op, Pending: p},
	})
}
