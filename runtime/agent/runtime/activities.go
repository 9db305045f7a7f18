package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"

	"goa.design/relay/runtime/agent/api"
	"goa.design/relay/runtime/agent/approval"
	"goa.design/relay/runtime/agent/engine"
	"goa.design/relay/runtime/agent/model"
	"goa.design/relay/runtime/agent/session"
	"goa.design/relay/runtime/agent/toolerrors"
	"goa.design/relay/runtime/agent/tools"
)

// loadSession is the LoadSessionActivity handler. A missing session is not an
// error.
func (r *Runtime) loadSession(ctx context.Context, in *api.LoadSessionInput) (*api.LoadSessionOutput, error) {
	st, err := r.SessionStore.Load(ctx, in.SessionID)
	if errors.Is(err, session.ErrSessionNotFound) {
		return &api.LoadSessionOutput{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &api.LoadSessionOutput{Found: true, State: st}, nil
}

// saveSession is the SaveSessionActivity handler.
func (r *Runtime) saveSession(ctx context.Context, in *api.SaveSessionInput) error {
	err := r.SessionStore.Save(ctx, in.State)
	if errors.Is(err, session.ErrInvalidState) {
		return engine.Terminal("invalid_session", err)
	}
	return err
}

// generate is the ModelActivity handler. Provider errors that cannot succeed
// on retry are terminal.
func (r *Runtime) generate(ctx context.Context, in *api.ModelActivityInput) (*api.ModelActivityOutput, error) {
	ctx, span := r.tracer.Start(ctx, ModelActivity)
	defer span.End()
	start := time.Now()
	resp, err := r.Model.Generate(ctx, in.Request)
	r.metrics.RecordTimer("relay.model.duration", time.Since(start), "agent", string(in.Agent))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.metrics.IncCounter("relay.model.errors", 1, "agent", string(in.Agent))
		var pe *model.ProviderError
		if errors.As(err, &pe) && !pe.Retryable() {
			return nil, engine.Terminal(ErrModelFailed.Code, err)
		}
		return nil, err
	}
	if resp == nil {
		resp = &model.Response{}
	}
	r.metrics.IncCounter("relay.model.tokens", float64(resp.Usage.InputTokens+resp.Usage.OutputTokens), "agent", string(in.Agent))
	return &api.ModelActivityOutput{Response: resp}, nil
}

// invokeTool is the ToolActivity handler. Terminal failures are returned as
// data so the engine does not retry them; any other error is retried.
func (r *Runtime) invokeTool(ctx context.Context, in *api.ToolActivityInput) (*api.ToolActivityOutput, error) {
	ctx, span := r.tracer.Start(ctx, ToolActivity)
	defer span.End()
	span.AddEvent("tool", "name", in.Tool, "target", in.Target.String())
	start := time.Now()
	res, err := r.Tools.Call(ctx, in.Target, tools.Invocation{
		Key:       in.Key,
		Payload:   in.Payload,
		SessionID: in.SessionID,
		CallID:    in.CallID,
	})
	r.metrics.RecordTimer("relay.tool.duration", time.Since(start), "tool", in.Tool)
	if err == nil {
		return &api.ToolActivityOutput{Result: res}, nil
	}
	span.RecordError(err)
	r.metrics.IncCounter("relay.tool.errors", 1, "tool", in.Tool)
	if toolerrors.Is(err) || engine.IsTerminal(err) || errors.Is(err, tools.ErrUnknownComponent) {
		return &api.ToolActivityOutput{Error: toolerrors.FromError(err)}, nil
	}
	attempt := 0
	if info, ok := engine.ActivityInfoFromContext(ctx); ok {
		attempt = info.Attempt
	}
	r.logger.Warn(ctx, "tool attempt failed", "tool", in.Tool, "call_id", in.CallID, "attempt", attempt, "err", err)
	return nil, err
}

// applyApproval is the ApprovalActivity handler.
func (r *Runtime) applyApproval(ctx context.Context, in *api.ApprovalActivityInput) error {
	switch in.Op {
	case api.ApprovalRegister:
		err := r.ApprovalStore.Register(ctx, in.Pending)
		switch {
		case errors.Is(err, approval.ErrOngoing):
			return terminalf(ErrApprovalOngoing, "tool %s: an approval is already ongoing for %s", in.Pending.Tool, in.Pending.EntityKey)
		case errors.Is(err, approval.ErrInvalidPending):
			return engine.Terminal("invalid_approval", err)
		}
		return err
	case api.ApprovalClear:
		return r.ApprovalStore.Clear(ctx, in.Pending.CorrelationID)
	default:
		return engine.NewTerminal("invalid_approval", fmt.Sprintf("unknown approval operation %q", in.Op))
	}
}

// publish is the EventActivity handler.
func (r *Runtime) publish(ctx context.Context, in *api.EventActivityInput) error {
	return r.Stream.Send(ctx, in.Event)
}
