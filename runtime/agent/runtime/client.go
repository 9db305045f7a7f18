package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"goa.design/relay/runtime/agent/api"
	"goa.design/relay/runtime/agent/approval"
	"goa.design/relay/runtime/agent/engine"
)

type (
	// Client starts and controls turns. Obtain one with Runtime.Client.
	Client struct {
		rt *Runtime
	}

	// TurnOption configures a single turn.
	TurnOption func(*turnOptions)

	turnOptions struct {
		turnID     string
		runTimeout time.Duration
	}
)

// WithTurnID sets the turn identifier. Restarting an interrupted turn with the
// same id resumes it. Defaults to a random UUID.
func WithTurnID(id string) TurnOption {
	return func(o *turnOptions) { o.turnID = id }
}

// WithRunTimeout bounds the total duration of the turn workflow.
func WithRunTimeout(d time.Duration) TurnOption {
	return func(o *turnOptions) { o.runTimeout = d }
}

// TurnWorkflowID returns the workflow id of the turns of sessionID. At most
// one workflow with a given id runs at a time, which serializes the turns of
// a session across processes.
func TurnWorkflowID(sessionID string) string {
	return "session/" + sessionID
}

// RunTurn runs one turn of the session and waits for its response. Turns of
// the same session started through this runtime run one after the other.
func (c *Client) RunTurn(ctx context.Context, sessionID string, in api.AgentInput, opts ...TurnOption) (*api.AgentResponse, error) {
	if sessionID == "" {
		return nil, ErrSessionRequired
	}
	release, err := c.rt.sessions.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()
	h, err := c.StartTurn(ctx, sessionID, in, opts...)
	if err != nil {
		return nil, err
	}
	return h.Wait(ctx)
}

// StartTurn starts one turn of the session and returns without waiting. It
// fails with ErrTurnInProgress when a turn of the session is running.
func (c *Client) StartTurn(ctx context.Context, sessionID string, in api.AgentInput, opts ...TurnOption) (engine.WorkflowHandle, error) {
	if sessionID == "" {
		return nil, ErrSessionRequired
	}
	if !c.rt.isRegistered() {
		return nil, ErrNotRegistered
	}
	var o turnOptions
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	if o.turnID == "" {
		o.turnID = uuid.NewString()
	}
	h, err := c.rt.Engine.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:         TurnWorkflowID(sessionID),
		Workflow:   TurnWorkflow,
		TaskQueue:  c.rt.taskQueue,
		Input:      &api.TurnInput{SessionID: sessionID, TurnID: o.turnID, Input: in},
		RunTimeout: o.runTimeout,
		Memo:       map[string]any{"session_id": sessionID, "turn_id": o.turnID},
	})
	if errors.Is(err, engine.ErrWorkflowRunning) {
		return nil, fmt.Errorf("%w: %s", ErrTurnInProgress, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("start turn for session %s: %w", sessionID, err)
	}
	c.rt.logger.Debug(ctx, "turn started", "session_id", sessionID, "turn_id", o.turnID, "workflow_id", h.ID())
	return h, nil
}

// ResolveApproval delivers a human decision to the turn waiting on
// correlationID. It returns approval.ErrNotFound when no such approval is
// outstanding.
func (c *Client) ResolveApproval(ctx context.Context, correlationID string, approved bool, note string) error {
	p, err := c.rt.ApprovalStore.Lookup(ctx, correlationID)
	if err != nil {
		return err
	}
	s, ok := c.rt.Engine.(engine.Signaler)
	if !ok {
		return errors.New("engine does not support signals")
	}
	d := approval.Decision{CorrelationID: correlationID, Approved: approved, Note: note}
	if err := s.SignalByID(ctx, p.WorkflowID, p.RunID, api.SignalApprovalDecision, d); err != nil {
		return fmt.Errorf("resolve approval %s: %w", correlationID, err)
	}
	return nil
}

// CancelTurn cancels the running turn of the session. Canceling a session
// without a running turn is a no-op.
func (c *Client) CancelTurn(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrSessionRequired
	}
	cn, ok := c.rt.Engine.(engine.Canceler)
	if !ok {
		return errors.New("engine does not support cancellation")
	}
	err := cn.CancelByID(ctx, TurnWorkflowID(sessionID), "")
	if errors.Is(err, engine.ErrWorkflowNotFound) || errors.Is(err, engine.ErrWorkflowCompleted) {
		return nil
	}
	return err
}

// TurnStatus returns the status of the latest turn of the session.
func (c *Client) TurnStatus(ctx context.Context, sessionID string) (engine.RunStatus, error) {
	return c.rt.Engine.QueryRunStatus(ctx, TurnWorkflowID(sessionID))
}
