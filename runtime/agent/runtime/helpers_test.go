package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/relay/runtime/agent"
	"goa.design/relay/runtime/agent/engine"
	"goa.design/relay/runtime/agent/model"
	"goa.design/relay/runtime/agent/registry"
	"goa.design/relay/runtime/agent/session"
	"goa.design/relay/runtime/agent/stream"
	"goa.design/relay/runtime/agent/toolerrors"
	"goa.design/relay/runtime/agent/tools"
)

const orderSchema = `{"type":"object","properties":{"order_id":{"type":"string"}},"required":["order_id"]}`

type (
	// scriptedModel replays a fixed sequence of responses and records the
	// requests it receives. Once the script is exhausted it answers "done".
	scriptedModel struct {
		mu        sync.Mutex
		responses []*model.Response
		requests  []*model.Request
	}

	// billingComponent implements the handlers used by the billing agent.
	billingComponent struct {
		mu       sync.Mutex
		calls    []tools.Invocation
		reminded chan tools.Invocation
	}
)

func newScriptedModel(responses ...*model.Response) *scriptedModel {
	return &scriptedModel{responses: responses}
}

func (m *scriptedModel) Generate(_ context.Context, req *model.Request) (*model.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if len(m.responses) == 0 {
		return textResponse("done"), nil
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, nil
}

func (m *scriptedModel) Requests() []*model.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.Request(nil), m.requests...)
}

func newBillingComponent() *billingComponent {
	return &billingComponent{reminded: make(chan tools.Invocation, 8)}
}

func (c *billingComponent) Invoke(ctx context.Context, inv tools.Invocation) (json.RawMessage, error) {
	c.mu.Lock()
	c.calls = append(c.calls, inv)
	c.mu.Unlock()
	switch inv.Handler {
	case "refund_lookup":
		var req struct {
			OrderID string `json:"order_id"`
		}
		if err := json.Unmarshal(inv.Payload, &req); err != nil {
			return nil, toolerrors.NewWithCause("invalid payload", err)
		}
		return json.Marshal(map[string]any{"order_id": req.OrderID, "customer": inv.Key, "refundable": true})
	case "issue_refund":
		return json.RawMessage(`{"status":"issued"}`), nil
	case "ledger_post":
		return nil, toolerrors.New("ledger unavailable")
	case "send_reminder":
		c.reminded <- inv
		return json.RawMessage(`{"sent":true}`), nil
	default:
		return nil, fmt.Errorf("unknown handler %q", inv.Handler)
	}
}

func (c *billingComponent) Calls() []tools.Invocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]tools.Invocation(nil), c.calls...)
}

func testAgents(t *testing.T) *registry.Registry {
	t.Helper()
	intake := &agent.Definition{
		Name:        "Intake",
		Prompt:      "Greet the customer and route the request.",
		Description: "Routes customers to the right team.",
		Handoffs:    []agent.Ident{"billing"},
	}
	billing := &agent.Definition{
		Name:        "Billing",
		Prompt:      "Handle refunds and invoices.",
		Description: "Handles refunds and invoices.",
		Handoffs:    []agent.Ident{"intake"},
		ToolSet: []agent.ToolDescriptor{
			{
				Name:        "refund_lookup",
				Description: "Looks up the refund status of an order.",
				Target:      agent.Target{Component: "billing", Handler: "refund_lookup"},
				Keyed:       true,
				InputSchema: json.RawMessage(orderSchema),
			},
			{
				Name:             "issue_refund",
				Description:      "Issues a refund.",
				Target:           agent.Target{Component: "billing", Handler: "issue_refund"},
				Keyed:            true,
				RequiresApproval: true,
				InputSchema:      json.RawMessage(orderSchema),
			},
			{
				Name:   "ledger_post",
				Target: agent.Target{Component: "billing", Handler: "ledger_post"},
			},
			{
				Name:        "send_reminder",
				Target:      agent.Target{Component: "billing", Handler: "send_reminder"},
				Schedulable: true,
			},
		},
	}
	reg, err := registry.New(intake, billing)
	require.NoError(t, err)
	return reg
}

type testEnv struct {
	rt      *Runtime
	client  *Client
	billing *billingComponent
	events  *stream.Recorder
}

func newTestEnv(t *testing.T, m model.Client, opts ...RuntimeOption) *testEnv {
	t.Helper()
	billing := newBillingComponent()
	comps := tools.NewRegistry()
	require.NoError(t, comps.Register("billing", billing))
	events := stream.NewRecorder()
	base := []RuntimeOption{
		WithRegistry(testAgents(t)),
		WithModel(m),
		WithTools(comps),
		WithStream(events),
		WithModelRetry(fastRetry),
		WithToolRetry(fastRetry),
	}
	rt := New(append(base, opts...)...)
	require.NoError(t, rt.Register(context.Background()))
	return &testEnv{rt: rt, client: rt.Client(), billing: billing, events: events}
}

var fastRetry = engine.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, BackoffCoefficient: 1}

func textResponse(text string) *model.Response {
	return &model.Response{Output: []model.OutputItem{model.TextItem(text)}}
}

func callsResponse(items ...model.OutputItem) *model.Response {
	return &model.Response{Output: items}
}

func toolCall(id, name, args string) model.OutputItem {
	return model.FunctionCallItem(id, name, args)
}

func handoffCall(id string, target agent.Ident) model.OutputItem {
	return model.FunctionCallItem(id, tools.HandoffToolName(target), "{}")
}

func contents(items []session.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Content
	}
	return out
}

func systemContents(items []session.Item) []string {
	var out []string
	for _, it := range items {
		if it.Role == session.RoleSystem {
			out = append(out, it.Content)
		}
	}
	return out
}

func containsPrefix(items []string, prefix string) bool {
	for _, it := range items {
		if strings.HasPrefix(it, prefix) {
			return true
		}
	}
	return false
}

// eventOf waits for the first recorded event of type typ.
func eventOf(t *testing.T, r *stream.Recorder, typ stream.EventType) stream.Event {
	t.Helper()
	var found stream.Event
	require.Eventually(t, func() bool {
		for _, e := range r.Events() {
			if e.Type == typ {
				found = e
				return true
			}
		}
		return false
	}, 5*time.Second, time.Millisecond)
	return found
}
