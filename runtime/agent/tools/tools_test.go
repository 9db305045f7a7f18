package tools

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/relay/runtime/agent"
)

func TestRegistryCallRoutesToHandler(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("billing", ComponentFunc(func(_ context.Context, inv Invocation) (json.RawMessage, error) {
		return json.Marshal(map[string]string{"handler": inv.Handler, "key": inv.Key})
	})))
	require.Error(t, reg.Register("billing", ComponentFunc(nil)))

	out, err := reg.Call(context.Background(), agent.Target{Component: "billing", Handler: "refund_lookup"}, Invocation{Key: "cust-1"})
	require.NoError(t, err)
	require.JSONEq(t, `{"handler":"refund_lookup","key":"cust-1"}`, string(out))

	_, err = reg.Call(context.Background(), agent.Target{Component: "missing"}, Invocation{})
	require.ErrorIs(t, err, ErrUnknownComponent)
}

func TestRegistrySerializesSameKey(t *testing.T) {
	reg := NewRegistry()
	var active, peak atomic.Int32
	require.NoError(t, reg.Register("ledger", ComponentFunc(func(context.Context, Invocation) (json.RawMessage, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return json.RawMessage(`null`), nil
	})))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Call(context.Background(), agent.Target{Component: "ledger", Handler: "post"}, Invocation{Key: "acct-1"})
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), peak.Load())
	require.Zero(t, reg.keys.Len())
}

func TestParseRequest(t *testing.T) {
	req, err := ParseRequest(`{"key":"c1","req":{"amount":3},"delay_in_millis":0}`)
	require.NoError(t, err)
	require.Equal(t, "c1", req.Key)
	require.JSONEq(t, `{"amount":3}`, string(req.Req))
	require.NotNil(t, req.DelayInMillis)
	require.Zero(t, *req.DelayInMillis)

	req, err = ParseRequest("")
	require.NoError(t, err)
	require.Nil(t, req.DelayInMillis)

	_, err = ParseRequest(`{"req":`)
	require.Error(t, err)
	_, err = ParseRequest(`{"delay_in_millis":-5}`)
	require.Error(t, err)
}

func TestValidatorReportsIssues(t *testing.T) {
	desc := agent.ToolDescriptor{
		Name:        "refund_lookup",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"order_id":{"type":"string"}},"required":["order_id"]}`),
	}
	v := NewValidator()
	require.NoError(t, v.Validate(desc, json.RawMessage(`{"order_id":"o-1"}`)))

	err := v.Validate(desc, json.RawMessage(`{"order_id":7}`))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.NotEmpty(t, ve.Issues)
	require.Contains(t, ve.Error(), "refund_lookup")

	err = v.Validate(desc, nil)
	require.ErrorAs(t, err, &ve)

	require.NoError(t, v.Validate(agent.ToolDescriptor{Name: "free"}, json.RawMessage(`[1,2]`)))
}

func TestModelSchemaEnvelope(t *testing.T) {
	desc := agent.ToolDescriptor{
		Name:        "Send Reminder",
		Description: "Sends a reminder.",
		Keyed:       true,
		Schedulable: true,
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}
	s := ModelSchema(desc)
	require.Equal(t, "send_reminder", s.Name)
	require.Contains(t, s.Description, KeyedToolPrefix)

	var params struct {
		Properties map[string]json.RawMessage `json:"properties"`
		Required   []string                   `json:"required"`
	}
	require.NoError(t, json.Unmarshal(s.Parameters, &params))
	require.Contains(t, params.Properties, "key")
	require.Contains(t, params.Properties, "delay_in_millis")
	require.ElementsMatch(t, []string{"req", "key"}, params.Required)

	plain := ModelSchema(agent.ToolDescriptor{Name: "lookup"})
	params.Properties, params.Required = nil, nil
	require.NoError(t, json.Unmarshal(plain.Parameters, &params))
	require.NotContains(t, params.Properties, "key")
	require.NotContains(t, params.Properties, "delay_in_millis")
}

func TestHandoffNames(t *testing.T) {
	target := &agent.Definition{Name: "Billing Agent"}
	s := HandoffSchema(target)
	require.Equal(t, "transfer_to_billing_agent", s.Name)
	require.NotEmpty(t, s.Description)

	id, ok := ParseHandoff(s.Name)
	require.True(t, ok)
	require.Equal(t, agent.Ident("billing_agent"), id)

	_, ok = ParseHandoff("refund_lookup")
	require.False(t, ok)
}
