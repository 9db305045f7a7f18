package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sessionbadger "goa.design/relay/features/session/badger"
	"goa.design/relay/runtime/agent"
	"goa.design/relay/runtime/agent/api"
	"goa.design/relay/runtime/agent/approval"
	"goa.design/relay/runtime/agent/engine"
	engineinmem "goa.design/relay/runtime/agent/engine/inmem"
	"goa.design/relay/runtime/agent/model"
	"goa.design/relay/runtime/agent/session"
	sessioninmem "goa.design/relay/runtime/agent/session/inmem"
	"goa.design/relay/runtime/agent/stream"
	"goa.design/relay/runtime/agent/tools"
)

func TestIntakeHandsOffToBillingForRefund(t *testing.T) {
	ctx := context.Background()
	m := newScriptedModel(
		callsResponse(handoffCall("h1", "billing")),
		callsResponse(toolCall("c1", "refund_lookup", `{"key":"cust-1","req":{"order_id":"o-42"}}`)),
		textResponse("Order o-42 is refundable."),
	)
	store := sessioninmem.New()
	env := newTestEnv(t, m, WithSessionStore(store))

	res, err := env.client.RunTurn(ctx, "s1", api.AgentInput{StartingAgent: "Intake", Message: "I want a refund for o-42"})
	require.NoError(t, err)
	require.Equal(t, agent.Ident("billing"), res.Agent)
	require.Equal(t, "Order o-42 is refundable.", res.FinalOutput)
	require.Equal(t, session.UserItem("I want a refund for o-42"), res.NewItems[0])
	require.Equal(t, []string{
		"Transferred to billing.",
		`Tool refund_lookup result: {"customer":"cust-1","order_id":"o-42","refundable":true}`,
	}, systemContents(res.NewItems))

	calls := env.billing.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, "refund_lookup", calls[0].Handler)
	require.Equal(t, "cust-1", calls[0].Key)
	require.Equal(t, "s1", calls[0].SessionID)
	require.Equal(t, "c1", calls[0].CallID)

	reqs := m.Requests()
	require.Len(t, reqs, 3)
	require.Contains(t, reqs[0].Instructions, HandoffInstructions)
	require.Contains(t, reqs[0].Instructions, "route the request")
	require.Equal(t, []string{"transfer_to_billing"}, toolNames(reqs[0]))
	require.Equal(t, []string{"refund_lookup", "issue_refund", "ledger_post", "send_reminder", "transfer_to_intake"}, toolNames(reqs[1]))
	require.Len(t, reqs[2].History, len(res.NewItems)-1)

	st, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, agent.Ident("billing"), st.CurrentAgent)
	require.Equal(t, res.NewItems, st.Items)

	require.Equal(t, []stream.EventType{
		stream.EventTurnStarted,
		stream.EventModelOutput,
		stream.EventHandoff,
		stream.EventModelOutput,
		stream.EventToolResult,
		stream.EventModelOutput,
		stream.EventTurnCompleted,
	}, env.events.Types())
}

func TestActiveAgentPersistsAcrossTurns(t *testing.T) {
	ctx := context.Background()
	m := newScriptedModel(
		callsResponse(handoffCall("h1", "billing")),
		textResponse("Billing here."),
		textResponse("Still billing."),
		textResponse("Intake again."),
	)
	env := newTestEnv(t, m)

	_, err := env.client.RunTurn(ctx, "s1", api.AgentInput{StartingAgent: "intake", Message: "refund"})
	require.NoError(t, err)

	res, err := env.client.RunTurn(ctx, "s1", api.AgentInput{StartingAgent: "intake", Message: "and?"})
	require.NoError(t, err)
	require.Equal(t, agent.Ident("billing"), res.Agent)
	require.Equal(t, []model.Message{{Role: model.RoleUser, Content: "and?"}}, m.Requests()[2].History[len(m.Requests()[2].History)-1:])

	res, err = env.client.RunTurn(ctx, "s1", api.AgentInput{StartingAgent: "intake", Message: "hello", ForceStartingAgent: true})
	require.NoError(t, err)
	require.Equal(t, agent.Ident("intake"), res.Agent)
	require.Equal(t, "Intake again.", res.FinalOutput)
}

func TestUnknownAgentFailsTurn(t *testing.T) {
	ctx := context.Background()
	m := newScriptedModel()
	store := sessioninmem.New()
	env := newTestEnv(t, m, WithSessionStore(store))

	_, err := env.client.RunTurn(ctx, "s1", api.AgentInput{StartingAgent: "Ghost", Message: "hi"})
	require.ErrorIs(t, err, ErrAgentNotFound)
	require.True(t, engine.IsTerminal(err))
	require.Empty(t, m.Requests())

	st, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, []session.Item{
		session.UserItem("hi"),
		session.SystemItem("Agent ghost not found in the list of agents. Available agents: [intake, billing]"),
	}, st.Items)
	require.Contains(t, env.events.Types(), stream.EventTurnFailed)

	status, err := env.client.TurnStatus(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, engine.RunStatusFailed, status)
}

func TestAgentsRestrictRegistry(t *testing.T) {
	ctx := context.Background()
	m := newScriptedModel(
		callsResponse(handoffCall("h1", "billing")),
		textResponse("I can only help with intake."),
	)
	env := newTestEnv(t, m)

	res, err := env.client.RunTurn(ctx, "s1", api.AgentInput{
		StartingAgent: "intake",
		Agents:        []agent.Ident{"intake"},
		Message:       "refund",
	})
	require.NoError(t, err)
	require.Equal(t, agent.Ident("intake"), res.Agent)
	require.Equal(t, []string{
		"Handoff target billing of agent intake is not available and was skipped.",
		"Agent billing not found in the list of agents. Available agents: [intake]",
	}, systemContents(res.NewItems))
	require.Empty(t, m.Requests()[0].Tools)
}

func TestSoftToolErrors(t *testing.T) {
	ctx := context.Background()
	m := newScriptedModel(
		callsResponse(
			toolCall("c1", "unknown_tool", `{}`),
			toolCall("c2", "refund_lookup", `{"req":{"order_id":"o-1"}}`),
			toolCall("c3", "refund_lookup", `{"key":"cust-1","req":{"order_id":7}}`),
			toolCall("c4", "refund_lookup", `{"key":`),
			toolCall("c5", "ledger_post", `{}`),
			toolCall("c6", "refund_lookup", `{"key":"cust-1","req":{"order_id":"o-1"}}`),
		),
		&model.Response{Output: []model.OutputItem{{Type: "reasoning", Raw: json.RawMessage(`{"type":"reasoning"}`)}}},
		&model.Response{},
		textResponse("Sorted."),
	)
	env := newTestEnv(t, m)

	res, err := env.client.RunTurn(ctx, "s1", api.AgentInput{StartingAgent: "billing", Message: "check o-1"})
	require.NoError(t, err)
	require.Equal(t, "Sorted.", res.FinalOutput)

	notes := systemContents(res.NewItems)
	require.Len(t, notes, 8)
	assert.Equal(t, "This agent does not have access to this tool: unknown_tool. Use another tool or handoff.", notes[0])
	assert.Equal(t, "Service key is required for tool refund_lookup but not provided in the request.", notes[1])
	assert.Contains(t, notes[2], "Tool refund_lookup failed: invalid payload for tool refund_lookup")
	assert.Contains(t, notes[3], "Tool refund_lookup failed: invalid tool arguments")
	assert.Equal(t, "Tool ledger_post failed: ledger unavailable", notes[4])
	assert.Equal(t, `Tool refund_lookup result: {"customer":"cust-1","order_id":"o-1","refundable":true}`, notes[5])
	assert.Equal(t, "This agent cannot handle output type reasoning. Use another tool or handoff.", notes[6])
	assert.Equal(t, emptyOutputText, notes[7])

	// Only the valid calls reach the component.
	require.Len(t, env.billing.Calls(), 2)
	require.Len(t, m.Requests(), 4)
}

func TestTextWithToolCallsEndsTurn(t *testing.T) {
	ctx := context.Background()
	m := newScriptedModel(
		callsResponse(
			model.TextItem("Refund issued"),
			toolCall("c1", "refund_lookup", `{"key":"cust-1","req":{"order_id":"o-3"}}`),
		),
		textResponse("second call"),
	)
	env := newTestEnv(t, m)

	res, err := env.client.RunTurn(ctx, "s1", api.AgentInput{StartingAgent: "billing", Message: "refund o-3"})
	require.NoError(t, err)
	require.Equal(t, "Refund issued", res.FinalOutput)
	require.Len(t, m.Requests(), 1)
	require.Len(t, env.billing.Calls(), 1)
	require.Equal(t, []string{
		`Tool refund_lookup result: {"customer":"cust-1","order_id":"o-3","refundable":true}`,
	}, systemContents(res.NewItems))
	require.Equal(t, stream.EventTurnCompleted, env.events.Types()[len(env.events.Types())-1])
}

func TestTextWithHandoffContinuesTurn(t *testing.T) {
	ctx := context.Background()
	m := newScriptedModel(
		callsResponse(model.TextItem("Let me transfer you."), handoffCall("h1", "billing")),
		textResponse("Billing here."),
	)
	env := newTestEnv(t, m)

	res, err := env.client.RunTurn(ctx, "s1", api.AgentInput{StartingAgent: "intake", Message: "refund"})
	require.NoError(t, err)
	require.Equal(t, agent.Ident("billing"), res.Agent)
	require.Equal(t, "Billing here.", res.FinalOutput)
	require.Len(t, m.Requests(), 2)
}

func TestScheduledToolDoesNotBlockTurn(t *testing.T) {
	ctx := context.Background()
	m := newScriptedModel(
		callsResponse(
			toolCall("c1", "send_reminder", `{"req":{"text":"pay"},"delay_in_millis":200}`),
			toolCall("c2", "ledger_post", `{"delay_in_millis":0}`),
		),
		textResponse("Reminder set."),
	)
	eng := engineinmem.New()
	env := newTestEnv(t, m, WithEngine(eng))

	res, err := env.client.RunTurn(ctx, "s1", api.AgentInput{StartingAgent: "billing", Message: "remind me"})
	require.NoError(t, err)
	require.Equal(t, []string{
		"Task send_reminder was scheduled.",
		"Tool ledger_post failed: ledger unavailable",
	}, systemContents(res.NewItems))
	require.Empty(t, env.billing.reminded)
	require.Contains(t, env.events.Types(), stream.EventToolScheduled)

	select {
	case inv := <-env.billing.reminded:
		require.JSONEq(t, `{"text":"pay"}`, string(inv.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled tool did not run")
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, eng.WaitScheduled(wctx))
}

func TestApproval(t *testing.T) {
	refund := callsResponse(toolCall("c1", "issue_refund", `{"key":"cust-1","req":{"order_id":"o-9"}}`))
	cases := []struct {
		name    string
		timeout time.Duration
		resolve func(t *testing.T, env *testEnv, id string)
		want    string
		issued  bool
	}{
		{
			name: "approved",
			resolve: func(t *testing.T, env *testEnv, id string) {
				require.NoError(t, env.client.ResolveApproval(context.Background(), id, true, "looks fine"))
			},
			want:   `Tool issue_refund result: {"status":"issued"}`,
			issued: true,
		},
		{
			name: "rejected after stale decision",
			resolve: func(t *testing.T, env *testEnv, id string) {
				sig := env.rt.Engine.(engine.Signaler)
				require.NoError(t, sig.SignalByID(context.Background(), TurnWorkflowID("s1"), "", api.SignalApprovalDecision,
					approval.Decision{CorrelationID: "stale", Approved: true}))
				require.NoError(t, env.client.ResolveApproval(context.Background(), id, false, "no"))
			},
			want: "Tool issue_refund was rejected by a human reviewer.",
		},
		{
			name:    "timed out",
			timeout: 30 * time.Millisecond,
			resolve: func(*testing.T, *testEnv, string) {},
			want:    "Approval for tool issue_refund timed out.",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			opts := []RuntimeOption{}
			if tc.timeout > 0 {
				opts = append(opts, WithApprovalTimeout(tc.timeout))
			}
			env := newTestEnv(t, newScriptedModel(refund, textResponse("Handled.")), opts...)

			h, err := env.client.StartTurn(ctx, "s1", api.AgentInput{StartingAgent: "billing", Message: "refund o-9"}, WithTurnID("t1"))
			require.NoError(t, err)

			ev := eventOf(t, env.events, stream.EventApprovalRequested)
			var p approval.Pending
			require.NoError(t, json.Unmarshal(ev.Payload, &p))
			require.Equal(t, "session/s1/t1/approval/1", p.CorrelationID)
			require.Equal(t, "billing/cust-1", p.EntityKey)
			require.Equal(t, "issue_refund", p.Tool)
			if tc.timeout == 0 {
				_, err = env.rt.ApprovalStore.Lookup(ctx, p.CorrelationID)
				require.NoError(t, err)
			}

			tc.resolve(t, env, p.CorrelationID)
			res, err := h.Wait(ctx)
			require.NoError(t, err)
			require.Equal(t, []string{tc.want}, systemContents(res.NewItems))

			issued := false
			for _, c := range env.billing.Calls() {
				issued = issued || c.Handler == "issue_refund"
			}
			require.Equal(t, tc.issued, issued)
			_, err = env.rt.ApprovalStore.Lookup(ctx, p.CorrelationID)
			require.ErrorIs(t, err, approval.ErrNotFound)
			require.Contains(t, env.events.Types(), stream.EventApprovalResolved)
		})
	}
}

func TestCanceledApprovalReleasesEntity(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	refund := callsResponse(toolCall("c1", "issue_refund", `{"key":"cust-1","req":{"order_id":"o-9"}}`))
	env := newTestEnv(t, newScriptedModel(refund, refund, textResponse("Handled.")), WithApprovalTimeout(50*time.Millisecond))
	in := api.AgentInput{StartingAgent: "billing", Message: "refund o-9"}

	h, err := env.client.StartTurn(ctx, "s1", in, WithTurnID("t1"))
	require.NoError(t, err)
	ev := eventOf(t, env.events, stream.EventApprovalRequested)
	var p approval.Pending
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	require.Equal(t, "billing/cust-1", p.EntityKey)

	require.NoError(t, env.client.CancelTurn(ctx, "s1"))
	_, err = h.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
	_, err = env.rt.ApprovalStore.Lookup(ctx, p.CorrelationID)
	require.ErrorIs(t, err, approval.ErrNotFound)

	time.Sleep(200 * time.Millisecond)
	res, err := env.client.RunTurn(ctx, "s1", in, WithTurnID("t2"))
	require.NoError(t, err, "a canceled wait must not leave the entity held")
	require.Equal(t, "Handled.", res.FinalOutput)
	require.Equal(t, []string{"Approval for tool issue_refund timed out."}, systemContents(res.NewItems))
}

func TestResolveUnknownApproval(t *testing.T) {
	env := newTestEnv(t, newScriptedModel())
	err := env.client.ResolveApproval(context.Background(), "session/s1/t1/approval/1", true, "")
	require.ErrorIs(t, err, approval.ErrNotFound)
}

func TestApprovalOngoingFailsTurn(t *testing.T) {
	ctx := context.Background()
	m := newScriptedModel(callsResponse(toolCall("c1", "issue_refund", `{"key":"cust-1","req":{"order_id":"o-9"}}`)))
	env := newTestEnv(t, m)
	require.NoError(t, env.rt.ApprovalStore.Register(ctx, approval.Pending{
		CorrelationID: "session/other/t0/approval/1",
		EntityKey:     "billing/cust-1",
		WorkflowID:    "session/other",
	}))

	_, err := env.client.RunTurn(ctx, "s1", api.AgentInput{StartingAgent: "billing", Message: "refund o-9"})
	require.ErrorIs(t, err, ErrApprovalOngoing)
	require.NotErrorIs(t, err, ErrModelFailed)
}

func TestMaxTurns(t *testing.T) {
	ctx := context.Background()
	loop := func() *scriptedModel {
		return newScriptedModel(
			callsResponse(toolCall("c1", "ledger_post", `{}`)),
			callsResponse(toolCall("c2", "ledger_post", `{}`)),
			callsResponse(toolCall("c3", "ledger_post", `{}`)),
		)
	}

	m := loop()
	env := newTestEnv(t, m, WithMaxTurns(2))
	_, err := env.client.RunTurn(ctx, "s1", api.AgentInput{StartingAgent: "billing", Message: "post"})
	require.ErrorIs(t, err, ErrMaxTurnsExceeded)
	require.Len(t, m.Requests(), 2)

	m = loop()
	env = newTestEnv(t, m)
	_, err = env.client.RunTurn(ctx, "s1", api.AgentInput{StartingAgent: "billing", Message: "post", MaxTurns: 1})
	require.ErrorIs(t, err, ErrMaxTurnsExceeded)
	require.Len(t, m.Requests(), 1)
}

func TestModelFailures(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		calls int32
	}{
		{name: "transient exhausts retries", err: errors.New("connection reset"), calls: 3},
		{name: "non-retryable provider error", err: model.NewProviderError("openai", model.ProviderErrorKindAuth, 401, "bad key", nil), calls: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var calls atomic.Int32
			m := model.ClientFunc(func(context.Context, *model.Request) (*model.Response, error) {
				calls.Add(1)
				return nil, tc.err
			})
			env := newTestEnv(t, m)
			_, err := env.client.RunTurn(context.Background(), "s1", api.AgentInput{StartingAgent: "intake", Message: "hi"})
			require.ErrorIs(t, err, ErrModelFailed)
			require.Equal(t, tc.calls, calls.Load())
		})
	}
}

func TestModelRecoversWithinRetries(t *testing.T) {
	var calls atomic.Int32
	m := model.ClientFunc(func(context.Context, *model.Request) (*model.Response, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("overloaded")
		}
		return textResponse("hello"), nil
	})
	env := newTestEnv(t, m)
	res, err := env.client.RunTurn(context.Background(), "s1", api.AgentInput{StartingAgent: "intake", Message: "hi"})
	require.NoError(t, err)
	require.Equal(t, "hello", res.FinalOutput)
	require.Equal(t, int32(3), calls.Load())
}

func TestTurnResumesAfterInterruption(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	journal := engineinmem.NewJournal()
	store := sessioninmem.New()
	m := newScriptedModel(
		callsResponse(toolCall("c1", "refund_lookup", `{"key":"cust-1","req":{"order_id":"o-7"}}`)),
		textResponse("Resumed."),
	)
	var attempts atomic.Int32
	comps := tools.NewRegistry()
	require.NoError(t, comps.Register("billing", tools.ComponentFunc(func(ctx context.Context, inv tools.Invocation) (json.RawMessage, error) {
		if attempts.Add(1) == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return json.RawMessage(`{"refundable":false}`), nil
	})))
	build := func() *testEnv {
		return newTestEnv(t, m,
			WithEngine(engineinmem.New(engineinmem.WithJournal(journal))),
			WithSessionStore(store),
			WithTools(comps),
		)
	}
	in := api.AgentInput{StartingAgent: "billing", Message: "status of o-7"}

	first := build()
	h, err := first.client.StartTurn(ctx, "s1", in, WithTurnID("t1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return attempts.Load() == 1 }, 5*time.Second, time.Millisecond)
	require.NoError(t, first.client.CancelTurn(ctx, "s1"))
	_, err = h.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
	status, err := first.client.TurnStatus(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, engine.RunStatusCanceled, status)
	require.NotContains(t, first.events.Types(), stream.EventTurnFailed)

	second := build()
	res, err := second.client.RunTurn(ctx, "s1", in, WithTurnID("t1"))
	require.NoError(t, err)
	require.Equal(t, "Resumed.", res.FinalOutput)
	require.Equal(t, []string{`Tool refund_lookup result: {"refundable":false}`}, systemContents(res.NewItems))
	require.Len(t, m.Requests(), 2, "the first model call is replayed, not repeated")
	require.Equal(t, int32(2), attempts.Load())
	require.Zero(t, journal.Len(TurnWorkflowID("s1")))

	st, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, res.NewItems, st.Items)
}

func TestApprovalWaitResumesWithRemainingTime(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	const timeout = 600 * time.Millisecond

	journal := engineinmem.NewJournal()
	store := sessioninmem.New()
	m := newScriptedModel(
		callsResponse(toolCall("c1", "issue_refund", `{"key":"cust-1","req":{"order_id":"o-9"}}`)),
		textResponse("Handled."),
	)
	build := func() *testEnv {
		return newTestEnv(t, m,
			WithEngine(engineinmem.New(engineinmem.WithJournal(journal))),
			WithSessionStore(store),
			WithApprovalTimeout(timeout),
		)
	}
	in := api.AgentInput{StartingAgent: "billing", Message: "refund o-9"}

	first := build()
	h, err := first.client.StartTurn(ctx, "s1", in, WithTurnID("t1"))
	require.NoError(t, err)
	eventOf(t, first.events, stream.EventApprovalRequested)
	requested := time.Now()
	time.Sleep(500 * time.Millisecond)
	require.NoError(t, first.client.CancelTurn(ctx, "s1"))
	_, err = h.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)

	second := build()
	res, err := second.client.RunTurn(ctx, "s1", in, WithTurnID("t1"))
	elapsed := time.Since(requested)
	require.NoError(t, err)
	require.Equal(t, "Handled.", res.FinalOutput)
	require.Equal(t, []string{"Approval for tool issue_refund timed out."}, systemContents(res.NewItems))
	require.Len(t, m.Requests(), 2)
	require.Greater(t, elapsed, timeout-100*time.Millisecond)
	require.Less(t, elapsed, timeout+300*time.Millisecond, "the resumed wait only runs for the time left")
	require.Empty(t, second.billing.Calls())
}

func TestBadgerSessionSurvivesRuntimeRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions")

	store, err := sessionbadger.Open(sessionbadger.Config{Path: path})
	require.NoError(t, err)
	first := newTestEnv(t, newScriptedModel(
		callsResponse(handoffCall("h1", "billing")),
		textResponse("Billing here."),
	), WithSessionStore(store))
	res1, err := first.client.RunTurn(ctx, "s1", api.AgentInput{StartingAgent: "intake", Message: "refund please"})
	require.NoError(t, err)
	require.Equal(t, agent.Ident("billing"), res1.Agent)
	require.NoError(t, store.Close())

	store, err = sessionbadger.Open(sessionbadger.Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	m := newScriptedModel(textResponse("Still billing."))
	second := newTestEnv(t, m, WithSessionStore(store))
	res2, err := second.client.RunTurn(ctx, "s1", api.AgentInput{StartingAgent: "intake", Message: "any news?"})
	require.NoError(t, err)
	require.Equal(t, agent.Ident("billing"), res2.Agent)
	require.Equal(t, "Still billing.", res2.FinalOutput)

	history := m.Requests()[0].History
	require.Equal(t, model.Message{Role: model.RoleUser, Content: "refund please"}, history[0])
	require.Equal(t, model.Message{Role: model.RoleUser, Content: "any news?"}, history[len(history)-1])

	st, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, agent.Ident("billing"), st.CurrentAgent)
	require.Equal(t, res1.NewItems, st.Items[:len(res1.NewItems)])
	require.Equal(t, res2.NewItems, st.Items[len(res1.NewItems):])
}

func TestTurnsOfSessionAreSerialized(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	release := make(chan struct{})
	var active, peak atomic.Int32
	m := model.ClientFunc(func(ctx context.Context, _ *model.Request) (*model.Response, error) {
		n := active.Add(1)
		defer active.Add(-1)
		if n > peak.Load() {
			peak.Store(n)
		}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return textResponse("ok"), nil
	})
	store := sessioninmem.New()
	env := newTestEnv(t, m, WithSessionStore(store))
	in := api.AgentInput{StartingAgent: "intake", Message: "hi"}

	errs := make(chan error, 2)
	go func() {
		_, err := env.client.RunTurn(ctx, "s1", in)
		errs <- err
	}()
	require.Eventually(t, func() bool { return active.Load() == 1 }, 5*time.Second, time.Millisecond)

	_, err := env.client.StartTurn(ctx, "s1", in)
	require.ErrorIs(t, err, ErrTurnInProgress)

	go func() {
		_, err := env.client.RunTurn(ctx, "s1", in)
		errs <- err
	}()
	close(release)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	require.Equal(t, int32(1), peak.Load())

	st, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, []string{"hi", "ok", "hi", "ok"}, contents(st.Items))
}

func TestHistoryLimit(t *testing.T) {
	ctx := context.Background()
	m := newScriptedModel(textResponse("one"), textResponse("two"))
	env := newTestEnv(t, m, WithHistoryLimit(2))

	_, err := env.client.RunTurn(ctx, "s1", api.AgentInput{StartingAgent: "intake", Message: "first"})
	require.NoError(t, err)
	_, err = env.client.RunTurn(ctx, "s1", api.AgentInput{StartingAgent: "intake", Message: "second"})
	require.NoError(t, err)

	reqs := m.Requests()
	require.Len(t, reqs[0].History, 1)
	require.Equal(t, []model.Message{
		{Role: model.RoleAssistant, Content: "one"},
		{Role: model.RoleUser, Content: "second"},
	}, reqs[1].History)
}

func TestClientPreconditions(t *testing.T) {
	ctx := context.Background()
	rt := New(WithModel(newScriptedModel()))
	_, err := rt.Client().StartTurn(ctx, "s1", api.AgentInput{})
	require.ErrorIs(t, err, ErrNotRegistered)
	_, err = rt.Client().RunTurn(ctx, "", api.AgentInput{})
	require.ErrorIs(t, err, ErrSessionRequired)

	require.Error(t, New().Register(ctx))
	require.NoError(t, rt.Register(ctx))
	require.NoError(t, rt.Register(ctx))
	require.NoError(t, rt.Client().CancelTurn(ctx, "idle"))
}

func toolNames(req *model.Request) []string {
	out := make([]string, len(req.Tools))
	for i, s := range req.Tools {
		out[i] = s.Name
	}
	return out
}
