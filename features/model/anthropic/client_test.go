package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/relay/runtime/agent/model"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func TestGenerate_TextOnly(t *testing.T) {
	stub := &stubMessagesClient{}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5", MaxTokens: 128})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stub.resp = &sdk.Message{
		ID: "msg_1",
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "world"},
		},
		StopReason: sdk.StopReasonEndTurn,
		Usage:      sdk.Usage{InputTokens: 10, OutputTokens: 5},
	}

	resp, err := cl.Generate(context.Background(), &model.Request{
		Instructions: "be brief",
		History:      []model.Message{{Role: model.RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(resp.Output) != 1 || !reflect.DeepEqual(resp.Output[0], model.TextItem("world")) {
		t.Fatalf("unexpected output %+v", resp.Output)
	}
	if resp.ID != "msg_1" {
		t.Fatalf("unexpected id %q", resp.ID)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
	if got := stub.lastParams.MaxTokens; got != 128 {
		t.Fatalf("unexpected max tokens %d", got)
	}
	if len(stub.lastParams.System) != 1 || stub.lastParams.System[0].Text != "be brief" {
		t.Fatalf("unexpected system blocks %+v", stub.lastParams.System)
	}
}

func TestGenerate_ToolUse(t *testing.T) {
	stub := &stubMessagesClient{}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stub.resp = &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "tool_use", ID: "tu_1", Name: "transfer_to_billing", Input: json.RawMessage(`{}`)},
			{Type: "tool_use", ID: "tu_2", Name: "refund_lookup", Input: json.RawMessage(`{"key":"cust-1"}`)},
		},
	}
	resp, err := cl.Generate(context.Background(), &model.Request{
		History: []model.Message{{Role: model.RoleUser, Content: "refund"}},
		Tools: []model.ToolSchema{
			{Name: "refund_lookup", Description: "Looks up refunds", Parameters: json.RawMessage(`{"type":"object","properties":{"key":{"type":"string"}}}`)},
			{Name: "transfer_to_billing", Parameters: json.RawMessage(`{"type":"object"}`)},
		},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	want := []model.OutputItem{
		model.FunctionCallItem("tu_1", "transfer_to_billing", `{}`),
		model.FunctionCallItem("tu_2", "refund_lookup", `{"key":"cust-1"}`),
	}
	if len(resp.Output) != len(want) {
		t.Fatalf("expected %d items, got %d", len(want), len(resp.Output))
	}
	for i := range want {
		if !reflect.DeepEqual(resp.Output[i], want[i]) {
			t.Fatalf("item %d: got %+v, want %+v", i, resp.Output[i], want[i])
		}
	}
	if len(stub.lastParams.Tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(stub.lastParams.Tools))
	}
	if stub.lastParams.Tools[0].OfTool == nil || stub.lastParams.Tools[0].OfTool.Name != "refund_lookup" {
		t.Fatalf("unexpected first tool %+v", stub.lastParams.Tools[0])
	}
}

func TestEncodeMessages_Alternates(t *testing.T) {
	msgs := encodeMessages([]model.Message{
		{Role: model.RoleUser, Content: "refund"},
		{Role: model.RoleSystem, Content: "Transferred to billing."},
		{Role: model.RoleAssistant, Content: "On it."},
		{Role: model.RoleSystem, Content: "Tool refund_lookup result: {}"},
	})
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	roles := []sdk.MessageParamRole{msgs[0].Role, msgs[1].Role, msgs[2].Role}
	want := []sdk.MessageParamRole{sdk.MessageParamRoleUser, sdk.MessageParamRoleAssistant, sdk.MessageParamRoleUser}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("message %d: role %q, want %q", i, roles[i], want[i])
		}
	}
}

func TestGenerate_RequiresHistory(t *testing.T) {
	cl, err := New(&stubMessagesClient{}, Options{DefaultModel: "claude-sonnet-4-5"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = cl.Generate(context.Background(), &model.Request{})
	pe, ok := model.AsProviderError(err)
	if !ok || pe.Retryable() {
		t.Fatalf("expected non-retryable provider error, got %v", err)
	}
}

func TestGenerate_WrapsTransportErrors(t *testing.T) {
	stub := &stubMessagesClient{err: errors.New("connection reset")}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = cl.Generate(context.Background(), &model.Request{History: []model.Message{{Role: model.RoleUser, Content: "hi"}}})
	if err == nil || !errors.Is(err, stub.err) {
		t.Fatalf("expected wrapped transport error, got %v", err)
	}
	if _, ok := model.AsProviderError(err); ok {
		t.Fatalf("transport errors stay unclassified")
	}
}
