// Package model defines the provider-neutral language model boundary used by
// the orchestration loop. Provider adapters (features/model/...) translate
// Request and Response to and from a concrete SDK.
package model

import (
	"context"
	"encoding/json"
)

type (
	// Client generates one model response for a request.
	//
	// Contract:
	//   - Generate must be safe to invoke repeatedly with identical arguments:
	//     the runtime retries failed calls (at-least-once).
	//   - Failures that will not succeed on retry should be reported as a
	//     *ProviderError with Retryable() == false.
	Client interface {
		Generate(ctx context.Context, req *Request) (*Response, error)
	}

	// ClientFunc adapts a function to the Client interface.
	ClientFunc func(ctx context.Context, req *Request) (*Response, error)

	// Request is a single model invocation.
	Request struct {
		// Model optionally overrides the adapter's default model identifier.
		Model string `json:"model,omitempty"`
		// Instructions are the system instructions of the active agent.
		Instructions string `json:"instructions"`
		// History is the conversation sent to the model, oldest first.
		History []Message `json:"history"`
		// Tools lists the tool schemas the model may call.
		Tools []ToolSchema `json:"tools,omitempty"`
	}

	// Message is one conversation entry sent to the model.
	Message struct {
		Role    Role   `json:"role"`
		Content string `json:"content"`
	}

	// Role enumerates conversation message authors.
	Role string

	// ToolSchema describes a function the model may call.
	ToolSchema struct {
		// Name is the function name.
		Name string `json:"name"`
		// Description is shown to the model.
		Description string `json:"description,omitempty"`
		// Parameters is the JSON schema of the function arguments.
		Parameters json.RawMessage `json:"parameters"`
	}

	// Response is the model output for one request.
	Response struct {
		// ID is the provider response identifier.
		ID string `json:"id,omitempty"`
		// Output lists the raw output items in the order produced.
		Output []OutputItem `json:"output"`
		// Usage reports token consumption.
		Usage Usage `json:"usage"`
	}

	// OutputItem is a raw provider output item. Only message and function
	// call items carry a meaning the runtime understands; all other types are
	// preserved verbatim in Raw.
	OutputItem struct {
		// Type is the provider item type.
		Type ItemType `json:"type"`
		// ID is the provider item identifier.
		ID string `json:"id,omitempty"`
		// Text is the content of message items.
		Text string `json:"text,omitempty"`
		// Name is the function name of function call items.
		Name string `json:"name,omitempty"`
		// CallID correlates a function call with its result.
		CallID string `json:"call_id,omitempty"`
		// Arguments is the JSON encoded function call arguments as produced by
		// the model. It may be malformed.
		Arguments string `json:"arguments,omitempty"`
		// Raw carries the provider encoding of item types the runtime does not
		// interpret.
		Raw json.RawMessage `json:"raw,omitempty"`
	}

	// ItemType enumerates provider output item types.
	ItemType string

	// Usage reports token consumption of a model call.
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}
)

const (
	// RoleUser marks end-user messages.
	RoleUser Role = "user"
	// RoleAssistant marks model messages.
	RoleAssistant Role = "assistant"
	// RoleSystem marks runtime-authored messages.
	RoleSystem Role = "system"
)

const (
	// ItemTypeMessage is a text message item.
	ItemTypeMessage ItemType = "message"
	// ItemTypeFunctionCall is a function (tool) call item.
	ItemTypeFunctionCall ItemType = "function_call"
)

// Generate implements Client.
func (f ClientFunc) Generate(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// TextItem returns a message output item.
func TextItem(text string) OutputItem {
	return OutputItem{Type: ItemTypeMessage, Text: text}
}

// FunctionCallItem returns a function call output item.
func FunctionCallItem(callID, name, arguments string) OutputItem {
	return OutputItem{Type: ItemTypeFunctionCall, CallID: callID, Name: name, Arguments: arguments}
}
