// Package openai provides a model.Client implementation backed by the OpenAI
// Chat Completions API. It translates relay requests into ChatCompletion calls
// using github.com/sashabaranov/go-openai and maps the returned choices back
// to message and function call output items.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"goa.design/relay/runtime/agent/model"
)

const providerName = "openai"

// ChatClient captures the subset of the go-openai client used by the adapter.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	Client       ChatClient
	DefaultModel string
	// MaxTokens caps the completion length. Zero uses the provider default.
	MaxTokens int
	// Temperature is the sampling temperature. Zero uses the provider default.
	Temperature float32
}

// Client implements model.Client via the OpenAI Chat Completions API.
type Client struct {
	chat        ChatClient
	model       string
	maxTokens   int
	temperature float32
}

// New builds an OpenAI-backed model client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{
		chat:        opts.Client,
		model:       opts.DefaultModel,
		maxTokens:   opts.MaxTokens,
		temperature: opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default go-openai HTTP client.
// A non-empty baseURL targets an OpenAI compatible endpoint.
func NewFromAPIKey(apiKey, baseURL, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return New(Options{Client: openai.NewClientWithConfig(cfg), DefaultModel: defaultModel})
}

// Generate renders a chat completion using the configured OpenAI client.
func (c *Client) Generate(ctx context.Context, req *model.Request) (*model.Response, error) {
	if req == nil || len(req.History) == 0 {
		return nil, model.NewProviderError(providerName, model.ProviderErrorKindInvalidRequest, 0, "history is required", nil)
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+1)
	if req.Instructions != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.Instructions})
	}
	for _, m := range req.History {
		messages = append(messages, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}
	tools, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	request := openai.ChatCompletionRequest{
		Model:       modelID,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		Tools:       tools,
	}
	response, err := c.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return nil, wrapError(err)
	}
	return translateResponse(response), nil
}

func encodeTools(defs []model.ToolSchema) ([]openai.Tool, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		params := def.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object"}`)
		}
		if !json.Valid(params) {
			return nil, fmt.Errorf("openai: invalid parameters schema for tool %s", def.Name)
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  params,
			},
		})
	}
	return tools, nil
}

func translateResponse(resp openai.ChatCompletionResponse) *model.Response {
	out := &model.Response{ID: resp.ID}
	for _, choice := range resp.Choices {
		msg := choice.Message
		if msg.Content != "" {
			out.Output = append(out.Output, model.TextItem(msg.Content))
		}
		for _, call := range msg.ToolCalls {
			out.Output = append(out.Output, model.FunctionCallItem(call.ID, call.Function.Name, call.Function.Arguments))
		}
	}
	out.Usage = model.Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	return out
}

// wrapError classifies go-openai failures so non-retryable ones stop the
// runtime retry loop.
func wrapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return model.NewProviderError(providerName, model.KindFromStatus(apiErr.HTTPStatusCode), apiErr.HTTPStatusCode, apiErr.Message, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return model.NewProviderError(providerName, model.KindFromStatus(reqErr.HTTPStatusCode), reqErr.HTTPStatusCode, "", err)
	}
	return fmt.Errorf("openai chat completion: %w", err)
}
