// Package bedrock provides a model.Client implementation backed by the AWS
// Bedrock Converse API. Requests are encoded as alternating user/assistant
// turns with the agent instructions as a system block; tool_use blocks of the
// response become function call items.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/relay/runtime/agent/model"
)

const providerName = "bedrock"

type (
	// RuntimeClient mirrors the subset of the Bedrock runtime client used by
	// the adapter. It matches *bedrockruntime.Client.
	RuntimeClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	}

	// Options configures the Bedrock client adapter.
	Options struct {
		// Runtime provides access to the Bedrock runtime. Required.
		Runtime RuntimeClient
		// DefaultModel is the model identifier used when model.Request.Model
		// is empty. Required.
		DefaultModel string
		// MaxTokens caps completions. When zero Bedrock uses its own default.
		MaxTokens int
		// Temperature is the sampling temperature. Zero uses the provider
		// default.
		Temperature float32
	}

	// Client implements model.Client on top of AWS Bedrock Converse.
	Client struct {
		runtime      RuntimeClient
		defaultModel string
		maxTok       int
		temp         float32
	}
)

// New builds a Bedrock-backed model client.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		runtime:      opts.Runtime,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// Generate issues a Converse request and translates the response.
func (c *Client) Generate(ctx context.Context, req *model.Request) (*model.Response, error) {
	input, err := c.buildConverseInput(req)
	if err != nil {
		return nil, err
	}
	out, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return nil, wrapError(err)
	}
	return translateResponse(out)
}

func (c *Client) buildConverseInput(req *model.Request) (*bedrockruntime.ConverseInput, error) {
	if req == nil || len(req.History) == 0 {
		return nil, model.NewProviderError(providerName, model.ProviderErrorKindInvalidRequest, 0, "history is required", nil)
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(modelID),
		Messages: encodeMessages(req.History),
	}
	if req.Instructions != "" {
		input.System = []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: req.Instructions},
		}
	}
	toolConfig, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	input.ToolConfig = toolConfig
	input.InferenceConfig = c.inferenceConfig()
	return input, nil
}

func (c *Client) inferenceConfig() *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	if c.maxTok > 0 {
		cfg.MaxTokens = aws.Int32(int32(c.maxTok)) //nolint:gosec // AWS SDK requires int32
	}
	if c.temp > 0 {
		cfg.Temperature = aws.Float32(c.temp)
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

func encodeMessages(history []model.Message) []brtypes.Message {
	conv := model.Conversation(history)
	out := make([]brtypes.Message, 0, len(conv))
	for _, m := range conv {
		role := brtypes.ConversationRoleUser
		if m.Role == model.RoleAssistant {
			role = brtypes.ConversationRoleAssistant
		}
		out = append(out, brtypes.Message{
			Role:    role,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
		})
	}
	return out
}

func encodeTools(defs []model.ToolSchema) (*brtypes.ToolConfiguration, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	toolList := make([]brtypes.Tool, 0, len(defs))
	for _, def := range defs {
		schema := map[string]any{"type": "object"}
		if len(def.Parameters) > 0 {
			if err := json.Unmarshal(def.Parameters, &schema); err != nil {
				return nil, fmt.Errorf("bedrock: tool %s schema: %w", def.Name, err)
			}
		}
		spec := brtypes.ToolSpecification{
			Name:        aws.String(def.Name),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(&schema)},
		}
		// Bedrock rejects empty descriptions.
		desc := def.Description
		if desc == "" {
			desc = def.Name
		}
		spec.Description = aws.String(desc)
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: spec})
	}
	return &brtypes.ToolConfiguration{Tools: toolList}, nil
}

func translateResponse(output *bedrockruntime.ConverseOutput) (*model.Response, error) {
	if output == nil {
		return nil, errors.New("bedrock: response is nil")
	}
	resp := &model.Response{}
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				if v.Value == "" {
					continue
				}
				resp.Output = append(resp.Output, model.TextItem(v.Value))
			case *brtypes.ContentBlockMemberToolUse:
				args := "{}"
				if raw := decodeDocument(v.Value.Input); len(raw) > 0 {
					args = string(raw)
				}
				resp.Output = append(resp.Output, model.FunctionCallItem(
					aws.ToString(v.Value.ToolUseId), aws.ToString(v.Value.Name), args))
			case *brtypes.ContentBlockMemberReasoningContent:
				resp.Output = append(resp.Output, model.OutputItem{Type: "reasoning"})
			default:
				resp.Output = append(resp.Output, model.OutputItem{Type: model.ItemType(fmt.Sprintf("%T", block))})
			}
		}
	}
	if usage := output.Usage; usage != nil {
		resp.Usage = model.Usage{
			InputTokens:  int(aws.ToInt32(usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(usage.OutputTokens)),
		}
	}
	return resp, nil
}

func decodeDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return nil
	}
	return json.RawMessage(data)
}

// wrapError classifies Bedrock failures. Throttling error codes count as rate
// limiting even when no HTTP status is available.
func wrapError(err error) error {
	var (
		status int
		msg    string
	)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		msg = apiErr.ErrorMessage()
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			status = http.StatusTooManyRequests
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && status == 0 {
		status = respErr.HTTPStatusCode()
	}
	if status == 0 && apiErr == nil {
		return fmt.Errorf("bedrock converse: %w", err)
	}
	return model.NewProviderError(providerName, model.KindFromStatus(status), status, msg, err)
}
