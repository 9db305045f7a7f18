package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/relay/runtime/agent"
	"goa.design/relay/runtime/agent/model"
)

// KeyedToolPrefix is prepended to the description of keyed tools.
const KeyedToolPrefix = "# System context\n" +
	"This tool belongs to a keyed service. Every call must set \"key\" to the identifier " +
	"of the instance it addresses, for example the customer id for a customer service. " +
	"The key selects which instance handles the request so it must be exact: when in doubt, " +
	"ask the user for it. Leave \"delay_in_millis\" unset unless the task should only be " +
	"scheduled, otherwise the result will not be returned.\n\n"

// Request is the argument envelope the model sends for every tool call.
type Request struct {
	// Key addresses keyed components.
	Key string `json:"key,omitempty"`
	// Req is the tool payload.
	Req json.RawMessage `json:"req,omitempty"`
	// DelayInMillis schedules the call without awaiting its result.
	DelayInMillis *int64 `json:"delay_in_millis,omitempty"`
}

// Validator validates tool payloads against their descriptor input schema.
// Compiled schemas are cached by tool name. A Validator is safe for
// concurrent use.
type Validator struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

// NewValidator returns an empty validator.
func NewValidator() *Validator {
	return &Validator{compiled: make(map[string]*jsonschema.Schema)}
}

// ParseRequest decodes the model arguments of a tool call.
func ParseRequest(arguments string) (Request, error) {
	var req Request
	if strings.TrimSpace(arguments) == "" {
		return req, nil
	}
	if err := json.Unmarshal([]byte(arguments), &req); err != nil {
		return req, fmt.Errorf("invalid tool arguments: %w", err)
	}
	if req.DelayInMillis != nil && *req.DelayInMillis < 0 {
		return req, errors.New("invalid tool arguments: delay_in_millis must not be negative")
	}
	return req, nil
}

// Validate checks payload against the descriptor input schema. It returns a
// *ValidationError listing the issues when the payload does not conform.
func (v *Validator) Validate(desc agent.ToolDescriptor, payload json.RawMessage) error {
	if len(desc.InputSchema) == 0 {
		return nil
	}
	sch, err := v.schema(desc)
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return &ValidationError{Tool: desc.Name, Issues: []FieldIssue{{Field: "/", Constraint: "invalid_json", Message: err.Error()}}}
	}
	if err := sch.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return &ValidationError{Tool: desc.Name, Issues: issues(ve)}
		}
		return err
	}
	return nil
}

func (v *Validator) schema(desc agent.ToolDescriptor) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if sch, ok := v.compiled[desc.Name]; ok {
		return sch, nil
	}
	var doc any
	if err := json.Unmarshal(desc.InputSchema, &doc); err != nil {
		return nil, fmt.Errorf("tool %s: unmarshal schema: %w", desc.Name, err)
	}
	c := jsonschema.NewCompiler()
	url := desc.Name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("tool %s: add schema resource: %w", desc.Name, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tool %s: compile schema: %w", desc.Name, err)
	}
	v.compiled[desc.Name] = sch
	return sch, nil
}

// ModelSchema returns the schema offered to the model for desc. The payload
// is wrapped in the Request envelope: "req" carries the input schema, "key"
// is present and required for keyed tools and "delay_in_millis" is present
// for schedulable tools.
func ModelSchema(desc agent.ToolDescriptor) model.ToolSchema {
	req := json.RawMessage(`{"type":"object"}`)
	if len(desc.InputSchema) > 0 {
		req = desc.InputSchema
	}
	props := map[string]json.RawMessage{"req": req}
	required := []string{"req"}
	description := desc.Description
	if desc.Keyed {
		props["key"] = json.RawMessage(`{"type":"string","description":"Identifier of the service instance addressed by the call."}`)
		required = append(required, "key")
		description = KeyedToolPrefix + description
	}
	if desc.Schedulable {
		props["delay_in_millis"] = json.RawMessage(`{"type":"integer","minimum":0,"description":"Schedules the call after the delay without waiting for its result."}`)
	}
	params, _ := json.Marshal(map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	})
	return model.ToolSchema{
		Name:        agent.FormatName(desc.Name),
		Description: description,
		Parameters:  params,
	}
}

// HandoffSchema returns the pseudo-tool schema transferring control to target.
func HandoffSchema(target agent.Agent) model.ToolSchema {
	description := target.HandoffDescription()
	if description == "" {
		description = fmt.Sprintf("Handoff to the %s agent to handle the request.", target.ID())
	}
	return model.ToolSchema{
		Name:        HandoffToolName(target.ID()),
		Description: description,
		Parameters:  json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`),
	}
}
