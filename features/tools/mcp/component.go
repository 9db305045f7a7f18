// Package mcp exposes the tools of a Model Context Protocol server as a tool
// component. The component speaks JSON-RPC over the streamable HTTP
// transport: the MCP tool name is the invocation handler and the payload is
// passed as the tool arguments.
//
// The initialize handshake runs on first use. Failed tool results and
// JSON-RPC errors other than internal errors are reported to the model,
// transport failures and retryable HTTP statuses are returned as plain errors
// so the engine retries the call.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"goa.design/relay/runtime/agent/toolerrors"
	"goa.design/relay/runtime/agent/tools"
)

const (
	// ProtocolVersion is the MCP revision announced during initialization.
	ProtocolVersion = "2025-03-26"

	headerSession = "Mcp-Session-Id"

	// codeInternalError is the JSON-RPC internal error code.
	codeInternalError = -32603

	defaultTimeout = 30 * time.Second
	maxBody        = 4 << 20
)

type (
	// Options configures a Component.
	Options struct {
		// Endpoint is the MCP server URL. Required.
		Endpoint string
		// Client performs the requests. Defaults to a client with an
		// OpenTelemetry instrumented transport and a 30s timeout.
		Client *http.Client
		// Header is added to every request.
		Header http.Header
		// ClientName is reported to the server. Defaults to "relay".
		ClientName string
	}

	// Component implements tools.Component on top of an MCP server.
	Component struct {
		endpoint string
		client   *http.Client
		header   http.Header
		name     string
		ids      atomic.Int64

		mu          sync.Mutex
		initialized bool
		session     string
	}

	// Error is a JSON-RPC error returned by the server.
	Error struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data,omitempty"`
	}

	rpcRequest struct {
		JSONRPC string `json:"jsonrpc"`
		ID      *int64 `json:"id,omitempty"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}

	rpcResponse struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      *int64          `json:"id,omitempty"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   *Error          `json:"error,omitempty"`
	}

	callResult struct {
		Content           []contentItem   `json:"content"`
		StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
		IsError           bool            `json:"isError"`
	}

	contentItem struct {
		Type     string `json:"type"`
		Text     string `json:"text,omitempty"`
		MimeType string `json:"mimeType,omitempty"`
	}
)

var _ tools.Component = (*Component)(nil)

// errSessionExpired reports a 404 on a request carrying a session id.
var errSessionExpired = errors.New("mcp session expired")

// New returns a Component for the MCP server at opts.Endpoint.
func New(opts Options) (*Component, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	u, err := url.Parse(opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	name := opts.ClientName
	if name == "" {
		name = "relay"
	}
	return &Component{endpoint: u.String(), client: client, header: opts.Header.Clone(), name: name}, nil
}

// Invoke implements tools.Component.
func (c *Component) Invoke(ctx context.Context, inv tools.Invocation) (json.RawMessage, error) {
	if inv.Handler == "" {
		return nil, toolerrors.New("handler is required")
	}
	if err := c.initialize(ctx); err != nil {
		return nil, err
	}
	args := inv.Payload
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	params := map[string]any{"name": inv.Handler, "arguments": args}
	meta := traceMeta(ctx)
	if inv.SessionID != "" {
		meta["relay/session"] = inv.SessionID
	}
	if inv.Key != "" {
		meta["relay/key"] = inv.Key
	}
	if len(meta) > 0 {
		params["_meta"] = meta
	}
	raw, err := c.call(ctx, "tools/call", params)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", inv.Handler, err)
	}
	return decodeResult(raw)
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

func (e *Error) retryable() bool {
	return e.Code == codeInternalError
}

// initialize performs the MCP handshake once per component. A failed
// handshake is retried on the next call.
func (c *Component) initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]string{"name": c.name, "version": "1"},
	}
	id := c.ids.Add(1)
	resp, err := c.post(ctx, rpcRequest{JSONRPC: "2.0", ID: &id, Method: "initialize", Params: params}, "")
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	c.session = resp.Header.Get(headerSession)
	if _, err := readResponse(resp, id); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	note, err := c.post(ctx, rpcRequest{JSONRPC: "2.0", Method: "notifications/initialized"}, c.session)
	if err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	_ = note.Body.Close()
	c.initialized = true
	return nil
}

func (c *Component) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()

	id := c.ids.Add(1)
	resp, err := c.post(ctx, rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}, session)
	if errors.Is(err, errSessionExpired) {
		// Handshake again on the next call.
		c.mu.Lock()
		if c.session == session {
			c.initialized = false
			c.session = ""
		}
		c.mu.Unlock()
	}
	if err != nil {
		return nil, err
	}
	return readResponse(resp, id)
}

// post sends req and returns the response once its status is a success.
// Callers must close the response body.
func (c *Component) post(ctx context.Context, req rpcRequest, session string) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, toolerrors.NewWithCause("encode request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, toolerrors.NewWithCause("build request", err)
	}
	for k, vs := range c.header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	if session != "" {
		httpReq.Header.Set(headerSession, session)
	}
	injectTraceHeaders(ctx, httpReq.Header)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer func() { _ = resp.Body.Close() }()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
	if resp.StatusCode == http.StatusNotFound && session != "" {
		return nil, errSessionExpired
	}
	if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, fmt.Errorf("mcp rpc: %s", resp.Status)
	}
	return nil, toolerrors.New(strings.TrimSpace(resp.Status + " " + string(raw)))
}

// readResponse decodes the JSON-RPC response with the given id from a JSON or
// event stream body and closes it.
func readResponse(resp *http.Response, id int64) (json.RawMessage, error) {
	defer func() { _ = resp.Body.Close() }()
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	var rpcResp rpcResponse
	switch {
	case strings.HasPrefix(ct, "text/event-stream"):
		r, err := readStream(resp.Body, id)
		if err != nil {
			return nil, err
		}
		rpcResp = r
	default:
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if err := json.Unmarshal(raw, &rpcResp); err != nil {
			return nil, toolerrors.NewWithCause("decode response", err)
		}
	}
	if rpcResp.Error != nil {
		if rpcResp.Error.retryable() {
			return nil, rpcResp.Error
		}
		return nil, toolerrors.NewWithCause(rpcResp.Error.Message, rpcResp.Error)
	}
	return rpcResp.Result, nil
}

// decodeResult converts a tools/call result into the tool result. Structured
// content wins over text content; a single JSON text item is returned as is
// and other text is joined into a JSON string.
func decodeResult(raw json.RawMessage) (json.RawMessage, error) {
	var res callResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, toolerrors.NewWithCause("decode tool result", err)
	}
	var texts []string
	for _, item := range res.Content {
		if item.Type == "text" {
			texts = append(texts, item.Text)
		}
	}
	text := strings.Join(texts, "\n")
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return nil, toolerrors.New(text)
	}
	if len(res.StructuredContent) > 0 {
		return res.StructuredContent, nil
	}
	if len(texts) == 1 && json.Valid([]byte(texts[0])) {
		return json.RawMessage(texts[0]), nil
	}
	if len(texts) == 0 {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(text)
}
