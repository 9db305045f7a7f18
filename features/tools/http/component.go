// Package http exposes remote services as tool components. Each invocation
// is a JSON POST to "<base>/<handler>" or "<base>/<handler>/<key>" for keyed
// calls.
//
// Responses with status 2xx carry the tool result. Other 4xx responses are
// reported to the model as tool failures and are not retried; 408, 429, 5xx
// and transport errors are returned as plain errors so the engine retries the
// call.
package http

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
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"goa.design/relay/runtime/agent/toolerrors"
	"goa.design/relay/runtime/agent/tools"
)

const (
	// HeaderSession carries the session id of the call.
	HeaderSession = "X-Relay-Session"
	// HeaderCallID carries the model-assigned tool call id.
	HeaderCallID = "X-Relay-Call-Id"
	// HeaderIdempotencyKey lets servers deduplicate retried calls.
	HeaderIdempotencyKey = "Idempotency-Key"

	defaultTimeout = 30 * time.Second
	maxBody        = 1 << 20
)

type (
	// Options configures a Component.
	Options struct {
		// BaseURL is the service root. Required.
		BaseURL string
		// Client performs the requests. Defaults to a client with an
		// OpenTelemetry instrumented transport and a 30s timeout.
		Client *http.Client
		// Header is added to every request.
		Header http.Header
	}

	// Component implements tools.Component over HTTP.
	Component struct {
		base   *url.URL
		client *http.Client
		header http.Header
	}
)

var _ tools.Component = (*Component)(nil)

// New returns a Component calling the service at opts.BaseURL.
func New(opts Options) (*Component, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("base url is required")
	}
	base, err := url.Parse(strings.TrimSuffix(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported base url scheme %q", base.Scheme)
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Component{base: base, client: client, header: opts.Header.Clone()}, nil
}

// Invoke implements tools.Component.
func (c *Component) Invoke(ctx context.Context, inv tools.Invocation) (json.RawMessage, error) {
	if inv.Handler == "" {
		return nil, toolerrors.New("handler is required")
	}
	payload := inv.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(inv), bytes.NewReader(payload))
	if err != nil {
		return nil, toolerrors.NewWithCause("build request", err)
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if inv.SessionID != "" {
		req.Header.Set(HeaderSession, inv.SessionID)
	}
	if inv.CallID != "" {
		req.Header.Set(HeaderCallID, inv.CallID)
		req.Header.Set(HeaderIdempotencyKey, inv.SessionID+"/"+inv.CallID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", inv.Handler, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", inv.Handler, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return result(body)
	case retryable(resp.StatusCode):
		return nil, fmt.Errorf("%s: %s", inv.Handler, resp.Status)
	default:
		return nil, toolerrors.New(failureMessage(resp.Status, body))
	}
}

func (c *Component) endpoint(inv tools.Invocation) string {
	u := *c.base
	raw := []string{u.Path, inv.Handler}
	esc := []string{u.EscapedPath(), url.PathEscape(inv.Handler)}
	if inv.Key != "" {
		raw = append(raw, inv.Key)
		esc = append(esc, url.PathEscape(inv.Key))
	}
	u.Path = strings.Join(raw, "/")
	u.RawPath = strings.Join(esc, "/")
	return u.String()
}

// result returns body when it is JSON and wraps it in a JSON string
// otherwise. Empty bodies become null.
func result(body []byte) (json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return json.RawMessage("null"), nil
	}
	if json.Valid(body) {
		return json.RawMessage(body), nil
	}
	return json.Marshal(string(body))
}

func retryable(status int) bool {
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500
}

// failureMessage prefers the "error" or "message" field of a JSON error body.
func failureMessage(status string, body []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil {
		if e.Error != "" {
			return e.Error
		}
		if e.Message != "" {
			return e.Message
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" && len(text) <= 200 {
		return status + ": " + text
	}
	return status
}
