// Package agent posts frozen trigger payloads to the external reasoning agent.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// WebhookPath is appended to the agent base URL.
	WebhookPath = "/api/v1/webhook/trigger"

	// DefaultTimeout bounds a single agent call.
	DefaultTimeout = 60 * time.Second

	maxResponseBytes = 1 << 20
	maxErrorBody     = 512
)

var tracer = otel.Tracer("github.com/linnemanlabs/tripwire/internal/agent")

// Kind classifies a dispatch failure.
type Kind string

const (
	KindTimeout         Kind = "timeout"
	KindNetwork         Kind = "network"
	KindStatus          Kind = "status"
	KindInvalidResponse Kind = "invalid_response"
)

// DispatchError describes a failed agent call.
type DispatchError struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *DispatchError) Error() string {
	if e.Kind == KindStatus {
		return fmt.Sprintf("agent returned %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("agent %s: %v", e.Kind, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// ErrorKind returns the failure kind as recorded on the trigger.
func (e *DispatchError) ErrorKind() string { return string(e.Kind) }

// Client calls the reasoning agent. It never retries.
type Client struct {
	endpoint string
	timeout  time.Duration
	http     *http.Client
}

// New creates a Client for the agent at baseURL. A non-positive timeout
// selects DefaultTimeout.
func New(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("agent: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("agent: base url %q must be an absolute http(s) url", baseURL)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		endpoint: u.String() + WebhookPath,
		timeout:  timeout,
		http:     &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}, nil
}

// Endpoint returns the full webhook URL.
func (c *Client) Endpoint() string { return c.endpoint }

// Analyze posts payload unchanged and returns the agent's JSON object reply.
// Every failure is a *DispatchError.
func (c *Client) Analyze(ctx context.Context, triggerID string, payload json.RawMessage) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "agent.Analyze", trace.WithAttributes(
		attribute.String("trigger.id", triggerID),
		attribute.Int("payload.bytes", len(payload)),
	))
	defer span.End()

	resp, err := c.post(ctx, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return resp, nil
}

func (c *Client) post(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &DispatchError{Kind: KindNetwork, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req) //nolint:gosec // endpoint is from trusted config
	if err != nil {
		return nil, c.transportError(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &DispatchError{Kind: KindStatus, StatusCode: resp.StatusCode, Err: errors.New(msg)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, c.transportError(ctx, err)
	}
	if len(body) > maxResponseBytes {
		return nil, &DispatchError{Kind: KindInvalidResponse, Err: fmt.Errorf("response exceeds %d bytes", maxResponseBytes)}
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' || !json.Valid(body) {
		return nil, &DispatchError{Kind: KindInvalidResponse, Err: errors.New("response is not a JSON object")}
	}
	return json.RawMessage(body), nil
}

func (c *Client) transportError(ctx context.Context, err error) error {
	var ne net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &ne) && ne.Timeout()) {
		return &DispatchError{Kind: KindTimeout, Err: fmt.Errorf("no response within %s", c.timeout)}
	}
	return &DispatchError{Kind: KindNetwork, Err: err}
}
