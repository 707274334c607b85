// Package jsonrpc is a small JSON-RPC 2.0 client for the remote job service.
// It only moves messages; retries and interpretation are left to callers.
package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"computecannon/pkg/api"
)

const tracerName = "computecannon/jsonrpc"

// Client calls methods on one endpoint.
type Client struct {
	Endpoint   string
	HTTPClient *http.Client

	limiter *rate.Limiter
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTPClient = hc }
}

// WithRateLimit caps outgoing requests at rps per second. Zero means unlimited.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger sets the logger used for request debugging.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for endpoint.
func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		Endpoint: endpoint,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ProtocolError is returned when the server does not answer with JSON, or
// answers with a non-2xx status and no error member.
type ProtocolError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("unexpected response (status %s): %s", e.Status, truncate(e.Body, 200))
}

func success(code int) bool { return code >= 200 && code < 300 }

// RPCError is returned when the response carries an error member.
type RPCError struct {
	Method  string
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *RPCError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("rpc %s failed (%d): %s", e.Method, e.Code, e.Message)
	}
	return fmt.Sprintf("rpc %s failed: %s", e.Method, e.Message)
}

// Call invokes method with params and decodes the result into result, which may be nil.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "jsonrpc."+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.system", "jsonrpc"),
			attribute.String("rpc.method", method),
		),
	)
	defer span.End()

	err := c.call(ctx, method, params, result)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	if err := c.wait(ctx); err != nil {
		return err
	}

	rawParams, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	bodyBytes, err := json.Marshal(api.Request{
		JSONRPC: api.Version,
		ID:      uuid.NewString(),
		Method:  method,
		Params:  rawParams,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", api.ContentType)

	c.logger.Debug("rpc request", "endpoint", c.Endpoint, "method", method)
	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var rpcResp api.Response
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return &ProtocolError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(respBody)}
	}
	if len(rpcResp.Error) > 0 && string(rpcResp.Error) != "null" {
		return decodeRPCError(method, rpcResp.Error)
	}
	if !success(resp.StatusCode) {
		return &ProtocolError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(respBody)}
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return fmt.Errorf("failed to parse result of %s: %w", method, err)
	}
	return nil
}

// Methods fetches the method listing served on GET.
func (c *Client) Methods(ctx context.Context) ([]api.MethodInfo, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.Endpoint, "/"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var methods []api.MethodInfo
	if !success(resp.StatusCode) {
		return nil, &ProtocolError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(respBody)}
	}
	if err := json.Unmarshal(respBody, &methods); err != nil {
		return nil, &ProtocolError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(respBody)}
	}
	return methods, nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

func decodeRPCError(method string, raw json.RawMessage) error {
	var obj api.ErrorObject
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return &RPCError{Method: method, Code: obj.Code, Message: obj.Message, Data: obj.Data}
	}
	var msg string
	if err := json.Unmarshal(raw, &msg); err == nil {
		return &RPCError{Method: method, Message: msg}
	}
	return &RPCError{Method: method, Message: string(raw)}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
