// Package dispatcher wraps outbound HTTP calls to downstream endpoints with a
// hard timeout, service credentials and idempotency keys.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"orchestrator-core/internal/config"
	"orchestrator-core/internal/telemetry"
)

// Synthetic status codes for calls that never produced an HTTP status.
const (
	StatusTimeout  = 598
	StatusInternal = 599
)

// IdempotencyHeader carries the key downstream endpoints deduplicate on.
const IdempotencyHeader = "x-idempotency-key"

var (
	ErrTimeout   = errors.New("dispatch timeout")
	ErrTransport = errors.New("dispatch transport error")
)

// Request describes one outbound call. Endpoint may be absolute or relative to
// the configured base URL.
type Request struct {
	Endpoint       string
	Method         string
	Headers        map[string]string
	Body           any
	Timeout        time.Duration
	IdempotencyKey string
}

// Response is the settled result of a call that reached the endpoint.
type Response struct {
	OK      bool        `json:"ok"`
	Status  int         `json:"status"`
	Headers http.Header `json:"-"`
	Body    any         `json:"body,omitempty"`
}

// Client issues dispatch calls. It is safe for concurrent use.
type Client struct {
	baseURL    string
	serviceKey string
	timeout    time.Duration
	httpClient *http.Client
}

// New builds a client from the service base URL, key and default timeout in cfg.
func New(cfg config.Config) *Client {
	timeout := cfg.DispatchTimeout
	if timeout <= 0 {
		timeout = config.DefaultDispatchTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.ServiceBaseURL, "/"),
		serviceKey: cfg.ServiceKey,
		timeout:    timeout,
		// Deadlines come from the per-call context.
		httpClient: &http.Client{},
	}
}

// Call performs the request. HTTP error statuses are returned as a non-OK
// Response with a nil error; ErrTimeout and ErrTransport are reserved for calls
// that produced no response.
func (c *Client) Call(ctx context.Context, req Request) (Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	url := c.resolve(req.Endpoint)

	body, err := encodeBody(req.Body)
	if err != nil {
		return Response{Status: StatusInternal}, fmt.Errorf("encode request body: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return Response{Status: StatusInternal}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.serviceKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.serviceKey)
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set(IdempotencyHeader, req.IdempotencyKey)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return c.failed(ctx, method, start, timeout, url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.failed(ctx, method, start, timeout, url, err)
	}

	out := Response{
		OK:      resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status:  resp.StatusCode,
		Headers: resp.Header,
		Body:    parseBody(raw),
	}
	outcome := "ok"
	if !out.OK {
		outcome = "http_error"
	}
	telemetry.DispatchDuration.WithLabelValues(method, outcome).Observe(time.Since(start).Seconds())
	return out, nil
}

func (c *Client) failed(ctx context.Context, method string, start time.Time, timeout time.Duration, url string, err error) (Response, error) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		telemetry.DispatchDuration.WithLabelValues(method, "timeout").Observe(time.Since(start).Seconds())
		return Response{Status: StatusTimeout}, fmt.Errorf("%w: %s %s exceeded %s", ErrTimeout, method, url, timeout)
	}
	telemetry.DispatchDuration.WithLabelValues(method, "transport_error").Observe(time.Since(start).Seconds())
	return Response{Status: StatusInternal}, fmt.Errorf("%w: %w", ErrTransport, err)
}

func (c *Client) resolve(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return c.baseURL + endpoint
}

func (c *Client) Get(ctx context.Context, endpoint string, headers map[string]string) (Response, error) {
	return c.Call(ctx, Request{Endpoint: endpoint, Method: http.MethodGet, Headers: headers})
}

func (c *Client) Post(ctx context.Context, endpoint string, body any, headers map[string]string) (Response, error) {
	return c.Call(ctx, Request{Endpoint: endpoint, Method: http.MethodPost, Body: body, Headers: headers})
}

func (c *Client) Put(ctx context.Context, endpoint string, body any, headers map[string]string) (Response, error) {
	return c.Call(ctx, Request{Endpoint: endpoint, Method: http.MethodPut, Body: body, Headers: headers})
}

func (c *Client) Delete(ctx context.Context, endpoint string, headers map[string]string) (Response, error) {
	return c.Call(ctx, Request{Endpoint: endpoint, Method: http.MethodDelete, Headers: headers})
}

// IsSuccess reports a 2xx response from a call that completed.
func IsSuccess(resp Response) bool {
	return resp.OK && resp.Status >= 200 && resp.Status < 300
}

// ErrorInfo extracts a readable message from a structured error body, falling
// back to the status line.
func ErrorInfo(resp Response) string {
	if m, ok := resp.Body.(map[string]any); ok {
		switch e := m["error"].(type) {
		case string:
			if e != "" {
				return e
			}
		case map[string]any:
			if msg, ok := e["message"].(string); ok && msg != "" {
				return msg
			}
		}
		if msg, ok := m["message"].(string); ok && msg != "" {
			return msg
		}
	}
	text := http.StatusText(resp.Status)
	if text == "" {
		return fmt.Sprintf("HTTP %d", resp.Status)
	}
	return fmt.Sprintf("HTTP %d %s", resp.Status, text)
}

func encodeBody(body any) (io.Reader, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return bytes.NewReader(b), nil
	case string:
		return strings.NewReader(b), nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, err
		}
		return bytes.NewReader(data), nil
	}
}

// parseBody decodes JSON when possible and wraps anything else as {"raw": text}.
func parseBody(raw []byte) any {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{"raw": string(raw)}
	}
	return v
}
