// Package sandbox dispatches tenant-supplied code to the isolated execution
// service. The caller enforces the timeout: the HTTP request carries a context
// deadline and a timed-out run is reported as a failure with its elapsed time.
package sandbox

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
)

const DefaultTimeout = 10 * time.Second

var ErrTimeout = errors.New("sandboxed execution timed out")

type Option func(*Client)

type Client struct {
	endpoint   string
	httpClient *http.Client
	timeout    time.Duration
}

func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint:   strings.TrimSpace(endpoint),
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

type ExecuteRequest struct {
	TenantID  string         `json:"tenant_id"`
	Code      string         `json:"code"`
	Input     map[string]any `json:"input"`
	TimeoutMs int64          `json:"timeout_ms"`
}

type ExecuteResult struct {
	Result    any            `json:"result"`
	Variables map[string]any `json:"variables,omitempty"`
	Elapsed   time.Duration  `json:"-"`
}

type executeResponse struct {
	Result any    `json:"result"`
	Error  string `json:"error,omitempty"`
}

// Execute runs code with the mapped input. The reserved "__variables" key of
// an object result requests extra variable assignments for the caller.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	if strings.TrimSpace(c.endpoint) == "" {
		return ExecuteResult{}, errors.New("sandbox endpoint is not configured")
	}
	timeout := c.timeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	req.TimeoutMs = timeout.Milliseconds()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("marshal execute request: %w", err)
	}

	started := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("build execute request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	elapsed := time.Since(started)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ExecuteResult{Elapsed: elapsed}, fmt.Errorf("%w after %s", ErrTimeout, elapsed.Round(time.Millisecond))
		}
		return ExecuteResult{Elapsed: elapsed}, fmt.Errorf("call sandbox: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		message := strings.TrimSpace(string(raw))
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return ExecuteResult{Elapsed: elapsed}, fmt.Errorf("sandbox status %d: %s", resp.StatusCode, message)
	}

	var parsed executeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&parsed); err != nil {
		return ExecuteResult{Elapsed: elapsed}, fmt.Errorf("decode sandbox response: %w", err)
	}
	if strings.TrimSpace(parsed.Error) != "" {
		return ExecuteResult{Elapsed: elapsed}, fmt.Errorf("sandboxed code failed: %s", parsed.Error)
	}

	result := ExecuteResult{Result: parsed.Result, Elapsed: elapsed}
	if obj, ok := parsed.Result.(map[string]any); ok {
		if vars, ok := obj["__variables"].(map[string]any); ok {
			result.Variables = vars
			delete(obj, "__variables")
			result.Result = obj
		}
	}
	return result, nil
}
