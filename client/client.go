// Package client provides a typed Go SDK for the custodian REST API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sethvargo/go-retry"
)

// Client is the top-level custodian API client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries uint64
	retryBase  time.Duration

	Commands *CommandService
	Ledger   *LedgerService
	Verify   *VerifyService
	Exports  *ExportService
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sets the bearer credential: an API key or a signed token.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithRetry sets how often a request that failed transiently is retried
// and the first backoff delay. Zero retries disables retrying.
func WithRetry(maxRetries uint64, base time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.retryBase = base
	}
}

// New creates a client for the given base URL (e.g. "http://localhost:3030").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxRetries: 3,
		retryBase:  200 * time.Millisecond,
	}
	for _, o := range opts {
		o(c)
	}
	c.Commands = &CommandService{c: c}
	c.Ledger = &LedgerService{c: c}
	c.Verify = &VerifyService{c: c}
	c.Exports = &ExportService{c: c}
	return c
}

// Health returns the liveness check response.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, "/api/v1/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// request describes one API call.
type request struct {
	method string
	path   string
	body   any
	header http.Header
}

// response is what callers need back beyond the decoded body.
type response struct {
	status int
	header http.Header
}

// do executes req with retries and decodes the JSON response into result.
// Only requests that are safe to repeat are retried: reads, and commands
// carrying an idempotency key.
func (c *Client) do(ctx context.Context, req request, result any) (*response, error) {
	var data []byte
	if req.body != nil {
		var err error
		if data, err = json.Marshal(req.body); err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
	}

	if c.maxRetries == 0 || !repeatable(req) {
		return c.once(ctx, req, data, result)
	}

	b := retry.NewExponential(c.retryBase)
	b = retry.WithJitterPercent(20, b)
	b = retry.WithMaxRetries(c.maxRetries, b)

	var resp *response
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		r, err := c.once(ctx, req, data, result)
		if err != nil {
			if IsRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		resp = r
		return nil
	})

	return resp, err
}

func repeatable(req request) bool {
	return req.method == http.MethodGet || req.header.Get(IdempotencyKeyHeader) != ""
}

func (c *Client) once(ctx context.Context, req request, data []byte, result any) (*response, error) {
	var bodyReader io.Reader
	if data != nil {
		bodyReader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, c.baseURL+req.path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if data != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.header {
		httpReq.Header[k] = v
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &transportError{err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &transportError{err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode >= 400 {
		return nil, parseAPIError(resp.StatusCode, respBody)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}

	return &response{status: resp.StatusCode, header: resp.Header}, nil
}

// get is a convenience wrapper for GET requests with query parameters.
func (c *Client) get(ctx context.Context, path string, params url.Values, result any) error {
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	_, err := c.do(ctx, request{method: http.MethodGet, path: path}, result)
	return err
}

// stream opens a GET whose body the caller reads. It is not retried.
func (c *Client) stream(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &transportError{err: err}
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, parseAPIError(resp.StatusCode, body)
	}

	return resp, nil
}
