// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"axonflow/gateway/gateway/policy"
)

// completionsPath is the OpenAI-compatible chat completions endpoint every
// backend is expected to expose under its address.
const completionsPath = "/v1/chat/completions"

// errorBodyLimit caps how much of a failed response body lands in error
// messages and logs.
const errorBodyLimit = 2048

// Usage is the token accounting block of an OpenAI-compatible response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a fully buffered upstream response. Non-retryable error
// statuses are returned this way too, so the proxy can forward them
// verbatim.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
	Model       string
	Usage       Usage
}

// OK reports whether the response carries a success status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// StreamResponse hands the upstream body through unbuffered. The caller
// owns Body and must close it.
type StreamResponse struct {
	StatusCode  int
	ContentType string
	Body        io.ReadCloser
}

// Error is a retryable upstream failure: a connection problem, a timeout,
// or a retryable status (429, 500, 502, 503, 504). Anything else comes back
// as a Response instead.
type Error struct {
	Backend    string
	StatusCode int
	Err        error
	Body       string
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("backend %s returned %d: %s", e.Backend, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("backend %s request failed: %v", e.Backend, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient marks the error retryable for the routing executor.
func (e *Error) Transient() bool {
	return true
}

// IsRetryableStatus reports whether an upstream status should trigger a
// retry instead of being forwarded.
func IsRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Client sends chat completion requests to configured backends over a
// shared connection pool.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient creates an upstream client. timeout bounds each buffered
// attempt end to end; for streaming it bounds the wait for response
// headers. poolSize sizes the idle connection pool.
func NewClient(timeout time.Duration, poolSize int) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				MaxIdleConns:          poolSize,
				MaxIdleConnsPerHost:   poolSize,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: timeout,
			},
		},
		timeout: timeout,
	}
}

// Do sends body to the backend and buffers the whole response.
//
// Retryable statuses and transport failures return *Error; a canceled
// caller context comes back as context.Canceled so the executor stops
// instead of retrying. Every other status, success or not, is returned as
// a Response for the proxy to forward.
func (c *Client) Do(ctx context.Context, backend *policy.Backend, body []byte) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.send(ctx, backend, body)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, context.Canceled
		}
		return nil, &Error{Backend: backend.Name, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if IsRetryableStatus(resp.StatusCode) {
		return nil, &Error{
			Backend:    backend.Name,
			StatusCode: resp.StatusCode,
			Body:       truncate(data, errorBodyLimit),
		}
	}

	out := &Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        data,
	}
	if out.OK() {
		// Token usage is best-effort; non-JSON bodies just leave it zero.
		var parsed struct {
			Model string `json:"model"`
			Usage Usage  `json:"usage"`
		}
		if err := json.Unmarshal(data, &parsed); err == nil {
			out.Model = parsed.Model
			out.Usage = parsed.Usage
		}
	}
	return out, nil
}

// Stream sends body to the backend and returns the response body as a
// stream once headers arrive. Retryable statuses are drained and returned
// as *Error, which keeps retries possible until the first streamed byte.
func (c *Client) Stream(ctx context.Context, backend *policy.Backend, body []byte) (*StreamResponse, error) {
	resp, err := c.send(ctx, backend, body)
	if err != nil {
		return nil, err
	}

	if IsRetryableStatus(resp.StatusCode) {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		_ = resp.Body.Close()
		return nil, &Error{
			Backend:    backend.Name,
			StatusCode: resp.StatusCode,
			Body:       truncate(data, errorBodyLimit),
		}
	}

	return &StreamResponse{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        resp.Body,
	}, nil
}

// send builds and executes the POST against the backend's completions
// endpoint.
func (c *Client) send(ctx context.Context, backend *policy.Backend, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL(backend.Address), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if backend.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+backend.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, context.Canceled
		}
		return nil, &Error{Backend: backend.Name, Err: err}
	}
	return resp, nil
}

// endpointURL appends the completions path unless the address already
// names it.
func endpointURL(address string) string {
	if strings.HasSuffix(address, completionsPath) {
		return address
	}
	return strings.TrimSuffix(address, "/") + completionsPath
}

func truncate(data []byte, limit int) string {
	if len(data) > limit {
		data = data[:limit]
	}
	return string(data)
}
