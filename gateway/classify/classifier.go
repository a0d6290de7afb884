// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"axonflow/gateway/gateway/policy"
)

// Result is a classifier verdict mapping a request onto one of the
// policy's labels.
type Result struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// UnavailableError means no usable verdict could be obtained. The caller
// decides whether a fallback label absorbs it.
type UnavailableError struct {
	Reason string
	Err    error
}

func (e *UnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("classification unavailable: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("classification unavailable: %s", e.Reason)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Client queries external classifier services and agent models. One client
// is shared across all policies; per-call deadlines come from the policy
// configuration.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a classification client with a pooled transport.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Classify asks the policy's classifier service to label text. It makes a
// single attempt bounded by the endpoint timeout; classifier failures are
// never retried, they degrade to the policy's fallback label instead.
func (c *Client) Classify(ctx context.Context, endpoint *policy.ClassifierEndpoint, text string, labels []string) (*Result, error) {
	payload, err := json.Marshal(struct {
		Text   string   `json:"text"`
		Labels []string `json:"labels"`
	}{Text: text, Labels: labels})
	if err != nil {
		return nil, &UnavailableError{Reason: "failed to encode request", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, endpoint.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, &UnavailableError{Reason: "failed to create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &UnavailableError{Reason: "classifier unreachable", Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &UnavailableError{
			Reason: fmt.Sprintf("classifier returned %d: %s", resp.StatusCode, string(body)),
		}
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &UnavailableError{Reason: "failed to decode verdict", Err: err}
	}
	if result.Label == "" {
		return nil, &UnavailableError{Reason: "classifier returned an empty label"}
	}
	return &result, nil
}
