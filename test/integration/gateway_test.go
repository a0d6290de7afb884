// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

// TestConfig holds configuration for integration tests
type TestConfig struct {
	GatewayURL string
	MetricsURL string
	APIKey     string
	PolicyName string
}

// LoadTestConfig loads test configuration from environment
func LoadTestConfig() (*TestConfig, error) {
	gatewayURL := os.Getenv("TEST_GATEWAY_URL")
	if gatewayURL == "" {
		return nil, fmt.Errorf("TEST_GATEWAY_URL not set")
	}

	return &TestConfig{
		GatewayURL: strings.TrimRight(gatewayURL, "/"),
		MetricsURL: strings.TrimRight(os.Getenv("TEST_GATEWAY_METRICS_URL"), "/"),
		APIKey:     os.Getenv("TEST_GATEWAY_API_KEY"),
		PolicyName: os.Getenv("TEST_GATEWAY_POLICY"),
	}, nil
}

// skipWithoutGateway skips the test unless a gateway URL is configured
func skipWithoutGateway(t *testing.T) *TestConfig {
	config, err := LoadTestConfig()
	if err != nil {
		t.Skipf("Skipping integration test: %v", err)
	}
	return config
}

// MakeChatRequest sends a chat completion through the gateway
func MakeChatRequest(t *testing.T, config *TestConfig, prompt string, extension map[string]interface{}) (*http.Response, error) {
	reqBody := map[string]interface{}{
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}
	if config.PolicyName != "" {
		if extension == nil {
			extension = map[string]interface{}{}
		}
		if _, ok := extension["policy"]; !ok {
			extension["policy"] = config.PolicyName
		}
	}
	if len(extension) > 0 {
		reqBody["axonflow-gateway"] = extension
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequest("POST", config.GatewayURL+"/v1/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+config.APIKey)
	}

	client := &http.Client{Timeout: 60 * time.Second}
	return client.Do(req)
}

// readBody reads and closes an HTTP response body
func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	return data
}

// TestGatewayHealth verifies the liveness endpoint
func TestGatewayHealth(t *testing.T) {
	config := skipWithoutGateway(t)

	resp, err := http.Get(config.GatewayURL + "/health")
	if err != nil {
		t.Fatalf("Health check failed: %v", err)
	}
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Health check status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if string(body) != `{"status":"ok"}` {
		t.Errorf("Health check body = %q, want %q", body, `{"status":"ok"}`)
	}
}

// TestGatewayReadiness verifies the readiness endpoint reports breaker state
func TestGatewayReadiness(t *testing.T) {
	config := skipWithoutGateway(t)

	resp, err := http.Get(config.GatewayURL + "/health/readiness")
	if err != nil {
		t.Fatalf("Readiness check failed: %v", err)
	}
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("Readiness status = %d, want 200 or 503", resp.StatusCode)
	}

	var readiness struct {
		Status   string                     `json:"status"`
		Backends map[string]json.RawMessage `json:"backends"`
	}
	if err := json.Unmarshal(body, &readiness); err != nil {
		t.Fatalf("Failed to decode readiness body: %v", err)
	}

	switch readiness.Status {
	case "ready", "degraded", "critical":
	default:
		t.Errorf("Readiness state = %q, want ready, degraded, or critical", readiness.Status)
	}
	t.Logf("✅ Gateway readiness: %s (%d backends)", readiness.Status, len(readiness.Backends))
}

// TestGatewayPolicies verifies policies are listed without credentials
func TestGatewayPolicies(t *testing.T) {
	config := skipWithoutGateway(t)

	req, err := http.NewRequest("GET", config.GatewayURL+"/v1/policies", nil)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	if config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+config.APIKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Policies request failed: %v", err)
	}
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Policies status = %d, want %d (body: %s)", resp.StatusCode, http.StatusOK, body)
	}

	var listing struct {
		DefaultPolicy string            `json:"default_policy"`
		Policies      []json.RawMessage `json:"policies"`
	}
	if err := json.Unmarshal(body, &listing); err != nil {
		t.Fatalf("Failed to decode policies body: %v", err)
	}
	if listing.DefaultPolicy == "" {
		t.Error("default_policy is empty")
	}
	if len(listing.Policies) == 0 {
		t.Error("no policies listed")
	}
	if strings.Contains(string(body), "api_key") {
		t.Error("policies listing leaks api_key material")
	}
	t.Logf("✅ %d policies, default %q", len(listing.Policies), listing.DefaultPolicy)
}

// TestChatCompletionRoundtrip verifies an end-to-end completion
func TestChatCompletionRoundtrip(t *testing.T) {
	config := skipWithoutGateway(t)

	resp, err := MakeChatRequest(t, config, "Reply with the single word: pong", nil)
	if err != nil {
		t.Fatalf("Chat request failed: %v", err)
	}
	requestID := resp.Header.Get("X-Request-Id")
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Chat status = %d, want %d (body: %s)", resp.StatusCode, http.StatusOK, body)
	}
	if requestID == "" {
		t.Error("X-Request-Id header missing")
	}

	var completion struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &completion); err != nil {
		t.Fatalf("Failed to decode completion: %v", err)
	}
	if len(completion.Choices) == 0 || completion.Choices[0].Message.Content == "" {
		t.Fatalf("Completion has no content: %s", body)
	}
	t.Logf("✅ Completion from %s (request %s)", completion.Model, requestID)
}

// TestChatCompletionValidation verifies malformed requests are rejected
func TestChatCompletionValidation(t *testing.T) {
	config := skipWithoutGateway(t)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantType   string
	}{
		{
			name:       "missing messages",
			body:       `{"model": "gpt-4o"}`,
			wantStatus: http.StatusBadRequest,
			wantType:   "invalid_request",
		},
		{
			name:       "manual routing without model",
			body:       `{"messages": [{"role":"user","content":"hi"}], "axonflow-gateway": {"routing_strategy": "manual"}}`,
			wantStatus: http.StatusBadRequest,
			wantType:   "invalid_request",
		},
		{
			name:       "unknown policy",
			body:       `{"messages": [{"role":"user","content":"hi"}], "axonflow-gateway": {"policy": "no-such-policy-xyz"}}`,
			wantStatus: http.StatusNotFound,
			wantType:   "policy_not_found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest("POST", config.GatewayURL+"/v1/chat/completions", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("Failed to build request: %v", err)
			}
			req.Header.Set("Content-Type", "application/json")
			if config.APIKey != "" {
				req.Header.Set("Authorization", "Bearer "+config.APIKey)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			body := readBody(t, resp)

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("Status = %d, want %d (body: %s)", resp.StatusCode, tt.wantStatus, body)
			}

			var envelope struct {
				Error struct {
					Type   string `json:"type"`
					Source string `json:"source"`
				} `json:"error"`
			}
			if err := json.Unmarshal(body, &envelope); err != nil {
				t.Fatalf("Failed to decode error envelope: %v", err)
			}
			if envelope.Error.Type != tt.wantType {
				t.Errorf("Error type = %q, want %q", envelope.Error.Type, tt.wantType)
			}
			if envelope.Error.Source != "client" {
				t.Errorf("Error source = %q, want %q", envelope.Error.Source, "client")
			}
		})
	}
}

// TestResponseCacheRoundtrip verifies repeated deterministic requests are
// served from cache. Requires TEST_GATEWAY_CACHE=1 since deployments may
// run with caching disabled.
func TestResponseCacheRoundtrip(t *testing.T) {
	config := skipWithoutGateway(t)
	if os.Getenv("TEST_GATEWAY_CACHE") == "" {
		t.Skip("Skipping cache test: TEST_GATEWAY_CACHE not set")
	}

	// Unique prompt so earlier runs never pre-populate the entry.
	prompt := fmt.Sprintf("Integration cache probe %d", time.Now().UnixNano())

	first, err := MakeChatRequest(t, config, prompt, nil)
	if err != nil {
		t.Fatalf("First request failed: %v", err)
	}
	firstBody := readBody(t, first)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("First request status = %d (body: %s)", first.StatusCode, firstBody)
	}

	// The cache write happens after the response; give it a moment.
	time.Sleep(500 * time.Millisecond)

	second, err := MakeChatRequest(t, config, prompt, nil)
	if err != nil {
		t.Fatalf("Second request failed: %v", err)
	}
	secondBody := readBody(t, second)
	if second.StatusCode != http.StatusOK {
		t.Fatalf("Second request status = %d (body: %s)", second.StatusCode, secondBody)
	}

	if !bytes.Equal(firstBody, secondBody) {
		t.Error("Cached response differs from the original")
	}
	t.Logf("✅ Cache replayed %d bytes", len(secondBody))
}

// TestMetricsExposed verifies the Prometheus endpoint when configured
func TestMetricsExposed(t *testing.T) {
	config := skipWithoutGateway(t)
	if config.MetricsURL == "" {
		t.Skip("Skipping metrics test: TEST_GATEWAY_METRICS_URL not set")
	}

	resp, err := http.Get(config.MetricsURL + "/metrics")
	if err != nil {
		t.Fatalf("Metrics request failed: %v", err)
	}
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Metrics status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if !strings.Contains(string(body), "axonflow_gateway_requests_total") {
		t.Error("Metrics output missing axonflow_gateway_requests_total")
	}
}
