// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"axonflow/gateway/gateway/routing"
)

const handlersTestConfig = `
circuit_breaker:
  failure_threshold: 1
  reset_timeout_secs: 30
default_policy: chat-default
policies:
  - name: chat-default
    backends:
      - name: openai-primary
        address: https://api.openai.com
        api_key: sk-secret
        model: gpt-4o
      - name: anthropic-primary
        address: https://api.anthropic.com
        api_key: sk-ant-secret
        model: claude-sonnet-4
  - name: cheap
    backends:
      - name: mini
        address: https://api.openai.com
        model: gpt-4o-mini
        weight: 2
`

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	healthHandler(rec, httptest.NewRequest("GET", "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, `{"status":"ok"}`, rec.Body.String())
}

func TestReadinessHandler(t *testing.T) {
	setupTestGateway(t, handlersTestConfig)

	decode := func(rec *httptest.ResponseRecorder) readinessResponse {
		var out readinessResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		return out
	}

	// All circuits closed.
	rec := httptest.NewRecorder()
	readinessHandler(rec, httptest.NewRequest("GET", "/health/readiness", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	out := decode(rec)
	assert.Equal(t, readinessReady, out.Status)
	require.Len(t, out.Backends, 3)
	assert.Equal(t, routing.StateClosed.String(), out.Backends["openai-primary"].State)

	// One open circuit degrades readiness but the gateway still serves.
	circuitBreaker.RecordFailure("openai-primary")
	rec = httptest.NewRecorder()
	readinessHandler(rec, httptest.NewRequest("GET", "/health/readiness", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	out = decode(rec)
	assert.Equal(t, readinessDegraded, out.Status)
	assert.Equal(t, routing.StateOpen.String(), out.Backends["openai-primary"].State)

	// Every circuit open means no request can be served.
	circuitBreaker.RecordFailure("anthropic-primary")
	circuitBreaker.RecordFailure("mini")
	rec = httptest.NewRecorder()
	readinessHandler(rec, httptest.NewRequest("GET", "/health/readiness", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, readinessCritical, decode(rec).Status)
}

func TestPoliciesHandler(t *testing.T) {
	setupTestGateway(t, handlersTestConfig)

	rec := httptest.NewRecorder()
	policiesHandler(rec, httptest.NewRequest("GET", "/v1/policies", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		DefaultPolicy string          `json:"default_policy"`
		Policies      []policySummary `json:"policies"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))

	assert.Equal(t, "chat-default", out.DefaultPolicy)
	require.Len(t, out.Policies, 2)
	assert.Equal(t, "cheap", out.Policies[0].Name, "policies list in name order")
	assert.Equal(t, "chat-default", out.Policies[1].Name)
	assert.Equal(t, "pool", out.Policies[1].Mode)
	assert.Equal(t, 2.0, out.Policies[0].Backends[0].Weight)

	assert.NotContains(t, rec.Body.String(), "sk-secret", "API keys never appear in the catalogue")
	assert.NotContains(t, rec.Body.String(), "sk-ant-secret")
}

func TestPolicyHandler(t *testing.T) {
	setupTestGateway(t, handlersTestConfig)

	r := mux.NewRouter()
	r.HandleFunc("/v1/policies/{name}", policyHandler).Methods("GET")

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/policies/cheap", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var out policySummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "cheap", out.Name)
	require.Len(t, out.Backends, 1)
	assert.Equal(t, "mini", out.Backends[0].Name)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/policies/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), ErrTypePolicyNotFound)
}

func TestPolicyHandlerModes(t *testing.T) {
	setupTestGateway(t, `
default_policy: smart
policies:
  - name: smart
    classifier:
      url: http://classifier.internal:8000/classify
    backends:
      - name: coder
        label: code
        address: https://api.mistral.ai
        model: codestral
  - name: routed
    agent:
      address: https://api.openai.com
      model: gpt-4o-mini
    backends:
      - name: fast
        address: https://api.openai.com
        model: gpt-4o-mini
`)

	r := mux.NewRouter()
	r.HandleFunc("/v1/policies/{name}", policyHandler).Methods("GET")

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/policies/smart", nil))
	var smart policySummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &smart))
	assert.Equal(t, "classifier", smart.Mode)
	assert.Equal(t, "http://classifier.internal:8000/classify", smart.ClassifierURL)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/policies/routed", nil))
	var routed policySummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &routed))
	assert.Equal(t, "agent", routed.Mode)
	assert.Equal(t, "gpt-4o-mini", routed.AgentModel)
}

func TestStatsHandler(t *testing.T) {
	setupTestGateway(t, handlersTestConfig)

	statsCollector.RecordRequest("chat-default", OutcomeSuccess, 120*time.Millisecond)
	statsCollector.RecordBackend("openai-primary", true, 100*time.Millisecond, 10, 20, 150)

	rec := httptest.NewRecorder()
	statsHandler(rec, httptest.NewRequest("GET", "/v1/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Gateway struct {
			PolicyStats map[string]struct {
				TotalRequests int64 `json:"total_requests"`
			} `json:"policy_stats"`
			System struct {
				TotalRequests int64 `json:"total_requests"`
			} `json:"system"`
		} `json:"gateway"`
		Cache           map[string]interface{}           `json:"cache"`
		CircuitBreakers map[string]routing.BreakerStatus `json:"circuit_breakers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))

	assert.Equal(t, int64(1), out.Gateway.PolicyStats["chat-default"].TotalRequests)
	assert.Equal(t, int64(1), out.Gateway.System.TotalRequests)
	assert.Contains(t, out.Cache, "hits")
}
