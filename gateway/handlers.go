// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"axonflow/gateway/gateway/cache"
	"axonflow/gateway/gateway/policy"
	"axonflow/gateway/gateway/routing"
)

// Readiness states.
const (
	readinessReady    = "ready"
	readinessDegraded = "degraded"
	readinessCritical = "critical"
)

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

// healthHandler is the liveness probe. It reports the process, not the
// backends; a gateway with every circuit open is still alive.
func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write([]byte(`{"status":"ok"}`)); err != nil {
		log.Printf("Error writing health response: %v", err)
	}
}

type readinessResponse struct {
	Status   string                           `json:"status"`
	Backends map[string]routing.BreakerStatus `json:"backends"`
}

// readinessHandler reports circuit health across the catalogue: ready
// when every circuit is closed, degraded when some are open, critical
// with a 503 when no backend anywhere can take traffic.
func readinessHandler(w http.ResponseWriter, _ *http.Request) {
	snapshot := circuitBreaker.Snapshot()

	backends := make(map[string]routing.BreakerStatus)
	for _, p := range gatewayRegistry.Policies() {
		for i := range p.Backends {
			name := p.Backends[i].Name
			if st, ok := snapshot[name]; ok {
				backends[name] = st
			} else {
				backends[name] = routing.BreakerStatus{State: routing.StateClosed.String()}
			}
		}
	}

	open := 0
	closed := 0
	for _, st := range backends {
		switch st.State {
		case routing.StateOpen.String():
			open++
		case routing.StateClosed.String():
			closed++
		}
	}

	status := readinessReady
	httpStatus := http.StatusOK
	switch {
	case len(backends) > 0 && open == len(backends):
		status = readinessCritical
		httpStatus = http.StatusServiceUnavailable
	case closed != len(backends):
		status = readinessDegraded
	}

	writeJSON(w, httpStatus, readinessResponse{Status: status, Backends: backends})
}

type backendSummary struct {
	Name    string  `json:"name"`
	Label   string  `json:"label,omitempty"`
	Model   string  `json:"model"`
	Address string  `json:"address"`
	Weight  float64 `json:"weight"`
}

type policySummary struct {
	Name          string           `json:"name"`
	Mode          string           `json:"mode"`
	ClassifierURL string           `json:"classifier_url,omitempty"`
	AgentModel    string           `json:"agent_model,omitempty"`
	Backends      []backendSummary `json:"backends"`
}

func summarizePolicy(p *policy.Policy) policySummary {
	summary := policySummary{Name: p.Name, Mode: "pool"}
	switch {
	case p.HasClassifier():
		summary.Mode = "classifier"
		summary.ClassifierURL = p.Classifier.URL
	case p.IsAgentic():
		summary.Mode = "agent"
		summary.AgentModel = p.Agent.Model
	}
	for i := range p.Backends {
		b := &p.Backends[i]
		summary.Backends = append(summary.Backends, backendSummary{
			Name:    b.Name,
			Label:   b.Label,
			Model:   b.Model,
			Address: b.Address,
			Weight:  b.Weight,
		})
	}
	return summary
}

// policiesHandler lists the routing catalogue without credentials.
func policiesHandler(w http.ResponseWriter, _ *http.Request) {
	policies := gatewayRegistry.Policies()
	summaries := make([]policySummary, 0, len(policies))
	for _, p := range policies {
		summaries = append(summaries, summarizePolicy(p))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"default_policy": gatewayRegistry.DefaultName(),
		"policies":       summaries,
	})
}

// policyHandler shows a single policy by name.
func policyHandler(w http.ResponseWriter, r *http.Request) {
	p, err := gatewayRegistry.Resolve(mux.Vars(r)["name"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summarizePolicy(p))
}

type statsResponse struct {
	Gateway         *GatewayStats                    `json:"gateway"`
	Cache           cache.Stats                      `json:"cache"`
	CircuitBreakers map[string]routing.BreakerStatus `json:"circuit_breakers"`
}

// statsHandler serves the JSON metrics snapshot. Prometheus exposition
// lives on the metrics listener; this endpoint is for humans and the
// CLI.
func statsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Gateway:         statsCollector.Snapshot(),
		Cache:           cacheStore.Stats(),
		CircuitBreakers: circuitBreaker.Snapshot(),
	})
}
