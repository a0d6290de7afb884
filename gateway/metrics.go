// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"github.com/prometheus/client_golang/prometheus"

	"axonflow/gateway/gateway/routing"
)

// Prometheus metrics
var (
	promRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axonflow_gateway_requests_total",
			Help: "Total number of chat completion requests processed",
		},
		[]string{"policy", "model", "outcome"},
	)

	promRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "axonflow_gateway_request_duration_ms",
			Help:    "End-to-end request duration in milliseconds",
			Buckets: []float64{50, 100, 200, 500, 1000, 2000, 5000, 10000, 30000, 60000},
		},
		[]string{"policy"},
	)

	promUpstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "axonflow_gateway_upstream_duration_ms",
			Help:    "Upstream backend call duration in milliseconds",
			Buckets: []float64{50, 100, 200, 500, 1000, 2000, 5000, 10000, 30000, 60000},
		},
		[]string{"policy", "backend"},
	)

	promOverheadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "axonflow_gateway_overhead_duration_ms",
			Help:    "Gateway-added latency in milliseconds, request duration minus upstream time",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500},
		},
		[]string{"policy"},
	)

	promClassifierDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "axonflow_gateway_classifier_duration_ms",
			Help:    "Classifier sidecar call duration in milliseconds",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500},
		},
		[]string{"policy"},
	)

	promClassifierFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axonflow_gateway_classifier_fallbacks_total",
			Help: "Total number of requests routed via fallback because classification was unavailable",
		},
		[]string{"policy"},
	)

	promBackendSelections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axonflow_gateway_backend_selections_total",
			Help: "Total number of backend selections by the load balancer",
		},
		[]string{"policy", "backend", "strategy"},
	)

	promRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axonflow_gateway_retries_total",
			Help: "Total number of upstream retry attempts",
		},
		[]string{"policy"},
	)

	promTokenUsage = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axonflow_gateway_token_usage_total",
			Help: "Total tokens reported by upstream backends",
		},
		[]string{"policy", "model", "kind"},
	)

	promCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axonflow_gateway_cache_hits_total",
			Help: "Total number of response cache hits",
		},
		[]string{"policy"},
	)

	promCacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axonflow_gateway_cache_misses_total",
			Help: "Total number of response cache misses",
		},
		[]string{"policy"},
	)

	promCacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "axonflow_gateway_cache_entries",
			Help: "Current number of entries in the response cache",
		},
	)

	promCacheErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "axonflow_gateway_cache_errors_total",
			Help: "Total number of cache backend failures, each degraded to a direct upstream call",
		},
	)

	promBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "axonflow_gateway_circuit_breaker_state",
			Help: "Circuit breaker state per backend: 0 closed, 1 open, 2 half-open",
		},
		[]string{"backend"},
	)

	promBreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axonflow_gateway_circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"backend", "to"},
	)

	promRateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axonflow_gateway_rate_limited_total",
			Help: "Total number of requests rejected by rate limiting",
		},
		[]string{"scope"},
	)
)

func init() {
	prometheus.MustRegister(promRequestsTotal)
	prometheus.MustRegister(promRequestDuration)
	prometheus.MustRegister(promUpstreamDuration)
	prometheus.MustRegister(promOverheadDuration)
	prometheus.MustRegister(promClassifierDuration)
	prometheus.MustRegister(promClassifierFallbacks)
	prometheus.MustRegister(promBackendSelections)
	prometheus.MustRegister(promRetriesTotal)
	prometheus.MustRegister(promTokenUsage)
	prometheus.MustRegister(promCacheHits)
	prometheus.MustRegister(promCacheMisses)
	prometheus.MustRegister(promCacheEntries)
	prometheus.MustRegister(promCacheErrors)
	prometheus.MustRegister(promBreakerState)
	prometheus.MustRegister(promBreakerTransitions)
	prometheus.MustRegister(promRateLimited)
}

// breakerTransitionMetrics feeds circuit breaker state changes into
// prometheus. Registered as the breaker's transition listener, so it
// must not call back into the breaker.
func breakerTransitionMetrics(backend string, _, to routing.State) {
	promBreakerState.WithLabelValues(backend).Set(float64(to))
	promBreakerTransitions.WithLabelValues(backend, to.String()).Inc()
}
