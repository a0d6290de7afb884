// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

/*
Package gateway implements the AxonFlow LLM Gateway service: an
OpenAI-compatible reverse proxy that routes chat completion requests
across pools of LLM backends.

# Request Flow

Every request to POST /v1/chat/completions passes through the same
pipeline:

 1. Authentication (none, API key, or JWT) resolves a client identity.
 2. Rate limiting rejects over-quota clients with 429 before any
    routing work happens.
 3. The routing policy is resolved from the request's extension block,
    falling back to the configured default policy.
 4. Deterministic requests are served from the response cache when a
    fingerprint match exists, skipping all further routing work.
 5. Candidate backends are selected: manual pinning, classifier-driven
    label selection, agentic selection, or the policy's whole pool.
 6. The load balancer picks a backend, skipping open circuits, and the
    retry executor replays transient failures against alternates.
 7. The upstream response streams back to the client; tokens, latency,
    and outcome feed metrics, stats, and the usage recorder.

# Endpoints

	POST /v1/chat/completions    proxy endpoint (OpenAI-compatible)
	GET  /health                 liveness probe
	GET  /health/readiness       readiness with circuit breaker detail
	GET  /v1/policies            policy catalogue (secrets redacted)
	GET  /v1/policies/{name}     single policy detail
	GET  /v1/metrics             aggregated gateway statistics

Prometheus exposition runs on a separate listener at /metrics.

# Configuration

Configuration is a YAML file (default gateway.yaml, override with
GATEWAY_CONFIG) with ${VAR} environment interpolation. See Config for
the full schema and LoadConfig for defaulting and validation rules.

Run wires all components and blocks serving traffic:

	func main() {
		gateway.Run()
	}

Routing behavior per request is controlled through the
"axonflow-gateway" extension object in the request body; see
RoutingExtension. The extension is stripped before the request is
forwarded upstream.
*/
package gateway
