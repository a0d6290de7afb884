// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package main is the entry point for the AxonFlow LLM Gateway service.
//
// The Gateway is an OpenAI-compatible routing proxy that:
// - Routes chat completion requests to backends via policies
// - Classifies prompts to pick the right model tier
// - Load balances with circuit breaking and retries
// - Caches deterministic responses and records usage
//
// Usage:
//
//	./gateway
//
// Environment Variables:
//
//	GATEWAY_CONFIG - Path to the YAML config file (default: gateway.yaml)
//	GATEWAY_PORT - HTTP server port (default: 8084)
//	GATEWAY_REDIS_URL - Redis URL for shared cache and rate limiting (optional)
//	DATABASE_URL - SQL connection string for usage accounting (optional)
//
// For more information, see https://docs.getaxonflow.com
package main

import (
	"axonflow/gateway/gateway"
)

func main() {
	gateway.Run()
}
