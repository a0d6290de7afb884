// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

/*
Command gateway runs the AxonFlow LLM Gateway service.

The Gateway sits between applications and LLM providers, exposing a single
OpenAI-compatible endpoint and routing every request according to declarative
policies: by classifier verdict, by agent decision, or by plain load
balancing over a backend pool.

# Usage

	gateway [flags]

# Environment Variables

Required:
  - GATEWAY_CONFIG: path to the YAML configuration file (default: gateway.yaml)

Optional:
  - GATEWAY_HOST: listen address (default: 0.0.0.0)
  - GATEWAY_PORT: HTTP server port (default: 8084)
  - GATEWAY_METRICS_PORT: Prometheus metrics port (default: 9090)
  - GATEWAY_REDIS_URL: Redis URL for shared response cache and rate limiting
  - GATEWAY_API_KEYS: comma-separated API keys (overrides auth.api_keys)
  - GATEWAY_JWT_SECRET: secret for JWT validation (overrides auth.jwt_secret)
  - DATABASE_URL: PostgreSQL or MySQL DSN for usage accounting

# Backend Configuration

Backends are declared per policy in the config file. API keys are usually
injected through the environment:

	policies:
	  - name: chat-default
	    backends:
	      - name: gpt4o
	        address: https://api.openai.com
	        model: gpt-4o
	        api_key: ${OPENAI_API_KEY}
	      - name: claude
	        address: https://api.anthropic.com
	        model: claude-sonnet-4
	        api_key: ${ANTHROPIC_API_KEY}

# Example

	export OPENAI_API_KEY="sk-..."
	export GATEWAY_CONFIG="/etc/axonflow/gateway.yaml"
	./gateway
*/
package main
