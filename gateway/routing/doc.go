// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

/*
Package routing selects backends and drives retries for the AxonFlow LLM
Gateway.

# Load Balancing

LoadBalancer picks one backend from a candidate set using a configured
strategy:

  - round_robin: cycles through the eligible candidates, one cursor per
    policy
  - random: uniform pick over the eligible candidates
  - weighted_random: pick proportional to backend weight; zero-weight
    backends are skipped

# Circuit Breaking

CircuitBreaker tracks consecutive transient failures per backend.
Reaching the failure threshold opens the circuit and removes the backend
from rotation. After the reset timeout the circuit moves to half-open on
the next eligibility check and admits exactly one trial request; a
successful trial closes the circuit, a failed one reopens it.

# Retries

Executor runs an AttemptFunc against picked backends, retrying transient
failures up to MaxRetries times with doubling, capped, jittered backoff.
Retries prefer backends not yet tried in the same execution. When all
attempts fail the caller receives an ExhaustedError wrapping the last
failure.

Typical wiring:

	breaker := routing.NewCircuitBreaker(routing.BreakerConfig{
		Enabled:          true,
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	})
	lb := routing.NewLoadBalancer(routing.StrategyRoundRobin, breaker)
	exec := routing.NewExecutor(routing.RetryConfig{
		MaxRetries:     2,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}, lb, breaker)

	result, err := exec.Execute(ctx, "chat-default", candidates, attempt)

All types in this package are safe for concurrent use.
*/
package routing
