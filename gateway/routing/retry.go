// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"axonflow/gateway/gateway/policy"
)

// RetryConfig controls the retry executor.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// AttemptFunc performs one request against the chosen backend. Returning an
// error that reports Transient() == true marks the attempt retryable.
type AttemptFunc func(ctx context.Context, backend *policy.Backend) error

// RetryListener observes retry scheduling: attempt is the 1-based attempt
// that just failed, wait is the backoff before the next one.
type RetryListener func(policyName string, attempt int, backend string, wait time.Duration, err error)

// Result describes a successful execution.
type Result struct {
	Backend  *policy.Backend
	Attempts int
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("upstream attempts exhausted after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error {
	return e.LastErr
}

// IsTransient reports whether err marks a retryable attempt. Errors expose
// this through a Transient() method; a context deadline counts as transient
// (the backend timed out), a context cancellation does not (the caller gave
// up). Unknown errors are not retried.
func IsTransient(err error) bool {
	var t interface{ Transient() bool }
	if errors.As(err, &t) {
		return t.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

// Executor drives attempts against a backend pool with exponential backoff.
//
// Each execution makes up to MaxRetries+1 attempts. A retry prefers a
// backend not yet tried in this execution; once every candidate has been
// tried the set resets and backends may be revisited. The backoff starts at
// InitialBackoff, doubles per attempt, is capped at MaxBackoff, and is
// jittered by a uniform factor in [0.95, 1.05].
type Executor struct {
	cfg     RetryConfig
	lb      *LoadBalancer
	breaker *CircuitBreaker
	onRetry RetryListener
	sleep   func(ctx context.Context, d time.Duration) error
}

// ExecutorOption configures the retry executor during creation.
type ExecutorOption func(*Executor)

// WithRetryListener registers a callback invoked before each backoff sleep.
func WithRetryListener(fn RetryListener) ExecutorOption {
	return func(e *Executor) {
		e.onRetry = fn
	}
}

// NewExecutor creates a retry executor on top of a load balancer and its
// circuit breaker.
func NewExecutor(cfg RetryConfig, lb *LoadBalancer, breaker *CircuitBreaker, opts ...ExecutorOption) *Executor {
	e := &Executor{
		cfg:     cfg,
		lb:      lb,
		breaker: breaker,
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs attempt against backends picked from candidates until one
// succeeds, a permanent error occurs, or the attempt budget is spent.
//
// Success and transient failure are recorded with the circuit breaker.
// Permanent errors propagate immediately without a breaker recording: they
// say nothing about backend health.
func (e *Executor) Execute(ctx context.Context, policyName string, candidates []*policy.Backend, attempt AttemptFunc) (*Result, error) {
	maxAttempts := e.cfg.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	tried := make(map[string]bool, len(candidates))
	backoff := e.cfg.InitialBackoff
	attempts := 0
	var lastErr error

	for attempts < maxAttempts {
		backend, err := e.pick(policyName, candidates, tried)
		if err != nil {
			if attempts > 0 {
				return nil, &ExhaustedError{Attempts: attempts, LastErr: lastErr}
			}
			return nil, err
		}

		attempts++
		tried[backend.Name] = true

		err = attempt(ctx, backend)
		if err == nil {
			e.breaker.RecordSuccess(backend.Name)
			return &Result{Backend: backend, Attempts: attempts}, nil
		}
		if !IsTransient(err) {
			return nil, err
		}
		e.breaker.RecordFailure(backend.Name)
		lastErr = err

		if attempts >= maxAttempts {
			break
		}

		wait := e.jitter(backoff)
		if e.onRetry != nil {
			e.onRetry(policyName, attempts, backend.Name, wait, err)
		}
		if err := e.sleep(ctx, wait); err != nil {
			return nil, err
		}
		backoff *= 2
		if backoff > e.cfg.MaxBackoff {
			backoff = e.cfg.MaxBackoff
		}
	}
	return nil, &ExhaustedError{Attempts: attempts, LastErr: lastErr}
}

// pick chooses the next backend, preferring ones not yet tried. When every
// untried candidate is ineligible, tried backends become fair game again.
func (e *Executor) pick(policyName string, candidates []*policy.Backend, tried map[string]bool) (*policy.Backend, error) {
	if len(tried) < len(candidates) {
		backend, err := e.lb.Pick(policyName, candidates, tried)
		if err == nil {
			return backend, nil
		}
	}
	return e.lb.Pick(policyName, candidates, nil)
}

// jitter spreads a backoff by a uniform factor in [0.95, 1.05].
func (e *Executor) jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	factor := 0.95 + 0.1*e.lb.randFloat()
	return time.Duration(float64(d) * factor)
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
