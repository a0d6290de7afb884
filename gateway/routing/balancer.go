// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package routing

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"axonflow/gateway/gateway/policy"
)

// Strategy selects how a backend is picked from a candidate set.
type Strategy string

const (
	StrategyRoundRobin     Strategy = "round_robin"
	StrategyRandom         Strategy = "random"
	StrategyWeightedRandom Strategy = "weighted_random"
)

// IsValidStrategy reports whether s names a supported strategy.
func IsValidStrategy(s Strategy) bool {
	switch s {
	case StrategyRoundRobin, StrategyRandom, StrategyWeightedRandom:
		return true
	}
	return false
}

// ErrNoEligibleBackend is returned when every candidate is excluded, has its
// circuit open, or carries zero weight under weighted_random.
var ErrNoEligibleBackend = errors.New("no eligible backend")

// LoadBalancer picks a backend from a candidate set using the configured
// strategy, honoring circuit breaker eligibility.
//
// Round-robin keeps one cursor per policy so interleaved traffic to
// different policies does not skew either rotation. The cursor advances over
// the eligible subset, so an open circuit shrinks the rotation instead of
// producing gaps.
type LoadBalancer struct {
	strategy Strategy
	breaker  *CircuitBreaker

	mu      sync.Mutex
	cursors map[string]*uint64
	random  *rand.Rand
}

// NewLoadBalancer creates a load balancer for the given strategy.
func NewLoadBalancer(strategy Strategy, breaker *CircuitBreaker) *LoadBalancer {
	return &LoadBalancer{
		strategy: strategy,
		breaker:  breaker,
		cursors:  make(map[string]*uint64),
		random:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Strategy returns the configured strategy name.
func (lb *LoadBalancer) Strategy() Strategy {
	return lb.strategy
}

// Pick selects one backend from candidates, skipping names in exclude and
// backends the circuit breaker reports ineligible. Under weighted_random,
// zero-weight backends are skipped as well.
//
// The chosen backend is admitted through the breaker before being returned;
// losing a half-open trial race excludes that backend and the pick repeats.
// The caller's exclude map is never modified.
func (lb *LoadBalancer) Pick(policyName string, candidates []*policy.Backend, exclude map[string]bool) (*policy.Backend, error) {
	skip := make(map[string]bool, len(exclude))
	for name := range exclude {
		skip[name] = true
	}

	// One extra round covers the case where every candidate loses a
	// half-open admission race.
	for round := 0; round <= len(candidates); round++ {
		eligible := lb.eligible(candidates, skip)
		if len(eligible) == 0 {
			return nil, ErrNoEligibleBackend
		}

		var chosen *policy.Backend
		switch lb.strategy {
		case StrategyWeightedRandom:
			chosen = lb.pickWeighted(eligible)
		case StrategyRandom:
			chosen = eligible[lb.randIntn(len(eligible))]
		default:
			chosen = eligible[lb.nextIndex(policyName)%uint64(len(eligible))]
		}

		if lb.breaker.Allow(chosen.Name) {
			return chosen, nil
		}
		skip[chosen.Name] = true
	}
	return nil, ErrNoEligibleBackend
}

// eligible filters candidates down to the pickable subset.
func (lb *LoadBalancer) eligible(candidates []*policy.Backend, skip map[string]bool) []*policy.Backend {
	out := make([]*policy.Backend, 0, len(candidates))
	for _, b := range candidates {
		if skip[b.Name] {
			continue
		}
		if lb.strategy == StrategyWeightedRandom && b.Weight <= 0 {
			continue
		}
		if !lb.breaker.Eligible(b.Name) {
			continue
		}
		out = append(out, b)
	}
	return out
}

// pickWeighted samples one backend with probability proportional to weight.
func (lb *LoadBalancer) pickWeighted(eligible []*policy.Backend) *policy.Backend {
	total := 0.0
	for _, b := range eligible {
		total += b.Weight
	}
	r := lb.randFloat() * total
	for _, b := range eligible {
		r -= b.Weight
		if r <= 0 {
			return b
		}
	}
	return eligible[len(eligible)-1]
}

// nextIndex returns the next round-robin position for a policy.
func (lb *LoadBalancer) nextIndex(policyName string) uint64 {
	lb.mu.Lock()
	cursor, ok := lb.cursors[policyName]
	if !ok {
		cursor = new(uint64)
		lb.cursors[policyName] = cursor
	}
	lb.mu.Unlock()
	return atomic.AddUint64(cursor, 1) - 1
}

func (lb *LoadBalancer) randFloat() float64 {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.random.Float64()
}

func (lb *LoadBalancer) randIntn(n int) int {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.random.Intn(n)
}
