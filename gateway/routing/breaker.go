// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package routing

import (
	"sync"
	"time"
)

// State is the circuit state of a single backend.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the lowercase state name used in metrics and snapshots.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// BreakerConfig controls the per-backend circuit breaker.
//
// Enabled false is pass-through mode: every backend is always admitted and
// recordings are no-ops, but the code path stays live.
type BreakerConfig struct {
	Enabled          bool
	FailureThreshold int
	ResetTimeout     time.Duration
}

// TransitionFunc observes breaker state transitions (metrics, logging).
type TransitionFunc func(backend string, from, to State)

// BreakerStatus is a point-in-time view of one backend's circuit.
type BreakerStatus struct {
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
}

// breakerEntry holds the mutable circuit state for one backend. Each entry
// has its own mutex so backends never contend with each other.
type breakerEntry struct {
	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	trialInFlight bool
}

// CircuitBreaker tracks per-backend failure state and removes unhealthy
// backends from rotation.
//
// Closed counts consecutive failures and opens at FailureThreshold. Open
// excludes the backend until ResetTimeout has elapsed since opening; the
// transition to HalfOpen happens lazily on the next eligibility check, no
// background timer runs. HalfOpen admits exactly one trial request: success
// closes the circuit, failure reopens it with a fresh timestamp.
type CircuitBreaker struct {
	cfg          BreakerConfig
	mu           sync.RWMutex
	entries      map[string]*breakerEntry
	onTransition TransitionFunc
	now          func() time.Time
}

// BreakerOption configures the circuit breaker during creation.
type BreakerOption func(*CircuitBreaker)

// WithTransitionListener registers a callback invoked on every state
// transition. The callback runs while the backend's entry lock is held, so
// it must not call back into the breaker.
func WithTransitionListener(fn TransitionFunc) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onTransition = fn
	}
}

// NewCircuitBreaker creates a circuit breaker with the given configuration.
func NewCircuitBreaker(cfg BreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		cfg:     cfg,
		entries: make(map[string]*breakerEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// entry returns the state entry for a backend, creating it on first use.
func (cb *CircuitBreaker) entry(backend string) *breakerEntry {
	cb.mu.RLock()
	e, ok := cb.entries[backend]
	cb.mu.RUnlock()
	if ok {
		return e
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if e, ok = cb.entries[backend]; ok {
		return e
	}
	e = &breakerEntry{state: StateClosed}
	cb.entries[backend] = e
	return e
}

// refreshLocked applies the lazy Open -> HalfOpen transition. Caller holds
// the entry lock.
func (cb *CircuitBreaker) refreshLocked(backend string, e *breakerEntry) {
	if e.state == StateOpen && cb.now().Sub(e.openedAt) >= cb.cfg.ResetTimeout {
		cb.transitionLocked(backend, e, StateHalfOpen)
		e.trialInFlight = false
	}
}

// transitionLocked moves the entry to a new state and notifies the listener.
// Caller holds the entry lock.
func (cb *CircuitBreaker) transitionLocked(backend string, e *breakerEntry, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	if cb.onTransition != nil {
		cb.onTransition(backend, from, to)
	}
}

// Eligible reports whether the backend may currently be selected, without
// consuming the half-open trial slot. The lazy HalfOpen transition happens
// here.
func (cb *CircuitBreaker) Eligible(backend string) bool {
	if !cb.cfg.Enabled {
		return true
	}
	e := cb.entry(backend)
	e.mu.Lock()
	defer e.mu.Unlock()
	cb.refreshLocked(backend, e)

	switch e.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return !e.trialInFlight
	default:
		return false
	}
}

// Allow admits a request to the backend. In HalfOpen it consumes the single
// trial slot; a concurrent request that lost the race is refused.
func (cb *CircuitBreaker) Allow(backend string) bool {
	if !cb.cfg.Enabled {
		return true
	}
	e := cb.entry(backend)
	e.mu.Lock()
	defer e.mu.Unlock()
	cb.refreshLocked(backend, e)

	switch e.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if e.trialInFlight {
			return false
		}
		e.trialInFlight = true
		return true
	default:
		return false
	}
}

// RecordSuccess resets the failure count; a successful half-open trial
// closes the circuit. Late successes arriving while the circuit is Open are
// ignored.
func (cb *CircuitBreaker) RecordSuccess(backend string) {
	if !cb.cfg.Enabled {
		return
	}
	e := cb.entry(backend)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateClosed:
		e.failures = 0
	case StateHalfOpen:
		cb.transitionLocked(backend, e, StateClosed)
		e.failures = 0
		e.trialInFlight = false
	}
}

// RecordFailure counts a transient failure; reaching the threshold opens the
// circuit, and a failed half-open trial reopens it with a fresh timeout.
func (cb *CircuitBreaker) RecordFailure(backend string) {
	if !cb.cfg.Enabled {
		return
	}
	e := cb.entry(backend)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateClosed:
		e.failures++
		if e.failures >= cb.cfg.FailureThreshold {
			cb.transitionLocked(backend, e, StateOpen)
			e.openedAt = cb.now()
		}
	case StateHalfOpen:
		cb.transitionLocked(backend, e, StateOpen)
		e.openedAt = cb.now()
		e.trialInFlight = false
	}
}

// State returns the backend's effective circuit state. Backends never seen
// by the breaker report Closed.
func (cb *CircuitBreaker) State(backend string) State {
	if !cb.cfg.Enabled {
		return StateClosed
	}
	cb.mu.RLock()
	e, ok := cb.entries[backend]
	cb.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cb.refreshLocked(backend, e)
	return e.state
}

// Snapshot returns the current status of every tracked backend.
func (cb *CircuitBreaker) Snapshot() map[string]BreakerStatus {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	out := make(map[string]BreakerStatus, len(cb.entries))
	for backend, e := range cb.entries {
		e.mu.Lock()
		cb.refreshLocked(backend, e)
		out[backend] = BreakerStatus{
			State:               e.state.String(),
			ConsecutiveFailures: e.failures,
			OpenedAt:            e.openedAt,
		}
		e.mu.Unlock()
	}
	return out
}
