// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package dispatch

import (
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// CircuitState represents the circuit breaker state.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // sends flow
	CircuitOpen                         // sends are skipped, batches discarded
	CircuitHalfOpen                     // one probe send allowed
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops sink sends after repeated failures so a dead sink
// does not cost a full retry cycle per batch. After resetTimeout one probe
// batch is let through; its outcome closes or reopens the circuit.
type CircuitBreaker struct {
	mu        sync.Mutex
	clock     clockz.Clock
	threshold int
	reset     time.Duration
	onChange  func(from, to CircuitState)

	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool
}

// NewCircuitBreaker opens after threshold consecutive failures and probes
// again after reset.
func NewCircuitBreaker(threshold int, reset time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		clock:     clockz.RealClock,
		threshold: threshold,
		reset:     reset,
	}
}

// WithClock replaces the clock used for the reset timeout.
func (cb *CircuitBreaker) WithClock(clock clockz.Clock) *CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.clock = clock
	return cb
}

// OnStateChange registers fn to run on every transition. fn runs with the
// breaker lock held and must not call back into the breaker.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to CircuitState)) *CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onChange = fn
	return cb
}

// Allow reports whether a send may go ahead. In half-open state only the
// first caller gets through until the probe is recorded.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advance()
	switch cb.state {
	case CircuitOpen:
		return false
	case CircuitHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	default:
		return true
	}
}

// RecordSuccess closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.probing = false
	cb.transition(CircuitClosed)
}

// RecordFailure counts a failed send. A failed probe reopens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	if cb.state == CircuitHalfOpen || cb.failures >= cb.threshold {
		cb.probing = false
		cb.openedAt = cb.clock.Now()
		cb.transition(CircuitOpen)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance()
	return cb.state
}

// FailureCount returns the consecutive failure count.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

func (cb *CircuitBreaker) advance() {
	if cb.state == CircuitOpen && cb.clock.Since(cb.openedAt) >= cb.reset {
		cb.transition(CircuitHalfOpen)
	}
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.onChange != nil {
		cb.onChange(from, to)
	}
}
