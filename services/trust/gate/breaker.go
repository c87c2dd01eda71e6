// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gate

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the admissibility breaker rejects a call.
var ErrCircuitOpen = errors.New("gate: admissibility circuit open")

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed allows requests through normally.
	CircuitClosed CircuitState = iota

	// CircuitOpen rejects all requests immediately.
	CircuitOpen

	// CircuitHalfOpen allows limited requests to test recovery.
	CircuitHalfOpen
)

// String returns the human-readable name for the circuit state.
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

// BreakerConfig configures the per-tenant admissibility breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	// Default: 5
	FailureThreshold int `yaml:"failure_threshold" validate:"gte=0"`

	// ResetTimeout is how long the circuit stays open before probing.
	// Default: 30s
	ResetTimeout time.Duration `yaml:"reset_timeout" validate:"gte=0"`

	// HalfOpenMaxRequests is the max probes allowed in half-open state.
	// Default: 2
	HalfOpenMaxRequests int `yaml:"half_open_max_requests" validate:"gte=0"`

	// SuccessThreshold is the number of consecutive probe successes to close.
	// Default: 2
	SuccessThreshold int `yaml:"success_threshold" validate:"gte=0"`
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:    5,
		ResetTimeout:        30 * time.Second,
		HalfOpenMaxRequests: 2,
		SuccessThreshold:    2,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.HalfOpenMaxRequests <= 0 {
		c.HalfOpenMaxRequests = d.HalfOpenMaxRequests
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	return c
}

// CircuitBreaker guards calls to the admissibility checker for one tenant.
//
// The circuit breaker has three states:
// - Closed: Normal operation, checks pass through
// - Open: Failure threshold exceeded, checks fail closed without a call
// - Half-Open: Testing recovery, limited probes allowed
//
// Thread Safety: Safe for concurrent use.
type CircuitBreaker struct {
	config BreakerConfig
	now    func() time.Time

	state                CircuitState
	consecutiveFailures  int
	consecutiveSuccesses int
	halfOpenRequests     int
	lastFailureTime      time.Time
	lastStateChange      time.Time

	mu sync.RWMutex
}

// NewCircuitBreaker creates a closed breaker. A nil clock uses time.Now.
func NewCircuitBreaker(config BreakerConfig, now func() time.Time) *CircuitBreaker {
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		config:          config.withDefaults(),
		now:             now,
		state:           CircuitClosed,
		lastStateChange: now(),
	}
}

// Allow reports whether a check may be attempted. In half-open state it
// also counts the probe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()

	switch cb.state {
	case CircuitClosed:
		return true

	case CircuitOpen:
		if now.Sub(cb.lastFailureTime) >= cb.config.ResetTimeout {
			cb.transitionTo(CircuitHalfOpen, now)
			cb.halfOpenRequests = 1
			return true
		}
		return false

	case CircuitHalfOpen:
		if cb.halfOpenRequests < cb.config.HalfOpenMaxRequests {
			cb.halfOpenRequests++
			return true
		}
		return false

	default:
		return false
	}
}

// RecordSuccess records a completed check, admissible or not. A verdict
// that blocks the claims is still a healthy checker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.consecutiveFailures = 0

	case CircuitHalfOpen:
		cb.consecutiveSuccesses++
		cb.consecutiveFailures = 0
		if cb.consecutiveSuccesses >= cb.config.SuccessThreshold {
			cb.transitionTo(CircuitClosed, cb.now())
		}
	}
}

// RecordFailure records an errored or timed-out check.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.lastFailureTime = now

	switch cb.state {
	case CircuitClosed:
		cb.consecutiveFailures++
		cb.consecutiveSuccesses = 0
		if cb.consecutiveFailures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen, now)
		}

	case CircuitHalfOpen:
		// Any failure in half-open reopens the circuit
		cb.transitionTo(CircuitOpen, now)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return BreakerStats{
		State:                cb.state,
		StateName:            cb.state.String(),
		ConsecutiveFailures:  cb.consecutiveFailures,
		ConsecutiveSuccesses: cb.consecutiveSuccesses,
		LastFailureTime:      cb.lastFailureTime,
		LastStateChange:      cb.lastStateChange,
	}
}

// Reset closes the circuit. Operator intervention only.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = CircuitClosed
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.halfOpenRequests = 0
	cb.lastStateChange = cb.now()
}

// transitionTo changes the circuit state.
// Must be called with lock held.
func (cb *CircuitBreaker) transitionTo(newState CircuitState, now time.Time) {
	cb.state = newState
	cb.lastStateChange = now
	cb.consecutiveSuccesses = 0
	cb.halfOpenRequests = 0

	if newState == CircuitClosed {
		cb.consecutiveFailures = 0
	}
}

// BreakerStats contains circuit breaker statistics.
type BreakerStats struct {
	State                CircuitState `json:"-"`
	StateName            string       `json:"state"`
	ConsecutiveFailures  int          `json:"consecutiveFailures"`
	ConsecutiveSuccesses int          `json:"consecutiveSuccesses"`
	LastFailureTime      time.Time    `json:"lastFailureTime"`
	LastStateChange      time.Time    `json:"lastStateChange"`
}
