/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package endorser

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// CircuitBreakerConfig contains configuration for the circuit breaker
// guarding dispatch to one peer.
type CircuitBreakerConfig struct {
	Threshold     int
	Timeout       time.Duration
	MaxRetries    int
	RetryInterval time.Duration
}

// DefaultCircuitBreakerConfig returns default circuit breaker configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Threshold:     5,
		Timeout:       30 * time.Second,
		MaxRetries:    3,
		RetryInterval: 5 * time.Second,
	}
}

// metrics counts circuit-breaker transitions for one peer. Request-scoped
// to the Coordinator that owns it — not a process-wide singleton.
type metrics struct {
	opened   int64
	halfOpen int64
	closed   int64
}

func newMetrics() *metrics { return &metrics{} }

func (m *metrics) recordOpen() { atomic.AddInt64(&m.opened, 1) }

func (m *metrics) recordHalfOpen() { atomic.AddInt64(&m.halfOpen, 1) }

func (m *metrics) recordClosed() { atomic.AddInt64(&m.closed, 1) }

// CircuitBreaker implements the closed/open/half-open pattern around a
// per-peer operation: a peer that fails Threshold times in a row is
// skipped outright until Timeout elapses, then probed once before
// resuming normal dispatch.
type CircuitBreaker struct {
	failures        int
	lastFailureTime time.Time
	config          CircuitBreakerConfig
	state           CircuitState
	mu              sync.RWMutex
	metrics         *metrics
}

// NewCircuitBreaker creates a new circuit breaker instance.
func NewCircuitBreaker(config CircuitBreakerConfig, m *metrics) *CircuitBreaker {
	return &CircuitBreaker{
		config:  config,
		state:   CircuitClosed,
		metrics: m,
	}
}

// Execute wraps an operation with circuit breaker logic.
func (cb *CircuitBreaker) Execute(operation func() error) error {
	cb.mu.RLock()
	if cb.state == CircuitOpen {
		if time.Since(cb.lastFailureTime) < cb.config.Timeout {
			cb.mu.RUnlock()
			return fmt.Errorf("circuit breaker is open")
		}
		cb.mu.RUnlock()
		cb.mu.Lock()
		cb.state = CircuitHalfOpen
		cb.mu.Unlock()
		cb.metrics.recordHalfOpen()
	} else {
		cb.mu.RUnlock()
	}

	err := operation()
	if err != nil {
		cb.mu.Lock()
		cb.failures++
		if cb.state == CircuitHalfOpen || cb.failures >= cb.config.Threshold {
			cb.state = CircuitOpen
			cb.lastFailureTime = time.Now()
			cb.metrics.recordOpen()
		}
		cb.mu.Unlock()
		return err
	}

	cb.mu.Lock()
	cb.failures = 0
	cb.state = CircuitClosed
	cb.mu.Unlock()
	cb.metrics.recordClosed()
	return nil
}

// GetState returns the current state of the circuit breaker.
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}
