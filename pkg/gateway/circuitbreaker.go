package gateway

import (
	"sync"
	"time"
)

// breakerState mirrors the teacher's three-state circuit breaker
// (pkg/util/resiliency/client.go CircuitBreaker), keyed per provider ID
// here instead of being a single global breaker.
type breakerState string

const (
	stateClosed   breakerState = "CLOSED"
	stateOpen     breakerState = "OPEN"
	stateHalfOpen breakerState = "HALF_OPEN"
)

// CircuitBreaker trips open after threshold consecutive failures (a
// success resets the count) and resets to half-open after resetTimeout.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	threshold    int
	resetTimeout time.Duration
	failureCount int
	lastFailure  time.Time
	state        breakerState
}

// NewCircuitBreaker builds a breaker for one provider.
func NewCircuitBreaker(name string, threshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		state:        stateClosed,
	}
}

// Allow reports whether a call may proceed, transitioning OPEN -> HALF_OPEN
// once the reset timeout has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == stateOpen {
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	}
	return true
}

// Success records a successful call, closing the breaker if it was
// half-open and resetting the failure counter.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = stateClosed
	cb.failureCount = 0
}

// Failure records a failed call, tripping the breaker open once the
// threshold is reached.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.failureCount >= cb.threshold {
		cb.state = stateOpen
	}
}

// Open reports whether the breaker is currently rejecting calls.
func (cb *CircuitBreaker) Open() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == stateOpen {
		return time.Since(cb.lastFailure) <= cb.resetTimeout
	}
	return false
}

// Breakers is a registry of per-provider circuit breakers.
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	threshold int
	resetTimeout time.Duration
}

// NewBreakers builds a registry using a uniform threshold/timeout policy
// for every provider encountered.
func NewBreakers(threshold int, resetTimeout time.Duration) *Breakers {
	return &Breakers{
		breakers:     make(map[string]*CircuitBreaker),
		threshold:    threshold,
		resetTimeout: resetTimeout,
	}
}

// For returns (creating if needed) the breaker for providerID.
func (b *Breakers) For(providerID string) *CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[providerID]
	if !ok {
		cb = NewCircuitBreaker(providerID, b.threshold, b.resetTimeout)
		b.breakers[providerID] = cb
	}
	return cb
}
