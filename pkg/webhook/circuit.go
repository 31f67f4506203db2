package webhook

import (
	"net/url"
	"sync"
	"time"
)

// CircuitState of a breaker
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
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

// CircuitBreaker stops deliveries to an endpoint after consecutive failures
// and lets trial requests through once the recovery timeout has passed.
// Safe for concurrent use.
type CircuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	successThreshold int
	recoveryTimeout  time.Duration
	now              func() time.Time

	state       CircuitState
	failures    int
	successes   int
	lastFailure time.Time
}

// NewCircuitBreaker creates a breaker. Non-positive arguments fall back to
// 5 failures, 2 successes and 30 seconds.
func NewCircuitBreaker(failureThreshold, successThreshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if successThreshold <= 0 {
		successThreshold = 2
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		recoveryTimeout:  recoveryTimeout,
		now:              time.Now,
	}
}

// Allow reports whether a request may be sent, moving an expired open circuit to half-open.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		if cb.now().Sub(cb.lastFailure) < cb.recoveryTimeout {
			return false
		}
		cb.state = CircuitHalfOpen
		cb.successes = 0
	}
	return true
}

// RecordSuccess closes a half-open circuit after enough successes.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.state = CircuitClosed
			cb.failures = 0
			cb.successes = 0
		}
	}
}

// RecordFailure opens the circuit at the threshold; any failure while half-open reopens it.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = cb.now()
	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.state = CircuitOpen
		}
	case CircuitHalfOpen:
		cb.state = CircuitOpen
		cb.successes = 0
	}
}

// State returns the state Allow would act on.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && cb.now().Sub(cb.lastFailure) >= cb.recoveryTimeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = CircuitClosed
	cb.failures = 0
	cb.successes = 0
	cb.lastFailure = time.Time{}
}

// Circuits hands out one breaker per endpoint host.
type Circuits struct {
	mu               sync.Mutex
	breakers         map[string]*CircuitBreaker
	failureThreshold int
	successThreshold int
	recoveryTimeout  time.Duration
}

// NewCircuits creates a registry whose breakers use the given settings.
func NewCircuits(failureThreshold, successThreshold int, recoveryTimeout time.Duration) *Circuits {
	return &Circuits{
		breakers:         make(map[string]*CircuitBreaker),
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		recoveryTimeout:  recoveryTimeout,
	}
}

// For returns the breaker of rawURL's host, creating it on first use.
// Unparsable URLs share the breaker keyed by the raw string.
func (c *Circuits) For(rawURL string) *CircuitBreaker {
	key := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		key = u.Host
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cb, ok := c.breakers[key]
	if !ok {
		cb = NewCircuitBreaker(c.failureThreshold, c.successThreshold, c.recoveryTimeout)
		c.breakers[key] = cb
	}
	return cb
}
