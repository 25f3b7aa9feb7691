package enzyme

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrCircuitOpen is the cause of errors for requests refused by an open breaker.
var ErrCircuitOpen = errors.New("enzyme: circuit open")

// CircuitState is the state of one endpoint's breaker.
type CircuitState int64

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays open before a probe.
	RecoveryTimeout time.Duration
	// SuccessThreshold is the number of half-open successes that close it.
	SuccessThreshold int
}

// CircuitBreaker guards one endpoint key.
type CircuitBreaker struct {
	config      CircuitBreakerConfig
	state       int64
	failures    int64
	lastFailure int64
	successes   int64
	now         func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout == 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 2
	}
	return &CircuitBreaker{
		config: config,
		state:  int64(StateClosed),
		now:    time.Now,
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(atomic.LoadInt64(&cb.state))
}

// Allow checks if the request should be allowed through the circuit breaker
func (cb *CircuitBreaker) Allow() bool {
	switch cb.State() {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		last := atomic.LoadInt64(&cb.lastFailure)
		if cb.now().UnixNano()-last >= int64(cb.config.RecoveryTimeout) {
			if atomic.CompareAndSwapInt64(&cb.state, int64(StateOpen), int64(StateHalfOpen)) {
				atomic.StoreInt64(&cb.successes, 0)
			}
			return true
		}
		return false
	default:
		return false
	}
}

// RetryAfter returns how long until an open breaker admits a probe.
func (cb *CircuitBreaker) RetryAfter() time.Duration {
	if cb.State() != StateOpen {
		return 0
	}
	last := time.Unix(0, atomic.LoadInt64(&cb.lastFailure))
	return max(last.Add(cb.config.RecoveryTimeout).Sub(cb.now()), 0)
}

// RecordFailure records a failure in the circuit breaker
func (cb *CircuitBreaker) RecordFailure() {
	atomic.StoreInt64(&cb.lastFailure, cb.now().UnixNano())

	switch cb.State() {
	case StateClosed:
		if atomic.AddInt64(&cb.failures, 1) >= int64(cb.config.FailureThreshold) {
			atomic.StoreInt64(&cb.state, int64(StateOpen))
		}
	case StateHalfOpen:
		// A failed probe reopens immediately.
		atomic.AddInt64(&cb.failures, 1)
		atomic.StoreInt64(&cb.state, int64(StateOpen))
		atomic.StoreInt64(&cb.successes, 0)
	}
}

// RecordSuccess records a success in the circuit breaker
func (cb *CircuitBreaker) RecordSuccess() {
	switch cb.State() {
	case StateClosed:
		atomic.StoreInt64(&cb.failures, 0)
	case StateHalfOpen:
		if atomic.AddInt64(&cb.successes, 1) >= int64(cb.config.SuccessThreshold) {
			atomic.StoreInt64(&cb.state, int64(StateClosed))
			atomic.StoreInt64(&cb.failures, 0)
			atomic.StoreInt64(&cb.successes, 0)
		}
	}
}

// CircuitBreakers holds one breaker per endpoint key, created on first use.
type CircuitBreakers struct {
	config   CircuitBreakerConfig
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewCircuitBreakers returns a per-key breaker set sharing config.
func NewCircuitBreakers(config CircuitBreakerConfig) *CircuitBreakers {
	return &CircuitBreakers{config: config, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker of key.
func (cbs *CircuitBreakers) Get(key string) *CircuitBreaker {
	cbs.mu.Lock()
	defer cbs.mu.Unlock()
	cb, ok := cbs.breakers[key]
	if !ok {
		cb = NewCircuitBreaker(cbs.config)
		cbs.breakers[key] = cb
	}
	return cb
}

// State returns the state of key's breaker without creating one.
func (cbs *CircuitBreakers) State(key string) CircuitState {
	cbs.mu.Lock()
	cb, ok := cbs.breakers[key]
	cbs.mu.Unlock()
	if !ok {
		return StateClosed
	}
	return cb.State()
}

// tripsBreaker reports whether a classified failure counts against the
// endpoint's health. Client-side problems such as 4xx do not.
func tripsBreaker(e *APIError) bool {
	switch e.Category {
	case CategoryServer, CategoryNetwork, CategoryTimeout:
		return true
	default:
		return false
	}
}
