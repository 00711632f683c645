package core

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState string

const (
	// CircuitBreakerStateClosed means requests pass through normally
	CircuitBreakerStateClosed CircuitBreakerState = "closed"
	// CircuitBreakerStateOpen means requests fail immediately
	CircuitBreakerStateOpen CircuitBreakerState = "open"
	// CircuitBreakerStateHalfOpen means a probe request is allowed through
	CircuitBreakerStateHalfOpen CircuitBreakerState = "half_open"
)

var (
	// ErrCircuitBreakerOpen is returned when circuit breaker is open
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned when too many probes are in flight in half-open state
	ErrTooManyRequests = errors.New("too many requests")
	// ErrInvalidCircuitBreakerConfig is returned when circuit breaker config is invalid
	ErrInvalidCircuitBreakerConfig = errors.New("invalid circuit breaker configuration")
)

// CircuitBreakerConfig holds configuration for a circuit breaker guarding an
// enrichment provider or agent transport
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before opening the circuit
	MaxFailures uint32 `mapstructure:"max_failures"`
	// Timeout is how long the circuit stays open before a probe is allowed
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxHalfOpenRequests is max concurrent probes in half-open state
	MaxHalfOpenRequests uint32 `mapstructure:"max_half_open_requests"`
}

// Validate checks if the circuit breaker configuration is valid
func (c *CircuitBreakerConfig) Validate() error {
	if c.MaxFailures == 0 {
		return errors.New("MaxFailures must be greater than 0")
	}
	if c.Timeout <= 0 {
		return errors.New("Timeout must be greater than 0")
	}
	if c.MaxHalfOpenRequests == 0 {
		return errors.New("MaxHalfOpenRequests must be greater than 0")
	}
	return nil
}

// DefaultCircuitBreakerConfig returns sensible defaults
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:         5,
		Timeout:             60 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

// CircuitBreaker stops calling a failing dependency until it has had time to recover
type CircuitBreaker struct {
	config       CircuitBreakerConfig
	state        CircuitBreakerState
	failures     uint32
	openedAt     time.Time
	halfOpenReqs uint32
	now          func() time.Time
	mu           sync.Mutex
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config CircuitBreakerConfig) (*CircuitBreaker, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCircuitBreakerConfig, err)
	}
	return &CircuitBreaker{
		config: config,
		state:  CircuitBreakerStateClosed,
		now:    time.Now,
	}, nil
}

// MustNewCircuitBreaker is NewCircuitBreaker for configs already validated
func MustNewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	cb, err := NewCircuitBreaker(config)
	if err != nil {
		panic(err)
	}
	return cb
}

// Allow checks if a request is allowed through the circuit breaker
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitBreakerStateOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.Timeout {
			return ErrCircuitBreakerOpen
		}
		cb.state = CircuitBreakerStateHalfOpen
		cb.halfOpenReqs = 1
		return nil

	case CircuitBreakerStateHalfOpen:
		if cb.halfOpenReqs >= cb.config.MaxHalfOpenRequests {
			return ErrTooManyRequests
		}
		cb.halfOpenReqs++
		return nil

	default:
		return nil
	}
}

// RecordSuccess records a successful request and returns the state transition
func (cb *CircuitBreaker) RecordSuccess() (oldState, newState CircuitBreakerState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	oldState = cb.state
	cb.failures = 0
	if cb.state == CircuitBreakerStateHalfOpen {
		cb.state = CircuitBreakerStateClosed
		cb.halfOpenReqs = 0
	}
	return oldState, cb.state
}

// RecordFailure records a failed request and returns the state transition
func (cb *CircuitBreaker) RecordFailure() (oldState, newState CircuitBreakerState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	oldState = cb.state
	cb.failures++

	switch cb.state {
	case CircuitBreakerStateClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.state = CircuitBreakerStateOpen
			cb.openedAt = cb.now()
		}
	case CircuitBreakerStateHalfOpen:
		// a failed probe reopens immediately
		cb.state = CircuitBreakerStateOpen
		cb.openedAt = cb.now()
		cb.halfOpenReqs = 0
	}
	return oldState, cb.state
}

// Execute runs fn if the breaker allows it and records the outcome
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current consecutive failure count
func (cb *CircuitBreaker) Failures() uint32 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitBreakerStateClosed
	cb.failures = 0
	cb.halfOpenReqs = 0
}
