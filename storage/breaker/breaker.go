// Package breaker wraps a tenant repository with a circuit breaker so that an
// unavailable store fails fast with tenancy.ErrTransientStorage instead of
// holding every request for the full lookup timeout.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/gotenant/pkg/tenancy"
)

// State represents the current state of the circuit breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned, wrapped with tenancy.ErrTransientStorage, while the circuit is open.
var ErrOpen = errors.New("circuit breaker is open")

// CircuitBreaker trips after FailureThreshold consecutive transient failures
// and lets calls through again once ResetTimeout has passed.
type CircuitBreaker struct {
	mu sync.RWMutex

	state               State
	failureThreshold    int
	resetTimeout        time.Duration
	consecutiveFailures int
	lastFailureTime     time.Time
	now                 func() time.Time

	onStateChange func(state State)
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration, onStateChange func(state State)) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = defaultFailureThreshold
	}
	if resetTimeout <= 0 {
		resetTimeout = defaultResetTimeout
	}
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		now:              time.Now,
		onStateChange:    onStateChange,
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.currentState()
}

func (cb *CircuitBreaker) currentState() State {
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailureTime) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Execute runs fn unless the circuit is open.
// Only transient storage failures count against the threshold; not-found and
// conflict errors are answers, not outages.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if cb.State() == StateOpen {
		return fmt.Errorf("%w: %w", tenancy.ErrTransientStorage, ErrOpen)
	}

	err := fn()
	if err != nil && tenancy.IsTransient(err) {
		cb.failure()
		return err
	}

	cb.success()
	return err
}

func (cb *CircuitBreaker) success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateClosed {
		cb.changeState(StateClosed)
	}
	cb.consecutiveFailures = 0
}

func (cb *CircuitBreaker) failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// A trial call failing after the reset timeout reopens the circuit
	halfOpen := cb.currentState() == StateHalfOpen

	cb.consecutiveFailures++
	cb.lastFailureTime = cb.now()

	switch {
	case halfOpen:
		cb.changeState(StateHalfOpen)
		cb.changeState(StateOpen)
	case cb.state == StateClosed && cb.consecutiveFailures >= cb.failureThreshold:
		cb.changeState(StateOpen)
	}
}

func (cb *CircuitBreaker) changeState(newState State) {
	if cb.state != newState {
		cb.state = newState
		if cb.onStateChange != nil {
			cb.onStateChange(newState)
		}
	}
}
