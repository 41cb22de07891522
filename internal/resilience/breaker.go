package resilience

import (
	"fmt"
	"sync"
	"time"

	"github.com/arkrelay/gateway/pkg/logger"
	"go.uber.org/zap"
)

// CircuitState is the lifecycle state of a CircuitBreaker.
type CircuitState int

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
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker is the adapter-level breaker:
// opens after F consecutive failures, half-opens after cooldown T, closes on
// the Nth consecutive success while half-open.
type CircuitBreaker struct {
	name             string
	maxFailures      int
	resetTimeout     time.Duration
	closeAfterProbes int

	mu              sync.RWMutex
	state           CircuitState
	failures        int
	successesInHalf int
	lastFailureTime time.Time
}

// NewCircuitBreaker builds a breaker for one adapter. closeAfterProbes is
// the number of consecutive half-open successes required to fully close.
func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration, closeAfterProbes int) *CircuitBreaker {
	if closeAfterProbes < 1 {
		closeAfterProbes = 1
	}
	return &CircuitBreaker{
		name:             name,
		maxFailures:      maxFailures,
		resetTimeout:     resetTimeout,
		closeAfterProbes: closeAfterProbes,
		state:            StateClosed,
	}
}

// ErrOpen is returned when a call is rejected because the circuit is open.
type ErrOpen struct{ Name string }

func (e *ErrOpen) Error() string { return fmt.Sprintf("circuit breaker open for %s", e.Name) }

// Execute runs fn if the breaker permits it, then records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allow() {
		return &ErrOpen{Name: cb.name}
	}
	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.lastFailureTime) > cb.resetTimeout {
			cb.state = StateHalfOpen
			cb.successesInHalf = 0
			logger.Info("circuit breaker half-open", zap.String("circuit", cb.name))
			return true
		}
		return false
	case StateHalfOpen:
		return true
	default:
		return false
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.successesInHalf++
			if cb.successesInHalf >= cb.closeAfterProbes {
				cb.state = StateClosed
				logger.Info("circuit breaker closed", zap.String("circuit", cb.name))
			}
		}
		return
	}

	cb.failures++
	cb.lastFailureTime = time.Now()

	if cb.state == StateHalfOpen {
		cb.state = StateOpen
		logger.Warn("circuit breaker reopened after probe failure", zap.String("circuit", cb.name), zap.Error(err))
		return
	}
	if cb.failures >= cb.maxFailures {
		cb.state = StateOpen
		logger.Error("circuit breaker opened", zap.String("circuit", cb.name), zap.Int("failures", cb.failures), zap.Error(err))
	}
}

// State returns the current breaker state (used by health reporting).
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset forces the breaker back to closed, e.g. after an operator fix.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.successesInHalf = 0
}
