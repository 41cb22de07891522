// Package resilience provides the retry and circuit-breaker machinery
// shared by every daemon adapter.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/arkrelay/gateway/pkg/logger"
	"go.uber.org/zap"
)

// RetryPolicy controls backoff timing for a daemon adapter's call path.
type RetryPolicy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFactor  float64
}

// DefaultRetryPolicy is the adapters' shared backoff schedule: base 1s,
// factor 2, cap 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   5,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

// RetryableFunc classifies whether an error returned by an operation should
// trigger another attempt. Adapters pass their own transport-vs-protocol
// classification here rather than RetryManager guessing from error text.
type RetryableFunc func(error) bool

// RetryManager runs an operation with exponential backoff and jitter.
type RetryManager struct {
	policy     RetryPolicy
	retryable  RetryableFunc
	name       string
	mu         sync.Mutex
	attempts   int64
	successes  int64
	exhausted  int64
}

// NewRetryManager builds a manager for one named operation class (e.g. an
// adapter's call path). retryable decides which errors are worth a retry;
// if nil, every non-nil error is treated as retryable.
func NewRetryManager(name string, policy RetryPolicy, retryable RetryableFunc) *RetryManager {
	if retryable == nil {
		retryable = func(error) bool { return true }
	}
	return &RetryManager{name: name, policy: policy, retryable: retryable}
}

// Execute runs fn, retrying on retryable errors up to policy.MaxAttempts.
func (rm *RetryManager) Execute(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	start := time.Now()

	for attempt := 1; attempt <= rm.policy.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		rm.recordAttempt()
		if err == nil {
			if attempt > 1 {
				rm.recordSuccess()
				logger.Info("operation succeeded after retry",
					zap.String("manager", rm.name), zap.String("op", op),
					zap.Int("attempts", attempt), zap.Duration("total", time.Since(start)))
			}
			return nil
		}
		lastErr = err

		if !rm.retryable(err) {
			return err
		}
		if attempt >= rm.policy.MaxAttempts {
			rm.recordExhausted()
			return fmt.Errorf("%s: exhausted %d attempts: %w", op, attempt, lastErr)
		}

		delay := rm.calculateDelay(attempt)
		logger.Warn("operation failed, retrying",
			zap.String("manager", rm.name), zap.String("op", op),
			zap.Int("attempt", attempt), zap.Duration("retry_in", delay), zap.Error(err))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// ExecuteWithResult runs fn, returning its value on eventual success.
func ExecuteWithResult[T any](ctx context.Context, rm *RetryManager, op string, fn func() (T, error)) (T, error) {
	var result T
	err := rm.Execute(ctx, op, func() error {
		var fnErr error
		result, fnErr = fn()
		return fnErr
	})
	return result, err
}

func (rm *RetryManager) calculateDelay(attempt int) time.Duration {
	delay := float64(rm.policy.InitialDelay) * math.Pow(rm.policy.BackoffFactor, float64(attempt-1))
	if rm.policy.JitterFactor > 0 {
		jitter := delay * rm.policy.JitterFactor * (2*rand.Float64() - 1)
		delay += jitter
	}
	if delay > float64(rm.policy.MaxDelay) {
		delay = float64(rm.policy.MaxDelay)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func (rm *RetryManager) recordAttempt() {
	rm.mu.Lock()
	rm.attempts++
	rm.mu.Unlock()
}

func (rm *RetryManager) recordSuccess() {
	rm.mu.Lock()
	rm.successes++
	rm.mu.Unlock()
}

func (rm *RetryManager) recordExhausted() {
	rm.mu.Lock()
	rm.exhausted++
	rm.mu.Unlock()
}

// Metrics is a point-in-time snapshot of retry counters, exposed for the
// adapters' health-reporting surface.
type Metrics struct {
	Attempts  int64
	Successes int64
	Exhausted int64
}

func (rm *RetryManager) Snapshot() Metrics {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return Metrics{Attempts: rm.attempts, Successes: rm.successes, Exhausted: rm.exhausted}
}

// ErrUnavailable is the typed error adapters should wrap transport-layer
// failures in, so RetryableFunc classifiers and the adapters' error mapping
// can recognize them uniformly.
var ErrUnavailable = errors.New("backend daemon unavailable")

// IsUnavailable reports whether err (or any error it wraps) is ErrUnavailable.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
