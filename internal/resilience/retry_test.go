package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2,
		JitterFactor:  0,
	}
}

func TestRetryManager_SucceedsAfterTransientFailures(t *testing.T) {
	rm := NewRetryManager("test", fastPolicy(), func(error) bool { return true })
	attempts := 0

	err := rm.Execute(context.Background(), "op", func() error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	snap := rm.Snapshot()
	assert.Equal(t, int64(1), snap.Successes)
}

func TestRetryManager_ExhaustsAttempts(t *testing.T) {
	rm := NewRetryManager("test", fastPolicy(), func(error) bool { return true })
	attempts := 0

	err := rm.Execute(context.Background(), "op", func() error {
		attempts++
		return errors.New("always fails")
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryManager_NonRetryableFailsImmediately(t *testing.T) {
	rm := NewRetryManager("test", fastPolicy(), func(error) bool { return false })
	attempts := 0

	err := rm.Execute(context.Background(), "op", func() error {
		attempts++
		return errors.New("permanent")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryManager_RespectsCancellation(t *testing.T) {
	rm := NewRetryManager("test", fastPolicy(), func(error) bool { return true })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := rm.Execute(ctx, "op", func() error {
		return errors.New("should not even attempt meaningfully")
	})
	require.Error(t, err)
}

func TestExecuteWithResult_ReturnsValue(t *testing.T) {
	rm := NewRetryManager("test", fastPolicy(), func(error) bool { return true })
	val, err := ExecuteWithResult(context.Background(), rm, "op", func() (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, val)
}

func TestIsUnavailable(t *testing.T) {
	wrapped := errors.New("wrap: " + ErrUnavailable.Error())
	assert.False(t, IsUnavailable(wrapped))
	assert.True(t, IsUnavailable(ErrUnavailable))
}
