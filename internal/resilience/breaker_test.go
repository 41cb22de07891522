package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/arkrelay/gateway/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	_ = logger.Init("development")
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("test", 2, 50*time.Millisecond, 1)

	err1 := cb.Execute(func() error { return errors.New("fail") })
	require.Error(t, err1)
	assert.Equal(t, StateClosed, cb.State())

	err2 := cb.Execute(func() error { return errors.New("fail") })
	require.Error(t, err2)
	assert.Equal(t, StateOpen, cb.State())

	var openErr *ErrOpen
	err3 := cb.Execute(func() error { return nil })
	require.ErrorAs(t, err3, &openErr)
}

func TestCircuitBreaker_HalfOpenClosesOnFirstSuccess(t *testing.T) {
	// The daemon adapters run with closeAfterProbes=1: the first
	// successful half-open probe closes the circuit.
	cb := NewCircuitBreaker("test", 1, 10*time.Millisecond, 1)

	_ = cb.Execute(func() error { return errors.New("fail") })
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(15 * time.Millisecond)

	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenMultiProbe(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, 10*time.Millisecond, 2)

	_ = cb.Execute(func() error { return errors.New("fail") })
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(15 * time.Millisecond)

	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenReopensOnFailure(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, 10*time.Millisecond, 1)

	_ = cb.Execute(func() error { return errors.New("fail") })
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(15 * time.Millisecond)

	err := cb.Execute(func() error { return errors.New("still failing") })
	require.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, time.Hour, 1)
	_ = cb.Execute(func() error { return errors.New("fail") })
	assert.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
}
