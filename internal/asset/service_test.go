package asset

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMint_RejectsNonPositiveAmount(t *testing.T) {
	s := NewService(nil)
	ctx := context.Background()

	assert.ErrorIs(t, s.Mint(ctx, "gBTC", "user", 0), ErrInvalidAmount)
	assert.ErrorIs(t, s.Mint(ctx, "gBTC", "user", -100), ErrInvalidAmount)
}

func TestBurn_RejectsNonPositiveAmount(t *testing.T) {
	s := NewService(nil)
	ctx := context.Background()

	assert.ErrorIs(t, s.Burn(ctx, "gBTC", "user", 0), ErrInvalidAmount)
}

func TestTransfer_RejectsBadArguments(t *testing.T) {
	s := NewService(nil)
	ctx := context.Background()

	assert.ErrorIs(t, s.Transfer(ctx, "gBTC", "alice", "bob", 0), ErrInvalidAmount)
	assert.ErrorIs(t, s.Transfer(ctx, "gBTC", "alice", "alice", 100), ErrSelfTransfer)
}
