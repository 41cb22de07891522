//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedSession(t *testing.T, db *DB, userPubkey, actionID string) *SigningSession {
	t.Helper()
	repo := NewSessionRepository()
	now := time.Now().UTC()
	s := &SigningSession{
		SessionID:   uuid.New().String(),
		UserPubkey:  userPubkey,
		SessionType: SessionP2PTransfer,
		Status:      SessionInitiated,
		ActionID:    actionID,
		IntentData:  []byte(`{"amount":1000}`),
		ExpiresAt:   now.Add(5 * time.Minute),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, repo.Create(context.Background(), db.Pool(), s))
	return s
}

func TestSessionRepository_Create_DuplicateActionID(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	s := seedSession(t, db, "pubkey-a", "action-1")
	repo := NewSessionRepository()
	ctx := context.Background()

	dup := *s
	dup.SessionID = uuid.New().String()
	err := repo.Create(ctx, db.Pool(), &dup)
	assert.ErrorIs(t, err, ErrSessionExists)
}

func TestSessionRepository_TransitionStatus(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	s := seedSession(t, db, "pubkey-b", "action-2")
	repo := NewSessionRepository()
	ctx := context.Background()

	require.NoError(t, repo.TransitionStatus(ctx, db.Pool(), s.SessionID, SessionChallengeSent, SessionInitiated))

	got, err := repo.Get(ctx, db.Pool(), s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, SessionChallengeSent, got.Status)

	// A stale expected-from status must be rejected.
	err = repo.TransitionStatus(ctx, db.Pool(), s.SessionID, SessionSigning, SessionInitiated)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionRepository_AdvanceStep_NeverRegresses(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	s := seedSession(t, db, "pubkey-c", "action-3")
	repo := NewSessionRepository()
	ctx := context.Background()

	require.NoError(t, repo.AdvanceStep(ctx, db.Pool(), s.SessionID, 3))
	require.NoError(t, repo.AdvanceStep(ctx, db.Pool(), s.SessionID, 1))

	got, err := repo.Get(ctx, db.Pool(), s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.LastCompletedStep)
}

func TestSessionRepository_MarkFailed_TerminalOnce(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	s := seedSession(t, db, "pubkey-d", "action-4")
	repo := NewSessionRepository()
	ctx := context.Background()

	require.NoError(t, repo.MarkFailed(ctx, db.Pool(), s.SessionID, FailureTimeout))

	got, err := repo.Get(ctx, db.Pool(), s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, SessionFailed, got.Status)
	assert.Equal(t, FailureTimeout, got.FailureKind)

	err = repo.MarkFailed(ctx, db.Pool(), s.SessionID, FailureInternal)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionRepository_CountActive(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	seedSession(t, db, "pubkey-e", "action-5")
	seedSession(t, db, "pubkey-f", "action-6")
	repo := NewSessionRepository()
	ctx := context.Background()

	n, err := repo.CountActive(ctx, db.Pool())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
