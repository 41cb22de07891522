// Package challenge implements the generation of deterministic signing
// challenges, verifying wallet responses against them, and marking a
// verified challenge used.
package challenge

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/arkrelay/gateway/internal/relay"
	"github.com/arkrelay/gateway/internal/session"
	"github.com/arkrelay/gateway/internal/store"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrPayloadRefMismatch is returned by Verify when the wallet's claimed
// payload_ref does not match the recomputed digest.
var ErrPayloadRefMismatch = errors.New("challenge: payload_ref mismatch")

// ErrExpired is returned by Verify for a challenge past its expiry.
var ErrExpired = errors.New("challenge: expired")

// ErrInvalidSignature is returned by Verify when the wallet signature does
// not check out against the session's user_pubkey.
var ErrInvalidSignature = errors.New("challenge: invalid signature")

// Manager generates and verifies SigningChallenge rows.
type Manager struct {
	db       *store.DB
	repo     *store.ChallengeRepository
	sessions *session.Manager
	lifetime time.Duration
}

// NewManager builds a challenge Manager whose challenges expire after
// lifetime (five minutes when zero). Session transitions are not requested
// here; the orchestrator moves a session to signing once every challenge
// of its ceremony is verified.
func NewManager(db *store.DB, sess *session.Manager, lifetime time.Duration) *Manager {
	if lifetime == 0 {
		lifetime = 5 * time.Minute
	}
	return &Manager{db: db, repo: store.NewChallengeRepository(), sessions: sess, lifetime: lifetime}
}

// digest computes the canonical payload_ref: a SHA-256 over the logical
// payload serialized with sorted map keys, so the wallet can independently
// re-derive the same digest from the original intent.
func digest(payload map[string]any) []byte {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, payload[k])
	}
	b, _ := json.Marshal(ordered)
	sum := sha256.Sum256(b)
	return sum[:]
}

// Issue generates and persists a challenge for session sessionID covering
// challengeData, tagged with its position in the signature-collection
// step (step_index/step_total).
func (m *Manager) Issue(ctx context.Context, q store.Querier, sessionID string, typ store.ChallengeType, challengeData []byte, payload map[string]any, algo, domain, humanContext string, stepIndex, stepTotal int) (*store.SigningChallenge, error) {
	if q == nil {
		q = m.db.Pool()
	}
	c := &store.SigningChallenge{
		ChallengeID:   uuid.New().String(),
		SessionID:     sessionID,
		Type:          typ,
		StepIndex:     stepIndex,
		StepTotal:     stepTotal,
		ChallengeData: challengeData,
		PayloadRef:    digest(payload),
		Algo:          algo,
		Domain:        domain,
		Context:       humanContext,
		ExpiresAt:     time.Now().Add(m.lifetime),
		CreatedAt:     time.Now(),
	}
	if err := m.repo.Create(ctx, q, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Verify runs the response verification: lookup, not-used/not-expired,
// payload_ref match, signature check, and an atomic mark-used that only one
// concurrent response can win. It does not change the session's status.
// Pass nil for q to run against the pool.
func (m *Manager) Verify(ctx context.Context, q store.Querier, challengeID string, userPubkey string, claimedPayloadRef, signature []byte) error {
	if q == nil {
		q = m.db.Pool()
	}
	c, err := m.repo.Get(ctx, q, challengeID)
	if err != nil {
		return err
	}
	if c.IsUsed {
		return store.ErrChallengeUsed
	}
	if time.Now().After(c.ExpiresAt) {
		return ErrExpired
	}
	if !bytesEqual(c.PayloadRef, claimedPayloadRef) {
		return ErrPayloadRefMismatch
	}

	pub, err := relay.ParsePubKeyHex(userPubkey)
	if err != nil {
		return err
	}
	sig, err := schnorr.ParseSignature(signature)
	if err != nil {
		return ErrInvalidSignature
	}
	// BIP-340 signs a 32-byte message; the wallet signs the SHA-256 of
	// the opaque challenge bytes it was handed.
	msg := sha256.Sum256(c.ChallengeData)
	if !sig.Verify(msg[:], pub) {
		return ErrInvalidSignature
	}

	if err := m.repo.MarkUsed(ctx, q, challengeID, signature); err != nil {
		return err
	}
	return nil
}

// ListBySession returns every challenge issued for a session, in step order.
func (m *Manager) ListBySession(ctx context.Context, q store.Querier, sessionID string) ([]*store.SigningChallenge, error) {
	if q == nil {
		q = m.db.Pool()
	}
	return m.repo.ListBySession(ctx, q, sessionID)
}

// GetForUpdate row-locks a challenge for the remainder of tx.
func (m *Manager) GetForUpdate(ctx context.Context, tx pgx.Tx, challengeID string) (*store.SigningChallenge, error) {
	return m.repo.GetForUpdate(ctx, tx, challengeID)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
