package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ChallengeRepository persists SigningChallenge rows.
type ChallengeRepository struct{}

func NewChallengeRepository() *ChallengeRepository { return &ChallengeRepository{} }

func (r *ChallengeRepository) Create(ctx context.Context, q Querier, c *SigningChallenge) error {
	const query = `INSERT INTO signing_challenges
		(challenge_id, session_id, type, step_index, step_total, challenge_data, payload_ref, algo, domain, context, expires_at, is_used, signature, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err := q.Exec(ctx, query, c.ChallengeID, c.SessionID, c.Type, c.StepIndex, c.StepTotal, c.ChallengeData, c.PayloadRef,
		c.Algo, c.Domain, c.Context, c.ExpiresAt, c.IsUsed, c.Signature, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("create challenge %s: %w", c.ChallengeID, err)
	}
	return nil
}

func (r *ChallengeRepository) Get(ctx context.Context, q Querier, challengeID string) (*SigningChallenge, error) {
	const query = `SELECT challenge_id, session_id, type, step_index, step_total, challenge_data, payload_ref, algo, domain, context, expires_at, is_used, signature, created_at
		FROM signing_challenges WHERE challenge_id = $1`
	return r.scan(q.QueryRow(ctx, query, challengeID))
}

// GetForUpdate row-locks a challenge so a concurrent duplicate response
// can't both mark it used — the (session_id, challenge_id) dedup key.
func (r *ChallengeRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, challengeID string) (*SigningChallenge, error) {
	const query = `SELECT challenge_id, session_id, type, step_index, step_total, challenge_data, payload_ref, algo, domain, context, expires_at, is_used, signature, created_at
		FROM signing_challenges WHERE challenge_id = $1 FOR UPDATE`
	return r.scan(tx.QueryRow(ctx, query, challengeID))
}

func (r *ChallengeRepository) scan(row pgx.Row) (*SigningChallenge, error) {
	var c SigningChallenge
	err := row.Scan(&c.ChallengeID, &c.SessionID, &c.Type, &c.StepIndex, &c.StepTotal, &c.ChallengeData, &c.PayloadRef,
		&c.Algo, &c.Domain, &c.Context, &c.ExpiresAt, &c.IsUsed, &c.Signature, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan challenge: %w", err)
	}
	return &c, nil
}

// ListBySession returns every challenge issued for a session, ordered by
// step, for resume and audit purposes.
func (r *ChallengeRepository) ListBySession(ctx context.Context, q Querier, sessionID string) ([]*SigningChallenge, error) {
	const query = `SELECT challenge_id, session_id, type, step_index, step_total, challenge_data, payload_ref, algo, domain, context, expires_at, is_used, signature, created_at
		FROM signing_challenges WHERE session_id = $1 ORDER BY step_index ASC`
	rows, err := q.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list challenges for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []*SigningChallenge
	for rows.Next() {
		var c SigningChallenge
		if err := rows.Scan(&c.ChallengeID, &c.SessionID, &c.Type, &c.StepIndex, &c.StepTotal, &c.ChallengeData, &c.PayloadRef,
			&c.Algo, &c.Domain, &c.Context, &c.ExpiresAt, &c.IsUsed, &c.Signature, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan challenge row: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// MarkUsed records the received signature and flips is_used, guarded so a
// replayed response can never consume the same challenge twice.
func (r *ChallengeRepository) MarkUsed(ctx context.Context, q Querier, challengeID string, signature []byte) error {
	const query = `UPDATE signing_challenges SET is_used = true, signature = $2
		WHERE challenge_id = $1 AND is_used = false`
	tag, err := q.Exec(ctx, query, challengeID, signature)
	if err != nil {
		return fmt.Errorf("mark challenge %s used: %w", challengeID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrChallengeUsed
	}
	return nil
}
