package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// SessionRepository persists SigningSession rows and enforces the
// state machine's monotone progression at the SQL level: every update
// names the status(es) it expects to find, so a stale caller loses the
// race instead of clobbering a newer transition.
type SessionRepository struct{}

func NewSessionRepository() *SessionRepository { return &SessionRepository{} }

// Create inserts a new session. The unique index on (user_pubkey,
// action_id) is what actually enforces intent idempotency; a conflict
// here means the same action was already submitted.
func (r *SessionRepository) Create(ctx context.Context, q Querier, s *SigningSession) error {
	const query = `INSERT INTO signing_sessions
		(session_id, user_pubkey, session_type, status, action_id, intent_data, context, expires_at, result_data, signed_tx, last_completed_step, failure_kind, cancel_requested, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err := q.Exec(ctx, query, s.SessionID, s.UserPubkey, s.SessionType, s.Status, s.ActionID, s.IntentData, s.Context,
		s.ExpiresAt, s.ResultData, s.SignedTx, s.LastCompletedStep, s.FailureKind, s.CancelRequested, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrSessionExists
		}
		return fmt.Errorf("create session %s: %w", s.SessionID, err)
	}
	return nil
}

func (r *SessionRepository) Get(ctx context.Context, q Querier, sessionID string) (*SigningSession, error) {
	const query = `SELECT session_id, user_pubkey, session_type, status, action_id, intent_data, context, expires_at,
		result_data, signed_tx, last_completed_step, failure_kind, cancel_requested, created_at, updated_at
		FROM signing_sessions WHERE session_id = $1`
	return r.scan(q.QueryRow(ctx, query, sessionID))
}

// GetForUpdate row-locks a session for the remainder of the enclosing
// transaction, the serialization point the orchestrator takes in the
// finalization step.
func (r *SessionRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, sessionID string) (*SigningSession, error) {
	const query = `SELECT session_id, user_pubkey, session_type, status, action_id, intent_data, context, expires_at,
		result_data, signed_tx, last_completed_step, failure_kind, cancel_requested, created_at, updated_at
		FROM signing_sessions WHERE session_id = $1 FOR UPDATE`
	return r.scan(tx.QueryRow(ctx, query, sessionID))
}

// GetByActionID supports the idempotent-resubmission check: same
// (user_pubkey, action_id) returns the existing session instead of
// creating a duplicate.
func (r *SessionRepository) GetByActionID(ctx context.Context, q Querier, userPubkey, actionID string) (*SigningSession, error) {
	const query = `SELECT session_id, user_pubkey, session_type, status, action_id, intent_data, context, expires_at,
		result_data, signed_tx, last_completed_step, failure_kind, cancel_requested, created_at, updated_at
		FROM signing_sessions WHERE user_pubkey = $1 AND action_id = $2`
	return r.scan(q.QueryRow(ctx, query, userPubkey, actionID))
}

func (r *SessionRepository) scan(row pgx.Row) (*SigningSession, error) {
	var s SigningSession
	err := row.Scan(&s.SessionID, &s.UserPubkey, &s.SessionType, &s.Status, &s.ActionID, &s.IntentData, &s.Context,
		&s.ExpiresAt, &s.ResultData, &s.SignedTx, &s.LastCompletedStep, &s.FailureKind, &s.CancelRequested, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return &s, nil
}

// TransitionStatus moves a session from one of fromStatuses into toStatus.
// Zero rows affected means the session is no longer in a status the caller
// expected — the orchestrator treats that as a lost race, not an error to
// retry blindly.
func (r *SessionRepository) TransitionStatus(ctx context.Context, q Querier, sessionID string, toStatus SessionStatus, fromStatuses ...SessionStatus) error {
	query := `UPDATE signing_sessions SET status = $2, updated_at = now() WHERE session_id = $1 AND status = ANY($3)`
	tag, err := q.Exec(ctx, query, sessionID, toStatus, statusSlice(fromStatuses))
	if err != nil {
		return fmt.Errorf("transition session %s to %s: %w", sessionID, toStatus, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func statusSlice(in []SessionStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

// MarkFailed transitions a session into SessionFailed recording why.
func (r *SessionRepository) MarkFailed(ctx context.Context, q Querier, sessionID string, kind FailureKind) error {
	const query = `UPDATE signing_sessions SET status = $2, failure_kind = $3, updated_at = now()
		WHERE session_id = $1 AND status NOT IN ($4, $5, $6)`
	tag, err := q.Exec(ctx, query, sessionID, SessionFailed, kind, SessionCompleted, SessionFailed, SessionExpired)
	if err != nil {
		return fmt.Errorf("mark session %s failed: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Complete transitions a session to SessionCompleted, persisting its
// final result and signed transaction atomically with the status change.
func (r *SessionRepository) Complete(ctx context.Context, q Querier, sessionID string, resultData, signedTx []byte) error {
	const query = `UPDATE signing_sessions SET status = $2, result_data = $3, signed_tx = $4, updated_at = now()
		WHERE session_id = $1 AND status = $5`
	tag, err := q.Exec(ctx, query, sessionID, SessionCompleted, resultData, signedTx, SessionSigning)
	if err != nil {
		return fmt.Errorf("complete session %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveResult persists intermediate ceremony state into result_data
// without touching status, so a resumed worker can pick up mid-ceremony.
func (r *SessionRepository) SaveResult(ctx context.Context, q Querier, sessionID string, resultData []byte) error {
	const query = `UPDATE signing_sessions SET result_data = $2, updated_at = now() WHERE session_id = $1`
	tag, err := q.Exec(ctx, query, sessionID, resultData)
	if err != nil {
		return fmt.Errorf("save result for session %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AdvanceStep persists crash-resume progress: the orchestrator
// calls this as ceremony steps commit (steps 2 and 3 are recorded together
// as 3). The marker never moves backwards.
func (r *SessionRepository) AdvanceStep(ctx context.Context, q Querier, sessionID string, step int) error {
	const query = `UPDATE signing_sessions SET last_completed_step = $2, updated_at = now()
		WHERE session_id = $1 AND last_completed_step < $2`
	_, err := q.Exec(ctx, query, sessionID, step)
	if err != nil {
		return fmt.Errorf("advance session %s to step %d: %w", sessionID, step, err)
	}
	return nil
}

// RequestCancel sets the cooperative-cancellation flag; the
// orchestrator checks it at suspension points rather than being killed
// mid-step.
func (r *SessionRepository) RequestCancel(ctx context.Context, q Querier, sessionID string) error {
	const query = `UPDATE signing_sessions SET cancel_requested = true, updated_at = now()
		WHERE session_id = $1 AND status NOT IN ($2, $3, $4)`
	tag, err := q.Exec(ctx, query, sessionID, SessionCompleted, SessionFailed, SessionExpired)
	if err != nil {
		return fmt.Errorf("request cancel for session %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountActive returns the number of sessions currently in a non-terminal
// status, the figure the admission controller compares against its soft
// ceiling (default 100).
func (r *SessionRepository) CountActive(ctx context.Context, q Querier) (int64, error) {
	const query = `SELECT COUNT(*) FROM signing_sessions WHERE status NOT IN ($1, $2, $3)`
	var n int64
	err := q.QueryRow(ctx, query, SessionCompleted, SessionFailed, SessionExpired).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return n, nil
}

// ListExpired returns non-terminal sessions whose expires_at has passed,
// feeding the sweeper that marks them SessionExpired.
func (r *SessionRepository) ListExpired(ctx context.Context, q Querier) ([]*SigningSession, error) {
	const query = `SELECT session_id, user_pubkey, session_type, status, action_id, intent_data, context, expires_at,
		result_data, signed_tx, last_completed_step, failure_kind, cancel_requested, created_at, updated_at
		FROM signing_sessions WHERE status NOT IN ($1, $2, $3) AND expires_at < now()`
	rows, err := q.Query(ctx, query, SessionCompleted, SessionFailed, SessionExpired)
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	defer rows.Close()

	var out []*SigningSession
	for rows.Next() {
		var s SigningSession
		if err := rows.Scan(&s.SessionID, &s.UserPubkey, &s.SessionType, &s.Status, &s.ActionID, &s.IntentData, &s.Context,
			&s.ExpiresAt, &s.ResultData, &s.SignedTx, &s.LastCompletedStep, &s.FailureKind, &s.CancelRequested, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan expired session row: %w", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}
