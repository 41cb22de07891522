package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// EventRepository records processed relay events for durable idempotency
// across restarts. Redis SetNX is the fast path; this table is the
// crash-resume source of truth checked when the fast path is cold.
type EventRepository struct{}

func NewEventRepository() *EventRepository { return &EventRepository{} }

// MarkProcessed inserts a ProcessedEvent row. A unique-violation means the
// event (or its dedup key) was already handled, which the dispatcher
// treats as "skip, not an error."
func (r *EventRepository) MarkProcessed(ctx context.Context, q Querier, e *ProcessedEvent) error {
	const query = `INSERT INTO processed_events (relay_event_id, author, action_id, session_id, challenge_id, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := q.Exec(ctx, query, e.RelayEventID, e.Author, e.ActionID, e.SessionID, e.ChallengeID, e.ProcessedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("mark event %s processed: %w", e.RelayEventID, err)
	}
	return nil
}

// IsIntentProcessed checks the (author, action_id) dedup key intents use.
func (r *EventRepository) IsIntentProcessed(ctx context.Context, q Querier, author, actionID string) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM processed_events WHERE author = $1 AND action_id = $2)`
	var exists bool
	if err := q.QueryRow(ctx, query, author, actionID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check intent processed (%s,%s): %w", author, actionID, err)
	}
	return exists, nil
}

// IsResponseProcessed checks the (session_id, challenge_id) dedup key
// signing responses use.
func (r *EventRepository) IsResponseProcessed(ctx context.Context, q Querier, sessionID, challengeID string) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM processed_events WHERE session_id = $1 AND challenge_id = $2)`
	var exists bool
	if err := q.QueryRow(ctx, query, sessionID, challengeID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check response processed (%s,%s): %w", sessionID, challengeID, err)
	}
	return exists, nil
}
