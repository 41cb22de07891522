package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// TransactionRepository persists produced/broadcast transaction records.
type TransactionRepository struct{}

func NewTransactionRepository() *TransactionRepository { return &TransactionRepository{} }

func (r *TransactionRepository) Create(ctx context.Context, q Querier, t *Transaction) error {
	const query = `INSERT INTO transactions
		(txid, session_id, tx_type, raw_tx, status, amount_sats, fee_sats, confirmations, created_at, broadcast_at, confirmed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := q.Exec(ctx, query, t.Txid, t.SessionID, t.TxType, t.RawTx, t.Status, t.AmountSats, t.FeeSats,
		t.Confirmations, t.CreatedAt, t.BroadcastAt, t.ConfirmedAt)
	if err != nil {
		return fmt.Errorf("create transaction %s: %w", t.Txid, err)
	}
	return nil
}

func (r *TransactionRepository) Get(ctx context.Context, q Querier, txid string) (*Transaction, error) {
	const query = `SELECT txid, session_id, tx_type, raw_tx, status, amount_sats, fee_sats, confirmations, created_at, broadcast_at, confirmed_at
		FROM transactions WHERE txid = $1`
	var t Transaction
	err := q.QueryRow(ctx, query, txid).Scan(&t.Txid, &t.SessionID, &t.TxType, &t.RawTx, &t.Status, &t.AmountSats,
		&t.FeeSats, &t.Confirmations, &t.CreatedAt, &t.BroadcastAt, &t.ConfirmedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transaction %s: %w", txid, err)
	}
	return &t, nil
}

// MarkBroadcast transitions prepared -> broadcast.
func (r *TransactionRepository) MarkBroadcast(ctx context.Context, q Querier, txid string, broadcastAt interface{}) error {
	const query = `UPDATE transactions SET status = $2, broadcast_at = now() WHERE txid = $1 AND status = $3`
	tag, err := q.Exec(ctx, query, txid, TxBroadcast, TxPrepared)
	if err != nil {
		return fmt.Errorf("mark transaction %s broadcast: %w", txid, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateConfirmations sets the confirmation count, promoting to confirmed
// once the threshold the caller tracks externally is reached.
func (r *TransactionRepository) UpdateConfirmations(ctx context.Context, q Querier, txid string, confirmations int, confirmed bool) error {
	status := TxBroadcast
	if confirmed {
		status = TxConfirmed
	}
	const query = `UPDATE transactions SET confirmations = $2, status = $3,
		confirmed_at = CASE WHEN $3 = $4 THEN now() ELSE confirmed_at END
		WHERE txid = $1`
	tag, err := q.Exec(ctx, query, txid, confirmations, status, TxConfirmed)
	if err != nil {
		return fmt.Errorf("update confirmations for %s: %w", txid, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *TransactionRepository) MarkFailed(ctx context.Context, q Querier, txid string) error {
	const query = `UPDATE transactions SET status = $2 WHERE txid = $1 AND status != $3`
	tag, err := q.Exec(ctx, query, txid, TxFailed, TxConfirmed)
	if err != nil {
		return fmt.Errorf("mark transaction %s failed: %w", txid, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *TransactionRepository) ListBySession(ctx context.Context, q Querier, sessionID string) ([]*Transaction, error) {
	const query = `SELECT txid, session_id, tx_type, raw_tx, status, amount_sats, fee_sats, confirmations, created_at, broadcast_at, confirmed_at
		FROM transactions WHERE session_id = $1 ORDER BY created_at ASC`
	rows, err := q.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list transactions for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.Txid, &t.SessionID, &t.TxType, &t.RawTx, &t.Status, &t.AmountSats,
			&t.FeeSats, &t.Confirmations, &t.CreatedAt, &t.BroadcastAt, &t.ConfirmedAt); err != nil {
			return nil, fmt.Errorf("scan transaction row: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// ListPendingConfirmation returns broadcast transactions not yet confirmed,
// feeding a confirmation-polling loop.
func (r *TransactionRepository) ListPendingConfirmation(ctx context.Context, q Querier) ([]*Transaction, error) {
	const query = `SELECT txid, session_id, tx_type, raw_tx, status, amount_sats, fee_sats, confirmations, created_at, broadcast_at, confirmed_at
		FROM transactions WHERE status = $1 ORDER BY created_at ASC`
	rows, err := q.Query(ctx, query, TxBroadcast)
	if err != nil {
		return nil, fmt.Errorf("list pending confirmation transactions: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.Txid, &t.SessionID, &t.TxType, &t.RawTx, &t.Status, &t.AmountSats,
			&t.FeeSats, &t.Confirmations, &t.CreatedAt, &t.BroadcastAt, &t.ConfirmedAt); err != nil {
			return nil, fmt.Errorf("scan transaction row: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}
