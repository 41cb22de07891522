package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// VTXORepository persists virtual UTXOs and enforces their monotone
// lifecycle: available < assigned < spent, and available < expired.
type VTXORepository struct{}

func NewVTXORepository() *VTXORepository { return &VTXORepository{} }

func (r *VTXORepository) Create(ctx context.Context, q Querier, v *VTXO) error {
	const query = `INSERT INTO vtxos (vtxo_id, txid, vout, amount_sats, script_pubkey, asset_id, user_pubkey, status, expires_at, spending_txid, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := q.Exec(ctx, query, v.VTXOID, v.Txid, v.Vout, v.AmountSats, v.ScriptPubkey, v.AssetID, v.UserPubkey, v.Status, v.ExpiresAt, v.SpendingTxid, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("create vtxo %s: %w", v.VTXOID, err)
	}
	return nil
}

func (r *VTXORepository) Get(ctx context.Context, q Querier, vtxoID string) (*VTXO, error) {
	const query = `SELECT vtxo_id, txid, vout, amount_sats, script_pubkey, asset_id, user_pubkey, status, expires_at, spending_txid, created_at
		FROM vtxos WHERE vtxo_id = $1`
	return r.scanOne(q.QueryRow(ctx, query, vtxoID))
}

func (r *VTXORepository) scanOne(row pgx.Row) (*VTXO, error) {
	var v VTXO
	err := row.Scan(&v.VTXOID, &v.Txid, &v.Vout, &v.AmountSats, &v.ScriptPubkey, &v.AssetID, &v.UserPubkey, &v.Status, &v.ExpiresAt, &v.SpendingTxid, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan vtxo: %w", err)
	}
	return &v, nil
}

// CountAvailable returns the current available-VTXO count for an asset,
// feeding the inventory monitor thresholds.
func (r *VTXORepository) CountAvailable(ctx context.Context, q Querier, assetID string) (int64, error) {
	const query = `SELECT COUNT(*) FROM vtxos WHERE asset_id = $1 AND status = $2`
	var n int64
	if err := q.QueryRow(ctx, query, assetID, VTXOAvailable).Scan(&n); err != nil {
		return 0, fmt.Errorf("count available vtxos for %s: %w", assetID, err)
	}
	return n, nil
}

// LockAvailableForAssignment selects and row-locks every available VTXO for
// an asset, ascending by amount, so the caller can run the smallest-fit
// selection without a concurrent assignment picking the same leaves —
// the row-level locking that keeps VTXO.assign linearizable.
func (r *VTXORepository) LockAvailableForAssignment(ctx context.Context, tx pgx.Tx, assetID string) ([]*VTXO, error) {
	const query = `SELECT vtxo_id, txid, vout, amount_sats, script_pubkey, asset_id, user_pubkey, status, expires_at, spending_txid, created_at
		FROM vtxos WHERE asset_id = $1 AND status = $2
		ORDER BY amount_sats ASC
		FOR UPDATE SKIP LOCKED`
	rows, err := tx.Query(ctx, query, assetID, VTXOAvailable)
	if err != nil {
		return nil, fmt.Errorf("lock available vtxos for %s: %w", assetID, err)
	}
	defer rows.Close()

	var out []*VTXO
	for rows.Next() {
		v, err := r.scanRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *VTXORepository) scanRows(rows pgx.Rows) (*VTXO, error) {
	var v VTXO
	if err := rows.Scan(&v.VTXOID, &v.Txid, &v.Vout, &v.AmountSats, &v.ScriptPubkey, &v.AssetID, &v.UserPubkey, &v.Status, &v.ExpiresAt, &v.SpendingTxid, &v.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan vtxo row: %w", err)
	}
	return &v, nil
}

// Assign transitions a VTXO available -> assigned with an owner.
func (r *VTXORepository) Assign(ctx context.Context, q Querier, vtxoID, userPubkey string) error {
	const query = `UPDATE vtxos SET status = $2, user_pubkey = $3
		WHERE vtxo_id = $1 AND status = $4`
	tag, err := q.Exec(ctx, query, vtxoID, VTXOAssigned, userPubkey, VTXOAvailable)
	if err != nil {
		return fmt.Errorf("assign vtxo %s: %w", vtxoID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVTXONotAvailable
	}
	return nil
}

// Spend transitions a VTXO assigned -> spent with a spending_txid. Only
// callable from ceremony finalization or the transaction processor.
func (r *VTXORepository) Spend(ctx context.Context, q Querier, vtxoID, spendingTxid string) error {
	const query = `UPDATE vtxos SET status = $2, spending_txid = $3
		WHERE vtxo_id = $1 AND status = $4`
	tag, err := q.Exec(ctx, query, vtxoID, VTXOSpent, spendingTxid, VTXOAssigned)
	if err != nil {
		return fmt.Errorf("spend vtxo %s: %w", vtxoID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVTXONotAvailable
	}
	return nil
}

// ListAssignedByUser returns the VTXOs assigned to one owner for an
// asset, ascending by amount — the candidate input set for a spend.
func (r *VTXORepository) ListAssignedByUser(ctx context.Context, q Querier, userPubkey, assetID string) ([]*VTXO, error) {
	const query = `SELECT vtxo_id, txid, vout, amount_sats, script_pubkey, asset_id, user_pubkey, status, expires_at, spending_txid, created_at
		FROM vtxos WHERE user_pubkey = $1 AND asset_id = $2 AND status = $3
		ORDER BY amount_sats ASC`
	rows, err := q.Query(ctx, query, userPubkey, assetID, VTXOAssigned)
	if err != nil {
		return nil, fmt.Errorf("list assigned vtxos for %s: %w", userPubkey, err)
	}
	defer rows.Close()

	var out []*VTXO
	for rows.Next() {
		v, err := r.scanRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ExpireStale transitions assigned VTXOs whose expiry has passed and
// which are not tied to a live (non-terminal) session into expired and
// returns them; releasing their owners' reserves is left to the caller.
func (r *VTXORepository) ExpireStale(ctx context.Context, q Querier, now interface{ Unix() int64 }) ([]*VTXO, error) {
	const query = `UPDATE vtxos SET status = $1
		WHERE status = $2 AND expires_at < now()
		AND NOT EXISTS (
			SELECT 1 FROM signing_sessions s
			WHERE s.user_pubkey = vtxos.user_pubkey
			AND s.status NOT IN ($3, $4, $5)
		)
		RETURNING vtxo_id, txid, vout, amount_sats, script_pubkey, asset_id, user_pubkey, status, expires_at, spending_txid, created_at`
	rows, err := q.Query(ctx, query, VTXOExpired, VTXOAssigned, SessionCompleted, SessionFailed, SessionExpired)
	if err != nil {
		return nil, fmt.Errorf("expire stale vtxos: %w", err)
	}
	defer rows.Close()

	var out []*VTXO
	for rows.Next() {
		v, err := r.scanRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ListSettledSince returns the VTXOs of an asset class created after since,
// in any status, oldest first, feeding the Merkle tree the L1 settlement
// coordinator builds each run. A VTXO created before since and spent after
// it is not returned.
func (r *VTXORepository) ListSettledSince(ctx context.Context, q Querier, assetID string, since interface{}) ([]*VTXO, error) {
	const query = `SELECT vtxo_id, txid, vout, amount_sats, script_pubkey, asset_id, user_pubkey, status, expires_at, spending_txid, created_at
		FROM vtxos WHERE asset_id = $1 AND created_at > $2
		ORDER BY created_at ASC`
	rows, err := q.Query(ctx, query, assetID, since)
	if err != nil {
		return nil, fmt.Errorf("list settled vtxos for %s: %w", assetID, err)
	}
	defer rows.Close()

	var out []*VTXO
	for rows.Next() {
		v, err := r.scanRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
