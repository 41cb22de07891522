package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// BalanceRepository persists per-identity AssetBalance rows. Every mutator
// here is meant to be called inside a caller-owned transaction (asset
// manager transfers, VTXO assign/spend, ceremony finalization) so the
// balance/reserved invariant never has a visible gap.
type BalanceRepository struct{}

func NewBalanceRepository() *BalanceRepository { return &BalanceRepository{} }

// GetOrCreate returns the balance row for (userPubkey, assetID), creating a
// zeroed row if none exists yet (first inbound transfer or lift).
func (r *BalanceRepository) GetOrCreate(ctx context.Context, q Querier, userPubkey, assetID string) (*AssetBalance, error) {
	const upsert = `INSERT INTO asset_balances (user_pubkey, asset_id, balance, reserved_balance)
		VALUES ($1, $2, 0, 0)
		ON CONFLICT (user_pubkey, asset_id) DO NOTHING`
	if _, err := q.Exec(ctx, upsert, userPubkey, assetID); err != nil {
		return nil, fmt.Errorf("ensure balance row: %w", err)
	}
	return r.Get(ctx, q, userPubkey, assetID)
}

func (r *BalanceRepository) Get(ctx context.Context, q Querier, userPubkey, assetID string) (*AssetBalance, error) {
	const query = `SELECT user_pubkey, asset_id, balance, reserved_balance
		FROM asset_balances WHERE user_pubkey = $1 AND asset_id = $2`
	var b AssetBalance
	err := q.QueryRow(ctx, query, userPubkey, assetID).Scan(&b.UserPubkey, &b.AssetID, &b.Balance, &b.ReservedBalance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get balance (%s,%s): %w", userPubkey, assetID, err)
	}
	return &b, nil
}

// GetForUpdate locks the balance row for the remainder of the enclosing
// transaction.
func (r *BalanceRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, userPubkey, assetID string) (*AssetBalance, error) {
	const query = `SELECT user_pubkey, asset_id, balance, reserved_balance
		FROM asset_balances WHERE user_pubkey = $1 AND asset_id = $2 FOR UPDATE`
	var b AssetBalance
	err := tx.QueryRow(ctx, query, userPubkey, assetID).Scan(&b.UserPubkey, &b.AssetID, &b.Balance, &b.ReservedBalance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get balance for update (%s,%s): %w", userPubkey, assetID, err)
	}
	return &b, nil
}

// AdjustBalance applies deltaBalance/deltaReserved and enforces
// balance ≥ reserved_balance ≥ 0 before committing.
func (r *BalanceRepository) AdjustBalance(ctx context.Context, q Querier, userPubkey, assetID string, deltaBalance, deltaReserved int64) error {
	const query = `UPDATE asset_balances
		SET balance = balance + $3, reserved_balance = reserved_balance + $4
		WHERE user_pubkey = $1 AND asset_id = $2
		AND balance + $3 >= 0 AND reserved_balance + $4 >= 0 AND balance + $3 >= reserved_balance + $4`
	tag, err := q.Exec(ctx, query, userPubkey, assetID, deltaBalance, deltaReserved)
	if err != nil {
		return fmt.Errorf("adjust balance (%s,%s): %w", userPubkey, assetID, err)
	}
	if tag.RowsAffected() == 0 {
		// Either the row doesn't exist, or the guard clause rejected the
		// update — both are precondition violations from the caller's view.
		return ErrNegativeBalance
	}
	return nil
}

// ReleaseReserve lowers reserved_balance by up to amount, clamping at
// zero. Used when releasing earmarks whose exact remaining size is no
// longer known (expired assignments swept after their session died).
func (r *BalanceRepository) ReleaseReserve(ctx context.Context, q Querier, userPubkey, assetID string, amount int64) error {
	const query = `UPDATE asset_balances
		SET reserved_balance = GREATEST(reserved_balance - $3, 0)
		WHERE user_pubkey = $1 AND asset_id = $2`
	if _, err := q.Exec(ctx, query, userPubkey, assetID, amount); err != nil {
		return fmt.Errorf("release reserve (%s,%s): %w", userPubkey, assetID, err)
	}
	return nil
}

// ReserveRequirement reports the spendable vs. reserved split used by
// admission decisions.
type ReserveRequirement struct {
	Balance   int64
	Reserved  int64
	Spendable int64
}

func (r *BalanceRepository) ReserveRequirement(ctx context.Context, q Querier, userPubkey, assetID string) (*ReserveRequirement, error) {
	b, err := r.Get(ctx, q, userPubkey, assetID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &ReserveRequirement{}, nil
		}
		return nil, err
	}
	return &ReserveRequirement{Balance: b.Balance, Reserved: b.ReservedBalance, Spendable: b.Spendable()}, nil
}
