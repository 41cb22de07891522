package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// AssetRepository persists the fungible-asset registry.
type AssetRepository struct {
	db *DB
}

func NewAssetRepository(db *DB) *AssetRepository {
	return &AssetRepository{db: db}
}

func (r *AssetRepository) Create(ctx context.Context, q Querier, a *Asset) error {
	const query = `INSERT INTO assets (asset_id, name, ticker, type, decimals, total_supply, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := q.Exec(ctx, query, a.AssetID, a.Name, a.Ticker, a.Type, a.Decimals, a.TotalSupply, a.IsActive, a.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create asset: %w", err)
	}
	return nil
}

func (r *AssetRepository) Get(ctx context.Context, q Querier, assetID string) (*Asset, error) {
	const query = `SELECT asset_id, name, ticker, type, decimals, total_supply, is_active, created_at
		FROM assets WHERE asset_id = $1`
	var a Asset
	err := q.QueryRow(ctx, query, assetID).Scan(
		&a.AssetID, &a.Name, &a.Ticker, &a.Type, &a.Decimals, &a.TotalSupply, &a.IsActive, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get asset %s: %w", assetID, err)
	}
	return &a, nil
}

func (r *AssetRepository) List(ctx context.Context, q Querier) ([]*Asset, error) {
	const query = `SELECT asset_id, name, ticker, type, decimals, total_supply, is_active, created_at
		FROM assets ORDER BY created_at`
	rows, err := q.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	var out []*Asset
	for rows.Next() {
		var a Asset
		if err := rows.Scan(&a.AssetID, &a.Name, &a.Ticker, &a.Type, &a.Decimals, &a.TotalSupply, &a.IsActive, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan asset row: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// AdjustTotalSupply adds delta (positive for mint, negative for burn) to
// total_supply. The non-negativity precondition is enforced by the schema
// CHECK constraint; a violated check surfaces as a generic Postgres error
// that callers map to a precondition failure.
func (r *AssetRepository) AdjustTotalSupply(ctx context.Context, q Querier, assetID string, delta int64) error {
	const query = `UPDATE assets SET total_supply = total_supply + $2 WHERE asset_id = $1`
	tag, err := q.Exec(ctx, query, assetID, delta)
	if err != nil {
		return fmt.Errorf("adjust total supply for %s: %w", assetID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *AssetRepository) SetActive(ctx context.Context, q Querier, assetID string, active bool) error {
	const query = `UPDATE assets SET is_active = $2 WHERE asset_id = $1`
	tag, err := q.Exec(ctx, query, assetID, active)
	if err != nil {
		return fmt.Errorf("set asset active for %s: %w", assetID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
