package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// CommitmentRepository persists L1CommitmentBatch rows: the durable
// watermark the hourly settlement coordinator uses to know what has
// already been rolled up to L1.
type CommitmentRepository struct{}

func NewCommitmentRepository() *CommitmentRepository { return &CommitmentRepository{} }

func (r *CommitmentRepository) Create(ctx context.Context, q Querier, b *L1CommitmentBatch) error {
	const query = `INSERT INTO l1_commitment_batches
		(batch_id, asset_id, merkle_root, l1_txid, block_height, status, included_vtxo_ids, created_at, broadcast_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := q.Exec(ctx, query, b.BatchID, b.AssetID, b.MerkleRoot, b.L1Txid, b.BlockHeight, b.Status,
		b.IncludedVTXOIDs, b.CreatedAt, b.BroadcastAt)
	if err != nil {
		return fmt.Errorf("create commitment batch %s: %w", b.BatchID, err)
	}
	return nil
}

func (r *CommitmentRepository) Get(ctx context.Context, q Querier, batchID string) (*L1CommitmentBatch, error) {
	const query = `SELECT batch_id, asset_id, merkle_root, l1_txid, block_height, status, included_vtxo_ids, created_at, broadcast_at
		FROM l1_commitment_batches WHERE batch_id = $1`
	var b L1CommitmentBatch
	err := q.QueryRow(ctx, query, batchID).Scan(&b.BatchID, &b.AssetID, &b.MerkleRoot, &b.L1Txid, &b.BlockHeight,
		&b.Status, &b.IncludedVTXOIDs, &b.CreatedAt, &b.BroadcastAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get commitment batch %s: %w", batchID, err)
	}
	return &b, nil
}

// LatestForAsset returns the most recently created batch for an asset,
// the watermark ListSettledSince measures forward from.
func (r *CommitmentRepository) LatestForAsset(ctx context.Context, q Querier, assetID string) (*L1CommitmentBatch, error) {
	const query = `SELECT batch_id, asset_id, merkle_root, l1_txid, block_height, status, included_vtxo_ids, created_at, broadcast_at
		FROM l1_commitment_batches WHERE asset_id = $1 ORDER BY created_at DESC LIMIT 1`
	var b L1CommitmentBatch
	err := q.QueryRow(ctx, query, assetID).Scan(&b.BatchID, &b.AssetID, &b.MerkleRoot, &b.L1Txid, &b.BlockHeight,
		&b.Status, &b.IncludedVTXOIDs, &b.CreatedAt, &b.BroadcastAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get latest commitment batch for %s: %w", assetID, err)
	}
	return &b, nil
}

func (r *CommitmentRepository) MarkBroadcast(ctx context.Context, q Querier, batchID, l1Txid string) error {
	const query = `UPDATE l1_commitment_batches SET status = $2, l1_txid = $3, broadcast_at = now()
		WHERE batch_id = $1 AND status = $4`
	tag, err := q.Exec(ctx, query, batchID, CommitmentBroadcast, l1Txid, CommitmentPending)
	if err != nil {
		return fmt.Errorf("mark commitment batch %s broadcast: %w", batchID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *CommitmentRepository) MarkConfirmed(ctx context.Context, q Querier, batchID string, blockHeight int64) error {
	const query = `UPDATE l1_commitment_batches SET status = $2, block_height = $3
		WHERE batch_id = $1 AND status = $4`
	tag, err := q.Exec(ctx, query, batchID, CommitmentConfirmed, blockHeight, CommitmentBroadcast)
	if err != nil {
		return fmt.Errorf("mark commitment batch %s confirmed: %w", batchID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *CommitmentRepository) MarkFailed(ctx context.Context, q Querier, batchID string) error {
	const query = `UPDATE l1_commitment_batches SET status = $2 WHERE batch_id = $1 AND status != $3`
	tag, err := q.Exec(ctx, query, batchID, CommitmentFailed, CommitmentConfirmed)
	if err != nil {
		return fmt.Errorf("mark commitment batch %s failed: %w", batchID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
