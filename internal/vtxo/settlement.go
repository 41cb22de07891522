package vtxo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arkrelay/gateway/internal/daemon"
	"github.com/arkrelay/gateway/internal/resilience"
	"github.com/arkrelay/gateway/internal/store"
	"github.com/arkrelay/gateway/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CommitmentNotifier publishes the public L1-commitment notice once a
// batch has been broadcast. Wired to the relay publisher; nil disables
// publication (tests).
type CommitmentNotifier interface {
	PublishL1Commitment(ctx context.Context, batchID, l1Txid string, blockHeight int64, merkleRoot []byte) error
}

// SetNotifier installs the publication sink for settlement notices.
func (m *Manager) SetNotifier(n CommitmentNotifier) { m.notifier = n }

// SettleL1 rolls up the L2 state changes since the previous batch for one
// asset class: builds a Merkle tree over them, requests and broadcasts an
// L1 commitment transaction, and publishes the public notice. Concurrent
// invocations for the same asset serialize through singleflight; callers
// that lose the race share the winner's result.
func (m *Manager) SettleL1(ctx context.Context, assetID string) (*store.L1CommitmentBatch, error) {
	v, err, _ := m.settleGroup.Do(assetID, func() (any, error) {
		return m.settleOnce(ctx, assetID)
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.(*store.L1CommitmentBatch), nil
}

func (m *Manager) settleOnce(ctx context.Context, assetID string) (*store.L1CommitmentBatch, error) {
	pool := m.db.Pool()

	// Retry a previous batch that never made it on-chain before opening a
	// new one; a daemon outage leaves the pending row as the queue entry
	// for this run.
	if prev, err := m.commitments.LatestForAsset(ctx, pool, assetID); err == nil && prev.Status == store.CommitmentPending {
		return m.broadcastBatch(ctx, prev)
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	since := time.Time{}
	if prev, err := m.commitments.LatestForAsset(ctx, pool, assetID); err == nil {
		since = prev.CreatedAt
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	changed, err := m.repo.ListSettledSince(ctx, pool, assetID, since)
	if err != nil {
		return nil, err
	}
	if len(changed) == 0 {
		return nil, nil
	}

	leaves := make([][]byte, 0, len(changed))
	ids := make([]string, 0, len(changed))
	for _, v := range changed {
		leaves = append(leaves, settlementLeaf(v))
		ids = append(ids, v.VTXOID)
	}

	batch := &store.L1CommitmentBatch{
		BatchID:         uuid.New().String(),
		AssetID:         assetID,
		MerkleRoot:      merkleRoot(leaves),
		Status:          store.CommitmentPending,
		IncludedVTXOIDs: ids,
		CreatedAt:       time.Now(),
	}
	if err := m.commitments.Create(ctx, pool, batch); err != nil {
		return nil, err
	}
	return m.broadcastBatch(ctx, batch)
}

func (m *Manager) broadcastBatch(ctx context.Context, batch *store.L1CommitmentBatch) (*store.L1CommitmentBatch, error) {
	feeRate := int64(0)
	if info, err := m.ark.GetNetworkInfo(ctx); err == nil {
		feeRate = info.EstimatedFeeSat
	}

	result, err := m.ark.CreateL1Commitment(ctx, batch.MerkleRoot, batch.IncludedVTXOIDs, feeRate)
	if err != nil {
		if resilience.IsUnavailable(err) {
			// Leave the batch pending; the next run picks it up.
			logger.Warn("ark daemon unavailable, queueing commitment batch for next run",
				zap.String("batch_id", batch.BatchID))
			return batch, nil
		}
		return nil, fmt.Errorf("create l1 commitment for batch %s: %w", batch.BatchID, err)
	}

	if _, err := m.ark.BroadcastTransaction(ctx, result.RawTx); err != nil {
		if resilience.IsUnavailable(err) {
			logger.Warn("l1 broadcast failed, queueing commitment batch for next run",
				zap.String("batch_id", batch.BatchID), zap.Error(err))
			return batch, nil
		}
		// A genuine rejection is usually fee-related (replacement or
		// mempool minimums): rebuild at an escalating fee rate and
		// rebroadcast with backoff before giving the batch up.
		result, err = m.rebroadcastWithFeeBump(ctx, batch, feeRate)
		if err != nil {
			if markErr := m.commitments.MarkFailed(ctx, m.db.Pool(), batch.BatchID); markErr != nil {
				logger.Error("failed to mark commitment batch failed", zap.Error(markErr))
			}
			return nil, fmt.Errorf("broadcast l1 commitment %s: %w", batch.BatchID, err)
		}
	}

	if err := m.commitments.MarkBroadcast(ctx, m.db.Pool(), batch.BatchID, result.Txid); err != nil {
		return nil, err
	}
	txid := result.Txid
	batch.L1Txid = &txid
	batch.Status = store.CommitmentBroadcast

	logger.Info("l1 commitment broadcast",
		zap.String("batch_id", batch.BatchID),
		zap.String("l1_txid", result.Txid),
		zap.Int("included_vtxos", len(batch.IncludedVTXOIDs)),
	)

	if m.notifier != nil {
		if err := m.notifier.PublishL1Commitment(ctx, batch.BatchID, result.Txid, 0, batch.MerkleRoot); err != nil {
			// Database state is already the truth; publication is retried by
			// the notifier itself.
			logger.Warn("l1 commitment notice publish failed", zap.String("batch_id", batch.BatchID), zap.Error(err))
		}
	}
	return batch, nil
}

// rebroadcastWithFeeBump retries a rejected commitment broadcast,
// increasing the fee rate by half again on every attempt under the shared
// backoff schedule. Returns the result of the attempt that stuck.
func (m *Manager) rebroadcastWithFeeBump(ctx context.Context, batch *store.L1CommitmentBatch, baseFeeRate int64) (*daemon.L1CommitmentResult, error) {
	feeRate := baseFeeRate
	if feeRate <= 0 {
		feeRate = 1
	}

	var result *daemon.L1CommitmentResult
	retry := resilience.NewRetryManager("l1-settlement", resilience.DefaultRetryPolicy(), func(error) bool { return true })
	err := retry.Execute(ctx, "rebroadcast_l1_commitment", func() error {
		feeRate += feeRate / 2
		bumped, err := m.ark.CreateL1Commitment(ctx, batch.MerkleRoot, batch.IncludedVTXOIDs, feeRate)
		if err != nil {
			return err
		}
		if _, err := m.ark.BroadcastTransaction(ctx, bumped.RawTx); err != nil {
			logger.Warn("l1 rebroadcast rejected, bumping fee",
				zap.String("batch_id", batch.BatchID),
				zap.Int64("fee_rate_sats", feeRate),
				zap.Error(err),
			)
			return err
		}
		result = bumped
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ConfirmCommitment records the block height once the chain observer sees
// the commitment transaction confirmed.
func (m *Manager) ConfirmCommitment(ctx context.Context, batchID string, blockHeight int64) error {
	return m.commitments.MarkConfirmed(ctx, m.db.Pool(), batchID, blockHeight)
}

// pollCommitment resolves the ambiguous window between broadcasting a
// commitment and seeing it on-chain: the latest broadcast batch is polled
// until the daemon reports a confirmation.
func (m *Manager) pollCommitment(ctx context.Context, assetID string) {
	batch, err := m.commitments.LatestForAsset(ctx, m.db.Pool(), assetID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Error("commitment poll: lookup failed", zap.String("asset_id", assetID), zap.Error(err))
		}
		return
	}
	if batch.Status != store.CommitmentBroadcast || batch.L1Txid == nil {
		return
	}

	status, err := m.ark.GetTransactionStatus(ctx, *batch.L1Txid)
	if err != nil {
		logger.Warn("commitment poll: status query failed",
			zap.String("batch_id", batch.BatchID), zap.Error(err))
		return
	}
	if status.Confirmations < 1 {
		return
	}
	if err := m.ConfirmCommitment(ctx, batch.BatchID, status.BlockHeight); err != nil {
		logger.Error("commitment poll: confirm failed", zap.String("batch_id", batch.BatchID), zap.Error(err))
		return
	}
	logger.Info("l1 commitment confirmed",
		zap.String("batch_id", batch.BatchID),
		zap.String("l1_txid", *batch.L1Txid),
		zap.Int64("block_height", status.BlockHeight),
	)
}

// settlementLeaf serializes the facts of one VTXO state change into the
// bytes hashed into the batch's Merkle tree.
func settlementLeaf(v *store.VTXO) []byte {
	spending := ""
	if v.SpendingTxid != nil {
		spending = *v.SpendingTxid
	}
	return []byte(fmt.Sprintf("%s|%s|%d|%d|%s|%s", v.VTXOID, v.Txid, v.Vout, v.AmountSats, v.Status, spending))
}
