// Package vtxo implements the virtual-UTXO inventory: replenishment from
// the Ark daemon, user-side assignment and spending, expiration of stale
// assignments, and the periodic L1 settlement roll-up.
package vtxo

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/arkrelay/gateway/internal/daemon"
	"github.com/arkrelay/gateway/internal/store"
	"github.com/arkrelay/gateway/pkg/cache"
	"github.com/arkrelay/gateway/pkg/logger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrInsufficientInventory is returned by Assign when no combination of
	// available VTXOs covers the requested amount.
	ErrInsufficientInventory = errors.New("vtxo: insufficient inventory")
)

// Distributed replenishment lock, held while a batch request is in flight
// so concurrent monitor ticks (or multiple gateway replicas) don't each
// order a batch for the same asset.
const (
	replenishLockName = "vtxo:replenish:"
	replenishLockTTL  = 2 * time.Minute
)

// Config carries the inventory thresholds and timer cadences.
type Config struct {
	CriticalThreshold int64
	WarningThreshold  int64
	TargetLevel       int64
	BatchSize         int64
	MonitorInterval   time.Duration
	SettlementPeriod  time.Duration
	MaxFeeCeilingSats int64
	DefaultExpiry     time.Duration
}

// DefaultConfig returns the documented inventory defaults.
func DefaultConfig() Config {
	return Config{
		CriticalThreshold: 1000,
		WarningThreshold:  3000,
		TargetLevel:       10000,
		BatchSize:         1000,
		MonitorInterval:   5 * time.Minute,
		SettlementPeriod:  time.Hour,
		MaxFeeCeilingSats: 50000,
		DefaultExpiry:     24 * time.Hour,
	}
}

// Manager owns all VTXO state transitions. Assignment and spending are the
// two mutations other components request; both run under row locks so a
// VTXO is never assigned to two sessions or spent twice.
type Manager struct {
	db          *store.DB
	repo        *store.VTXORepository
	balances    *store.BalanceRepository
	commitments *store.CommitmentRepository
	ark         daemon.ArkClient
	cfg         Config
	notifier    CommitmentNotifier

	settleGroup singleflight.Group

	stop chan struct{}
	done chan struct{}
}

func NewManager(db *store.DB, ark daemon.ArkClient, cfg Config) *Manager {
	return &Manager{
		db:          db,
		repo:        store.NewVTXORepository(),
		balances:    store.NewBalanceRepository(),
		commitments: store.NewCommitmentRepository(),
		ark:         ark,
		cfg:         cfg,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// selectSmallestFit picks the combination of candidates whose sum covers
// amount: prefer the single smallest VTXO that covers it outright,
// otherwise accumulate from the smallest up. candidates must be sorted
// ascending by amount. Returns nil when nothing fits.
func selectSmallestFit(candidates []*store.VTXO, amount int64) []*store.VTXO {
	if amount <= 0 {
		return nil
	}
	for _, v := range candidates {
		if v.AmountSats >= amount {
			return []*store.VTXO{v}
		}
	}
	var picked []*store.VTXO
	var sum int64
	for _, v := range candidates {
		picked = append(picked, v)
		sum += v.AmountSats
		if sum >= amount {
			return picked
		}
	}
	return nil
}

// Assign selects the smallest-fit combination of available VTXOs covering
// amountNeeded, transitions them to assigned with userPubkey as owner, and
// earmarks amountNeeded in the owner's reserved balance — all in one
// serializable transaction. The balance guard rejects the earmark when
// spendable funds don't cover it. Returns the assigned set.
func (m *Manager) Assign(ctx context.Context, userPubkey, assetID string, amountNeeded int64) ([]*store.VTXO, error) {
	var assigned []*store.VTXO
	err := m.db.WithSerializableTx(ctx, func(tx pgx.Tx) error {
		candidates, err := m.repo.LockAvailableForAssignment(ctx, tx, assetID)
		if err != nil {
			return err
		}
		picked := selectSmallestFit(candidates, amountNeeded)
		if picked == nil {
			return ErrInsufficientInventory
		}

		for _, v := range picked {
			if err := m.repo.Assign(ctx, tx, v.VTXOID, userPubkey); err != nil {
				return err
			}
			owner := userPubkey
			v.UserPubkey = &owner
			v.Status = store.VTXOAssigned
		}
		if _, err := m.balances.GetOrCreate(ctx, tx, userPubkey, assetID); err != nil {
			return err
		}
		if err := m.balances.AdjustBalance(ctx, tx, userPubkey, assetID, 0, amountNeeded); err != nil {
			return err
		}
		assigned = picked
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Info("vtxos assigned",
		zap.String("user_pubkey", userPubkey),
		zap.String("asset_id", assetID),
		zap.Int("count", len(assigned)),
		zap.Int64("amount_needed", amountNeeded),
	)
	return assigned, nil
}

// ListAssigned returns the VTXOs currently assigned to a user for an asset,
// the input set the ceremony spends from.
func (m *Manager) ListAssigned(ctx context.Context, q store.Querier, userPubkey, assetID string) ([]*store.VTXO, error) {
	if q == nil {
		q = m.db.Pool()
	}
	return m.repo.ListAssignedByUser(ctx, q, userPubkey, assetID)
}

// SpendInTx marks vtxoIDs spent with spendingTxid inside the caller's
// finalization transaction. Ledger debits stay with the caller, which
// knows the value-level shape of the spend (amount, fee, earmark); the
// guarded status transition here is what loses the double-spend race.
func (m *Manager) SpendInTx(ctx context.Context, tx pgx.Tx, vtxos []*store.VTXO, spendingTxid string) error {
	for _, v := range vtxos {
		if v.UserPubkey == nil {
			return fmt.Errorf("vtxo %s has no owner to spend from", v.VTXOID)
		}
		if err := m.repo.Spend(ctx, tx, v.VTXOID, spendingTxid); err != nil {
			return err
		}
	}
	return nil
}

// CreateAssignedInTx inserts a freshly produced VTXO owned by userPubkey
// (a transfer output or a lift settlement) and credits the owner's
// balance inside the caller's transaction.
func (m *Manager) CreateAssignedInTx(ctx context.Context, tx pgx.Tx, userPubkey, assetID, txid string, vout uint32, amountSats int64, scriptPubkey []byte) (*store.VTXO, error) {
	v, err := m.insertAssigned(ctx, tx, userPubkey, assetID, txid, vout, amountSats, scriptPubkey)
	if err != nil {
		return nil, err
	}
	if _, err := m.balances.GetOrCreate(ctx, tx, userPubkey, assetID); err != nil {
		return nil, err
	}
	if err := m.balances.AdjustBalance(ctx, tx, userPubkey, assetID, amountSats, 0); err != nil {
		return nil, err
	}
	return v, nil
}

// CreateChangeInTx inserts a change VTXO back to the spender without a
// ledger credit: the change value never left the owner's balance.
func (m *Manager) CreateChangeInTx(ctx context.Context, tx pgx.Tx, userPubkey, assetID, txid string, vout uint32, amountSats int64, scriptPubkey []byte) (*store.VTXO, error) {
	return m.insertAssigned(ctx, tx, userPubkey, assetID, txid, vout, amountSats, scriptPubkey)
}

// CreateAvailableInTx inserts an unowned VTXO back into inventory —
// overshoot change from inventory-assigned inputs returns here instead of
// gifting gateway value to the spender.
func (m *Manager) CreateAvailableInTx(ctx context.Context, tx pgx.Tx, assetID, txid string, vout uint32, amountSats int64, scriptPubkey []byte) (*store.VTXO, error) {
	v := &store.VTXO{
		VTXOID:       uuid.New().String(),
		Txid:         txid,
		Vout:         vout,
		AmountSats:   amountSats,
		ScriptPubkey: scriptPubkey,
		AssetID:      assetID,
		Status:       store.VTXOAvailable,
		ExpiresAt:    time.Now().Add(m.cfg.DefaultExpiry),
		CreatedAt:    time.Now(),
	}
	if err := m.repo.Create(ctx, tx, v); err != nil {
		return nil, err
	}
	return v, nil
}

func (m *Manager) insertAssigned(ctx context.Context, tx pgx.Tx, userPubkey, assetID, txid string, vout uint32, amountSats int64, scriptPubkey []byte) (*store.VTXO, error) {
	owner := userPubkey
	v := &store.VTXO{
		VTXOID:       uuid.New().String(),
		Txid:         txid,
		Vout:         vout,
		AmountSats:   amountSats,
		ScriptPubkey: scriptPubkey,
		AssetID:      assetID,
		UserPubkey:   &owner,
		Status:       store.VTXOAssigned,
		ExpiresAt:    time.Now().Add(m.cfg.DefaultExpiry),
		CreatedAt:    time.Now(),
	}
	if err := m.repo.Create(ctx, tx, v); err != nil {
		return nil, err
	}
	return v, nil
}

// DebitSpendInTx applies the value-level ledger effect of a finalized
// spend: the spent total leaves the owner's balance and the ceremony's
// earmark is released.
func (m *Manager) DebitSpendInTx(ctx context.Context, tx pgx.Tx, userPubkey, assetID string, total, earmark int64) error {
	if err := m.balances.AdjustBalance(ctx, tx, userPubkey, assetID, -total, 0); err != nil {
		return err
	}
	if earmark > 0 {
		return m.balances.ReleaseReserve(ctx, tx, userPubkey, assetID, earmark)
	}
	return nil
}

// Count returns the number of available VTXOs for an asset.
func (m *Manager) Count(ctx context.Context, assetID string) (int64, error) {
	return m.repo.CountAvailable(ctx, m.db.Pool(), assetID)
}

// Replenish requests a batch from the Ark daemon and inserts the minted
// VTXOs as available. A distributed lock keeps concurrent ticks from
// double-ordering.
func (m *Manager) Replenish(ctx context.Context, assetID string, count int) error {
	locked, err := cache.AcquireLock(ctx, replenishLockName+assetID, replenishLockTTL)
	if err != nil {
		logger.Warn("replenish lock check failed, proceeding without lock", zap.Error(err))
	} else if !locked {
		return nil
	}
	defer cache.ReleaseLock(context.WithoutCancel(ctx), replenishLockName+assetID)

	entries, err := m.ark.CreateVTXOBatch(ctx, assetID, count)
	if err != nil {
		return fmt.Errorf("create vtxo batch for %s: %w", assetID, err)
	}

	return m.db.WithTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		for _, e := range entries {
			script, err := hex.DecodeString(e.ScriptPubKey)
			if err != nil {
				return fmt.Errorf("decode script for vtxo %s: %w", e.VTXOID, err)
			}
			v := &store.VTXO{
				VTXOID:       e.VTXOID,
				Txid:         e.Txid,
				Vout:         e.Vout,
				AmountSats:   e.AmountSats,
				ScriptPubkey: script,
				AssetID:      assetID,
				Status:       store.VTXOAvailable,
				ExpiresAt:    e.ExpiresAt,
				CreatedAt:    time.Now(),
			}
			if err := m.repo.Create(ctx, tx, v); err != nil {
				return err
			}
		}
		logger.Info("vtxo inventory replenished",
			zap.String("asset_id", assetID),
			zap.Int("count", len(entries)),
		)
		return nil
	})
}

// Start launches the inventory monitor, the expiration sweeper, and the L1
// settlement timer. assetIDs names the asset classes under inventory
// management.
func (m *Manager) Start(ctx context.Context, assetIDs []string) {
	go m.runLoops(ctx, assetIDs)
}

// Stop halts the background loops and waits for them to exit.
func (m *Manager) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Manager) runLoops(ctx context.Context, assetIDs []string) {
	defer close(m.done)

	monitor := time.NewTicker(m.cfg.MonitorInterval)
	defer monitor.Stop()
	settle := time.NewTicker(m.cfg.SettlementPeriod)
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-monitor.C:
			for _, assetID := range assetIDs {
				m.monitorOnce(ctx, assetID)
				m.pollCommitment(ctx, assetID)
			}
			m.expireOnce(ctx)
		case <-settle.C:
			for _, assetID := range assetIDs {
				if _, err := m.SettleL1(ctx, assetID); err != nil {
					logger.Error("l1 settlement run failed", zap.String("asset_id", assetID), zap.Error(err))
				}
			}
		}
	}
}

// monitorOnce applies the threshold policy: below critical, replenish
// immediately; below warning, replenish only while the current fee
// estimate is under the ceiling.
func (m *Manager) monitorOnce(ctx context.Context, assetID string) {
	count, err := m.repo.CountAvailable(ctx, m.db.Pool(), assetID)
	if err != nil {
		logger.Error("inventory count failed", zap.String("asset_id", assetID), zap.Error(err))
		return
	}

	switch {
	case count < m.cfg.CriticalThreshold:
		logger.Warn("vtxo inventory below critical threshold",
			zap.String("asset_id", assetID),
			zap.Int64("count", count),
			zap.Int64("critical", m.cfg.CriticalThreshold),
		)
		if err := m.Replenish(ctx, assetID, int(m.cfg.BatchSize)); err != nil {
			logger.Error("critical replenishment failed", zap.String("asset_id", assetID), zap.Error(err))
		}
	case count < m.cfg.WarningThreshold:
		info, err := m.ark.GetNetworkInfo(ctx)
		if err != nil {
			logger.Warn("fee estimate unavailable, deferring replenishment", zap.Error(err))
			return
		}
		if info.EstimatedFeeSat < m.cfg.MaxFeeCeilingSats {
			if err := m.Replenish(ctx, assetID, int(m.cfg.BatchSize)); err != nil {
				logger.Error("scheduled replenishment failed", zap.String("asset_id", assetID), zap.Error(err))
			}
		}
	}
}

// expireOnce moves stale assigned VTXOs to expired and releases their
// owners' reserve earmarks, clamped at zero since the exact remaining
// earmark of a long-dead session is not reconstructible.
func (m *Manager) expireOnce(ctx context.Context) {
	err := m.db.WithTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		expired, err := m.repo.ExpireStale(ctx, tx, time.Now())
		if err != nil {
			return err
		}
		byOwnerAsset := map[[2]string]int64{}
		for _, v := range expired {
			if v.UserPubkey == nil {
				continue
			}
			byOwnerAsset[[2]string{*v.UserPubkey, v.AssetID}] += v.AmountSats
		}
		for key, sum := range byOwnerAsset {
			if err := m.balances.ReleaseReserve(ctx, tx, key[0], key[1], sum); err != nil {
				return err
			}
		}
		if len(expired) > 0 {
			logger.Info("expired stale vtxo assignments", zap.Int("count", len(expired)))
		}
		return nil
	})
	if err != nil {
		logger.Error("vtxo expiration sweep failed", zap.Error(err))
	}
}
