// Package asset implements the fungible asset registry and per-identity
// holdings: creation and listing of assets, minting and burning against
// total supply, two-sided transfers, and the spendable/reserved split
// admission decisions read.
package asset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arkrelay/gateway/internal/daemon"
	"github.com/arkrelay/gateway/internal/store"
	"github.com/arkrelay/gateway/pkg/logger"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

var (
	ErrAssetNotFound  = errors.New("asset not found")
	ErrAssetInactive  = errors.New("asset is not active")
	ErrInvalidAmount  = errors.New("amount must be greater than 0")
	ErrSelfTransfer   = errors.New("sender and recipient are the same identity")
)

// Service is the sole writer of asset and asset_balance rows outside the
// ceremony finalization path.
type Service struct {
	db       *store.DB
	assets   *store.AssetRepository
	balances *store.BalanceRepository
}

func NewService(db *store.DB) *Service {
	return &Service{
		db:       db,
		assets:   store.NewAssetRepository(db),
		balances: store.NewBalanceRepository(),
	}
}

// CreateAsset registers a new fungible asset with zero supply.
func (s *Service) CreateAsset(ctx context.Context, assetID, name, ticker string, typ store.AssetType, decimals int) (*store.Asset, error) {
	a := &store.Asset{
		AssetID:   assetID,
		Name:      name,
		Ticker:    ticker,
		Type:      typ,
		Decimals:  decimals,
		IsActive:  true,
		CreatedAt: time.Now(),
	}
	if err := s.assets.Create(ctx, s.db.Pool(), a); err != nil {
		return nil, err
	}
	logger.Info("asset registered",
		zap.String("asset_id", assetID),
		zap.String("ticker", ticker),
		zap.String("type", string(typ)),
	)
	return a, nil
}

func (s *Service) GetAsset(ctx context.Context, assetID string) (*store.Asset, error) {
	a, err := s.assets.Get(ctx, s.db.Pool(), assetID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrAssetNotFound
		}
		return nil, err
	}
	return a, nil
}

func (s *Service) ListAssets(ctx context.Context) ([]*store.Asset, error) {
	return s.assets.List(ctx, s.db.Pool())
}

// Mint adds newly issued units to total_supply and to the recipient's
// balance in one transaction.
func (s *Service) Mint(ctx context.Context, assetID, toPubkey string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return s.db.WithTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		a, err := s.assets.Get(ctx, tx, assetID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrAssetNotFound
			}
			return err
		}
		if !a.IsActive {
			return ErrAssetInactive
		}
		if _, err := s.balances.GetOrCreate(ctx, tx, toPubkey, assetID); err != nil {
			return err
		}
		if err := s.assets.AdjustTotalSupply(ctx, tx, assetID, amount); err != nil {
			return err
		}
		if err := s.balances.AdjustBalance(ctx, tx, toPubkey, assetID, amount, 0); err != nil {
			return err
		}
		logger.Info("asset minted",
			zap.String("asset_id", assetID),
			zap.String("to", toPubkey),
			zap.Int64("amount", amount),
		)
		return nil
	})
}

// Burn removes units from a holder's balance and from total_supply.
func (s *Service) Burn(ctx context.Context, assetID, fromPubkey string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return s.db.WithTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		if err := s.balances.AdjustBalance(ctx, tx, fromPubkey, assetID, -amount, 0); err != nil {
			if errors.Is(err, store.ErrNegativeBalance) {
				return store.ErrInsufficientBalance
			}
			return err
		}
		return s.assets.AdjustTotalSupply(ctx, tx, assetID, -amount)
	})
}

// Transfer moves amount between exactly two balance rows in one
// transaction: sender decremented, recipient incremented. The sender row
// is locked first so two concurrent transfers from the same identity
// serialize instead of both passing the non-negativity check.
func (s *Service) Transfer(ctx context.Context, assetID, fromPubkey, toPubkey string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if fromPubkey == toPubkey {
		return ErrSelfTransfer
	}
	return s.db.WithTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		sender, err := s.balances.GetForUpdate(ctx, tx, fromPubkey, assetID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return store.ErrInsufficientBalance
			}
			return err
		}
		if sender.Spendable() < amount {
			return store.ErrInsufficientBalance
		}
		if _, err := s.balances.GetOrCreate(ctx, tx, toPubkey, assetID); err != nil {
			return err
		}
		if err := s.balances.AdjustBalance(ctx, tx, fromPubkey, assetID, -amount, 0); err != nil {
			return err
		}
		if err := s.balances.AdjustBalance(ctx, tx, toPubkey, assetID, amount, 0); err != nil {
			return err
		}
		return nil
	})
}

// SyncRegistry reconciles the local asset registry against the
// Taproot-asset daemon: assets the daemon knows and we don't are
// registered as permissionless entries. Run at startup and safe to rerun.
func (s *Service) SyncRegistry(ctx context.Context, tapd daemon.TapdClient) error {
	infos, err := tapd.ListAssets(ctx)
	if err != nil {
		return fmt.Errorf("list daemon assets: %w", err)
	}
	for _, info := range infos {
		_, err := s.assets.Get(ctx, s.db.Pool(), info.AssetID)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		a := &store.Asset{
			AssetID:     info.AssetID,
			Name:        info.Name,
			Ticker:      info.Ticker,
			Type:        store.AssetPermissionless,
			TotalSupply: info.TotalSupply,
			IsActive:    true,
			CreatedAt:   time.Now(),
		}
		if err := s.assets.Create(ctx, s.db.Pool(), a); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
			return err
		}
		logger.Info("asset imported from daemon registry",
			zap.String("asset_id", info.AssetID),
			zap.String("ticker", info.Ticker),
		)
	}
	return nil
}

// Balance returns the balance row for (userPubkey, assetID), a zero row if
// none exists.
func (s *Service) Balance(ctx context.Context, userPubkey, assetID string) (*store.AssetBalance, error) {
	b, err := s.balances.Get(ctx, s.db.Pool(), userPubkey, assetID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &store.AssetBalance{UserPubkey: userPubkey, AssetID: assetID}, nil
		}
		return nil, err
	}
	return b, nil
}

// ReserveRequirement reports the spendable vs. reserved split for
// admission decisions.
func (s *Service) ReserveRequirement(ctx context.Context, userPubkey, assetID string) (*store.ReserveRequirement, error) {
	rr, err := s.balances.ReserveRequirement(ctx, s.db.Pool(), userPubkey, assetID)
	if err != nil {
		return nil, fmt.Errorf("reserve requirement for (%s,%s): %w", userPubkey, assetID, err)
	}
	return rr, nil
}
