//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/arkrelay/gateway/pkg/logger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	_ = logger.Init("development")
}

func TestAssetRepository_CreateAndGet(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	repo := NewAssetRepository(db)
	ctx := context.Background()

	asset := &Asset{
		AssetID:     uuid.New().String(),
		Name:        "Gateway Native",
		Ticker:      "ARKN",
		Type:        AssetNative,
		Decimals:    8,
		TotalSupply: 0,
		IsActive:    true,
		CreatedAt:   time.Now().UTC(),
	}

	err := repo.Create(ctx, db.Pool(), asset)
	require.NoError(t, err)

	got, err := repo.Get(ctx, db.Pool(), asset.AssetID)
	require.NoError(t, err)
	assert.Equal(t, asset.Ticker, got.Ticker)
	assert.True(t, got.IsActive)
}

func TestAssetRepository_Create_Duplicate(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	repo := NewAssetRepository(db)
	ctx := context.Background()

	asset := &Asset{AssetID: "dup-asset", Name: "Dup", Ticker: "DUP", Type: AssetPermissionless, Decimals: 2, CreatedAt: time.Now().UTC()}
	require.NoError(t, repo.Create(ctx, db.Pool(), asset))

	err := repo.Create(ctx, db.Pool(), asset)
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestAssetRepository_Get_NotFound(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	repo := NewAssetRepository(db)
	ctx := context.Background()

	_, err := repo.Get(ctx, db.Pool(), "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAssetRepository_AdjustTotalSupply(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	repo := NewAssetRepository(db)
	ctx := context.Background()

	asset := &Asset{AssetID: "mintable", Name: "Mintable", Ticker: "MNT", Type: AssetPermissionless, Decimals: 0, CreatedAt: time.Now().UTC()}
	require.NoError(t, repo.Create(ctx, db.Pool(), asset))

	require.NoError(t, repo.AdjustTotalSupply(ctx, db.Pool(), asset.AssetID, 1000))

	got, err := repo.Get(ctx, db.Pool(), asset.AssetID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.TotalSupply)
}
