//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedAsset(t *testing.T, db *DB) string {
	t.Helper()
	assetRepo := NewAssetRepository(db)
	assetID := uuid.New().String()
	err := assetRepo.Create(context.Background(), db.Pool(), &Asset{
		AssetID: assetID, Name: "Test Asset", Ticker: "TST", Type: AssetPermissionless, Decimals: 8, CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	return assetID
}

func TestBalanceRepository_GetOrCreate(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	repo := NewBalanceRepository()
	ctx := context.Background()
	assetID := seedAsset(t, db)
	user := "pubkey-1"

	b, err := repo.GetOrCreate(ctx, db.Pool(), user, assetID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Balance)
	assert.Equal(t, int64(0), b.ReservedBalance)

	// Second call must not error or reset an existing row.
	require.NoError(t, repo.AdjustBalance(ctx, db.Pool(), user, assetID, 500, 0))
	b2, err := repo.GetOrCreate(ctx, db.Pool(), user, assetID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), b2.Balance)
}

func TestBalanceRepository_AdjustBalance_RejectsNegative(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	repo := NewBalanceRepository()
	ctx := context.Background()
	assetID := seedAsset(t, db)
	user := "pubkey-2"

	_, err := repo.GetOrCreate(ctx, db.Pool(), user, assetID)
	require.NoError(t, err)

	err = repo.AdjustBalance(ctx, db.Pool(), user, assetID, -100, 0)
	assert.ErrorIs(t, err, ErrNegativeBalance)
}

func TestBalanceRepository_AdjustBalance_RejectsReservedExceedingBalance(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	repo := NewBalanceRepository()
	ctx := context.Background()
	assetID := seedAsset(t, db)
	user := "pubkey-3"

	_, err := repo.GetOrCreate(ctx, db.Pool(), user, assetID)
	require.NoError(t, err)
	require.NoError(t, repo.AdjustBalance(ctx, db.Pool(), user, assetID, 100, 0))

	// Reserving more than the balance violates balance >= reserved.
	err = repo.AdjustBalance(ctx, db.Pool(), user, assetID, 0, 200)
	assert.ErrorIs(t, err, ErrNegativeBalance)
}

func TestBalanceRepository_ReserveRequirement_MissingRowIsZeroed(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	repo := NewBalanceRepository()
	ctx := context.Background()
	assetID := seedAsset(t, db)

	req, err := repo.ReserveRequirement(ctx, db.Pool(), "never-seen", assetID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), req.Spendable)
}

func TestBalanceRepository_GetForUpdate(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	repo := NewBalanceRepository()
	ctx := context.Background()
	assetID := seedAsset(t, db)
	user := "pubkey-4"
	_, err := repo.GetOrCreate(ctx, db.Pool(), user, assetID)
	require.NoError(t, err)

	err = db.WithSerializableTx(ctx, func(tx pgx.Tx) error {
		_, err := repo.GetForUpdate(ctx, tx, user, assetID)
		return err
	})
	require.NoError(t, err)
}
