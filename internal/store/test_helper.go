//go:build integration

package store

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// SetupTestDB connects to an externally-provisioned Postgres instance named
// by TEST_DATABASE_URL and runs migrations against it. No dockertest or
// embedded-postgres dependency is wired here (DESIGN.md); the caller is
// responsible for having a database reachable at that URL.
func SetupTestDB(t *testing.T) *DB {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}

	u, err := url.Parse(dsn)
	require.NoError(t, err, "failed to parse TEST_DATABASE_URL")

	password, _ := u.User.Password()
	cfg := Config{
		Host:            u.Hostname(),
		Port:            u.Port(),
		User:            u.User.Username(),
		Password:        password,
		DB:              strings.TrimPrefix(u.Path, "/"),
		SslMode:         "disable",
		MaxConns:        5,
		MinConns:        1,
		MaxConnLifetime: 5,
		MaxConnIdleTime: 1,
	}

	db, err := NewDB(cfg)
	require.NoError(t, err, "failed to connect to test database")

	_, filename, _, _ := runtime.Caller(0)
	dir := filepath.Dir(filename)
	projectRoot := filepath.Join(dir, "../..")
	migrationsPath := filepath.Join(projectRoot, "migrations")
	db.migrationPath = "file://" + migrationsPath

	err = db.RunMigrations()
	require.NoError(t, err, "failed to run migrations on test database")

	return db
}

// CleanupTestDB truncates every store table so tests start from a clean slate.
func CleanupTestDB(t *testing.T, db *DB) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tables := []string{
		"l1_commitment_batches",
		"processed_events",
		"lightning_invoices",
		"transactions",
		"signing_challenges",
		"signing_sessions",
		"vtxos",
		"asset_balances",
		"assets",
	}
	for _, table := range tables {
		_, err := db.pool.Exec(ctx, "TRUNCATE TABLE "+table+" CASCADE")
		require.NoError(t, err, "failed to truncate table %s", table)
	}
}

