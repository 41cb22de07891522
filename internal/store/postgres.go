package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/arkrelay/gateway/pkg/logger"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

// Config describes how to connect to the gateway's Postgres instance and
// size its connection pool.
type Config struct {
	Host            string
	Port            string
	User            string
	Password        string
	DB              string
	SslMode         string
	MaxConns        int
	MinConns        int
	MaxConnLifetime int
	MaxConnIdleTime int
}

// DB owns the connection pool and migration runner; it is the sole
// transaction boundary every repository in this package goes through.
type DB struct {
	pool          *pgxpool.Pool
	migrationPath string
}

// NewDB opens and health-checks a connection pool against cfg.
func NewDB(cfg Config) (*DB, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DB, cfg.SslMode)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		logger.Error("failed to parse store connection config", zap.Error(err))
		return nil, err
	}

	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnLifetime = time.Duration(cfg.MaxConnLifetime) * time.Minute
	poolCfg.MaxConnIdleTime = time.Duration(cfg.MaxConnIdleTime) * time.Minute

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Error("failed to create store connection pool", zap.Error(err))
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		logger.Error("store ping failed", zap.Error(err))
		return nil, err
	}

	logger.Info("store connection pool created")
	return &DB{pool: pool, migrationPath: "file://migrations"}, nil
}

// Pool exposes the underlying pgxpool for repositories in this package.
func (db *DB) Pool() *pgxpool.Pool { return db.pool }

// Ping checks reachability.
func (db *DB) Ping(ctx context.Context) error { return db.pool.Ping(ctx) }

// WithTx runs fn inside a single database transaction at the requested
// isolation level. All multi-row mutations touching balances, VTXOs, or
// session state go through this helper so a partial
// failure never leaves cross-entity invariants violated.
func (db *DB) WithTx(ctx context.Context, isoLevel pgx.TxIsoLevel, fn func(pgx.Tx) error) error {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: isoLevel})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// WithSerializableTx is WithTx at serializable isolation, used wherever the
// spec calls for linearizable mutation (VTXO assignment, ceremony step 6).
func (db *DB) WithSerializableTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return db.WithTx(ctx, pgx.Serializable, fn)
}

// RunMigrations applies all pending migrations under migrations/.
func (db *DB) RunMigrations() error {
	connStr := db.pool.Config().ConnString()
	sqlDB, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("open sql.DB for migrations: %w", err)
	}
	defer sqlDB.Close()

	driver, err := postgres.WithInstance(sqlDB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(db.migrationPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	logger.Info("running store migrations")
	if err := m.Up(); err != nil {
		if err == migrate.ErrNoChange {
			logger.Info("no new migrations to apply")
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return fmt.Errorf("get migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("database is in dirty state at version %d", version)
	}
	logger.Info("migrations completed", zap.Uint("version", version))
	return nil
}

// Close releases the connection pool.
func (db *DB) Close() {
	if db.pool != nil {
		logger.Info("closing store connection pool")
		db.pool.Close()
	}
}
