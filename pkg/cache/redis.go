// Package cache is the gateway's shared Redis surface: a read-through
// cache with TTL (the database stays the locus of truth — a miss always
// falls back to it), the SetNX fast path the event dispatcher's dedup
// uses, and the distributed locks serializing inventory replenishment
// across replicas.
package cache

import (
	"context"
	"time"

	"github.com/arkrelay/gateway/pkg/logger"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Config struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Client is the process-wide Redis client, set by Init.
var Client *redis.Client

const lockPrefix = "lock:"

func Init(cfg Config) error {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Host + ":" + cfg.Port,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Error("failed to connect to redis", zap.Error(err))
		return err
	}

	Client = rdb
	logger.Info("connected to redis", zap.String("host", cfg.Host))
	return nil
}

// Get returns the value at key, or "" if the key does not exist.
func Get(ctx context.Context, key string) (string, error) {
	val, err := Client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	} else if err != nil {
		logger.Error("redis get failed", zap.String("key", key), zap.Error(err))
		return "", err
	}
	return val, nil
}

func Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	err := Client.Set(ctx, key, value, expiration).Err()
	if err != nil {
		logger.Error("redis set failed", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

func Delete(ctx context.Context, keys ...string) (int64, error) {
	res, err := Client.Del(ctx, keys...).Result()
	if err != nil {
		logger.Error("redis delete failed", zap.Strings("keys", keys), zap.Error(err))
		return 0, err
	}
	return res, nil
}

func Exists(ctx context.Context, key string) (bool, error) {
	res, err := Client.Exists(ctx, key).Result()
	if err != nil {
		logger.Error("redis exists check failed", zap.String("key", key), zap.Error(err))
		return false, err
	}
	return res > 0, nil
}

// SetNX sets key only if it does not exist, reporting whether this caller
// won. The dedup fast path and the locks below are built on it.
func SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	set, err := Client.SetNX(ctx, key, value, expiration).Result()
	if err != nil {
		logger.Error("redis setnx failed", zap.String("key", key), zap.Error(err))
		return false, err
	}
	return set, nil
}

func Incr(ctx context.Context, key string) (int64, error) {
	res, err := Client.Incr(ctx, key).Result()
	if err != nil {
		logger.Error("redis incr failed", zap.String("key", key), zap.Error(err))
		return 0, err
	}
	return res, nil
}

func Expire(ctx context.Context, key string, expiration time.Duration) error {
	err := Client.Expire(ctx, key, expiration).Err()
	if err != nil {
		logger.Error("redis expire failed", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

// AcquireLock takes the named distributed lock for at most ttl, reporting
// whether this caller holds it. Locks are TTL-bounded so a crashed holder
// never wedges the cluster; holders finishing early release explicitly.
func AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	return SetNX(ctx, lockPrefix+name, "held", ttl)
}

// ReleaseLock drops the named lock. Releasing a lock that already expired
// is harmless.
func ReleaseLock(ctx context.Context, name string) {
	if _, err := Delete(ctx, lockPrefix+name); err != nil {
		logger.Warn("failed to release lock", zap.String("lock", name), zap.Error(err))
	}
}

// Remember is the read-through path: return the cached value at key if
// present, otherwise compute it, cache it for ttl, and return it. Cache
// errors degrade to computing fresh rather than failing the caller.
func Remember(ctx context.Context, key string, ttl time.Duration, compute func() (string, error)) (string, error) {
	if cached, err := Get(ctx, key); err == nil && cached != "" {
		return cached, nil
	}

	val, err := compute()
	if err != nil {
		return "", err
	}
	if err := Set(ctx, key, val, ttl); err != nil {
		logger.Warn("failed to cache computed value", zap.String("key", key), zap.Error(err))
	}
	return val, nil
}

// Ping tests the Redis connection
func Ping(ctx context.Context) error {
	return Client.Ping(ctx).Err()
}

// Close closes the Redis connection
func Close() error {
	if Client != nil {
		return Client.Close()
	}
	return nil
}
