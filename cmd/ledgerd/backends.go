package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-ledger/config"
	"github.com/vnmchuo/usage-ledger/internal/auth"
	"github.com/vnmchuo/usage-ledger/internal/identity"
	"github.com/vnmchuo/usage-ledger/internal/ledger"
	"github.com/vnmchuo/usage-ledger/internal/seeder"
)

// backends are the storage collaborators for one process.
type backends struct {
	store     ledger.Store
	directory identity.Directory
	registrar seeder.Registrar
	balances  seeder.BalanceSetter
	keys      auth.Store    // nil on the memory backend
	rdb       *redis.Client // nil without REDIS_ADDR
}

func (b *backends) Close() {
	if b.rdb != nil {
		_ = b.rdb.Close()
	}
	if b.store != nil {
		_ = b.store.Close()
	}
}

func openBackends(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backends, error) {
	b := &backends{}

	switch cfg.StoreBackend {
	case config.BackendMemory:
		store := ledger.NewMemoryStore(cfg.LockTimeout)
		dir := identity.NewMemoryDirectory()
		b.store, b.balances = store, store
		b.directory, b.registrar = dir, dir
		logger.Warn("using in-memory ledger, data is lost on exit")
	default:
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to ping postgres: %w", err)
		}
		logger.Info("PostgreSQL connected")

		store := ledger.NewPostgresStore(pool, cfg.LockTimeout)
		b.store, b.balances = store, store
		if err := store.EnsureSchema(ctx); err != nil {
			b.Close()
			return nil, err
		}
		dir := identity.NewPostgresDirectory(pool)
		if err := dir.EnsureSchema(ctx); err != nil {
			b.Close()
			return nil, err
		}
		b.directory, b.registrar = dir, dir

		keys := auth.NewPostgresStore(pool)
		if err := keys.EnsureSchema(ctx); err != nil {
			b.Close()
			return nil, err
		}
		b.keys = keys
	}

	if cfg.RedisAddr != "" {
		b.rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := b.rdb.Ping(ctx).Err(); err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		logger.Info("Redis connected")
		b.directory = identity.NewCachedDirectory(b.directory, b.rdb, 0, logger)
	}

	return b, nil
}
