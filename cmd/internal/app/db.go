package app

import (
	"context"
	"fmt"
	"time"

	"murmur/cmd/internal/fallback"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewDBPool builds a pgxpool with sane defaults and validates connectivity.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := PingDB(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// PingDB checks if we can acquire a connection within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}

// newFallbackStore opens the configured snapshot backend.
//
// Ownership: the app owns the pool; PostgresStore.Close is a no-op, so the
// returned pool (non-nil only for postgres) must be closed by the caller.
func newFallbackStore(ctx context.Context, cfg Config, log Logger) (fallback.Store, *pgxpool.Pool, error) {
	backend, err := fallback.ParseBackend(cfg.FallbackBackend)
	if err != nil {
		return nil, nil, err
	}

	switch backend {
	case fallback.BackendPostgres:
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("fallback postgres: %w", err)
		}
		st, err := fallback.NewPostgresStore(pool, fallback.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("fallback postgres schema: %w", err)
		}
		log.Info("fallback.backend", "backend", backend, "schema", cfg.DBSchema)
		return st, pool, nil

	case fallback.BackendSQLite:
		st, err := fallback.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("fallback sqlite: %w", err)
		}
		log.Info("fallback.backend", "backend", backend, "path", cfg.SQLitePath)
		return st, nil, nil

	case fallback.BackendRedis:
		st, err := fallback.DialRedis(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("fallback redis: %w", err)
		}
		log.Info("fallback.backend", "backend", backend, "addr", cfg.RedisAddr)
		return st, nil, nil

	default:
		log.Info("fallback.backend", "backend", fallback.BackendMemory)
		return fallback.NewMemoryStore(), nil, nil
	}
}
