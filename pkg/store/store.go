package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/medwire/dicomgw/pkg/config"
	"github.com/medwire/dicomgw/pkg/log"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// execer is the write surface shared by the pool and a transaction, so
// single-row updates can run standalone or inside a larger commit
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store provides all PostgreSQL data access for the gateway
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// New connects a pool using the configured bounds. Connections are
// health-checked before use and recycled after the idle timeout.
func New(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}

	poolCfg.MinConns = int32(cfg.PoolMinConns)
	poolCfg.MaxConns = int32(cfg.PoolMaxConns)
	poolCfg.MaxConnIdleTime = cfg.PoolMaxIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheck

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool:   pool,
		logger: log.WithComponent("store"),
	}, nil
}

// NewBatchPool creates the dedicated low-level pool used for COPY-style
// batch insertion, kept separate from the general pool so bulk writes
// never starve interactive statements.
func NewBatchPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	poolCfg.MinConns = 1
	poolCfg.MaxConns = 2
	poolCfg.MaxConnIdleTime = cfg.PoolMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch pool: %w", err)
	}
	return pool, nil
}

// Pool exposes the underlying pool for components that share it (queue)
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Ping probes database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections
func (s *Store) Close() {
	s.pool.Close()
}
