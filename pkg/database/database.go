// Package database manages the PostgreSQL connection pool shared by the
// event store, message archive, and checkpoint store.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ghuser/whatsup/pkg/logger"
)

const connectMaxElapsed = 30 * time.Second

// Database wraps a pgx connection pool.
type Database struct {
	pool *pgxpool.Pool
}

// NewPool opens a pgx pool against url and verifies connectivity, retrying
// with exponential backoff so the worker survives the database coming up
// after it does (the broker tables live in the same database).
func NewPool(ctx context.Context, url string, log logger.Logger) (*Database, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("database: parse config: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnIdleTime = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("database: new pool: %w", err)
	}

	ping := func() (struct{}, error) {
		if err := pool.Ping(ctx); err != nil {
			log.WarnContext(ctx, "database not reachable yet, retrying", "error", err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	}
	if _, err := backoff.Retry(ctx, ping,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(connectMaxElapsed),
	); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}

	return &Database{pool: pool}, nil
}

// Pool returns the underlying pgx pool for repository implementations.
func (d *Database) Pool() *pgxpool.Pool {
	return d.pool
}

// Ping checks database connectivity.
func (d *Database) Ping(ctx context.Context) error {
	if err := d.pool.Ping(ctx); err != nil {
		return fmt.Errorf("database: ping: %w", err)
	}
	return nil
}

// Close releases all pool connections.
func (d *Database) Close() {
	d.pool.Close()
}
