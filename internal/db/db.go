package db

import (
	"context"
	"fmt"
	"time"

	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect establishes a connection pool to the database and returns the pool
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	// Parse config from DSN
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	// Ping the database to verify connection
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// ConnectWithRetry calls Connect until it succeeds, repeats are used up or
// ctx is done. Services start alongside Postgres in compose setups, so the
// first few dials are expected to fail.
func ConnectWithRetry(ctx context.Context, dsn string, repeats int, delay time.Duration) (*pgxpool.Pool, error) {
	var pool *pgxpool.Pool
	err := repeater.New(&strategy.FixedDelay{Repeats: repeats, Delay: delay}).Do(ctx, func() error {
		p, err := Connect(ctx, dsn)
		if err != nil {
			return err
		}
		pool = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect after %d attempts: %w", repeats, err)
	}
	return pool, nil
}
