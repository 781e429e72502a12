// Package postgres opens instrumented PostgreSQL connection pools.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Options tunes NewPool. The zero value is usable.
type Options struct {
	// Observer receives every query duration when set.
	Observer QueryObserver

	// SlowQuery logs successful queries at or above this duration. Zero
	// disables slow query logging; failed queries are always logged.
	SlowQuery time.Duration

	// MaxConns overrides the pool size when positive.
	MaxConns int32
}

// NewPool parses databaseURL, installs OpenTelemetry query tracing and
// verifies connectivity.
func NewPool(ctx context.Context, databaseURL string, opts Options) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	cfg.ConnConfig.Tracer = newQueryTracer(otelpgx.NewTracer(), opts.Observer, opts.SlowQuery)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.NewWithConfig: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}
