// Package storage provides the PostgreSQL storage layer for Michi.
//
// It owns the pgx connection pool, the embedded schema migrations, execution
// history rows and the persisted routing snapshot.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/michi/internal/telemetry"
)

// DB wraps a pgxpool.Pool shared by the execution engine, the routing
// snapshot store and the HTTP readiness check.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a new DB with a connection pool and verifies connectivity.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &DB{pool: pool, logger: logger}, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// RegisterPoolMetrics exposes pgxpool statistics as observable gauges under michi.db.pool.*.
func (db *DB) RegisterPoolMetrics() error {
	meter := telemetry.Meter("michi/storage")

	total, err := meter.Int64ObservableGauge("michi.db.pool.total_conns",
		metric.WithDescription("Total connections in the pool"))
	if err != nil {
		return fmt.Errorf("storage: register pool metrics: %w", err)
	}
	idle, err := meter.Int64ObservableGauge("michi.db.pool.idle_conns",
		metric.WithDescription("Idle connections in the pool"))
	if err != nil {
		return fmt.Errorf("storage: register pool metrics: %w", err)
	}
	acquired, err := meter.Int64ObservableGauge("michi.db.pool.acquired_conns",
		metric.WithDescription("Connections currently checked out"))
	if err != nil {
		return fmt.Errorf("storage: register pool metrics: %w", err)
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stat := db.pool.Stat()
		o.ObserveInt64(total, int64(stat.TotalConns()))
		o.ObserveInt64(idle, int64(stat.IdleConns()))
		o.ObserveInt64(acquired, int64(stat.AcquiredConns()))
		return nil
	}, total, idle, acquired)
	if err != nil {
		return fmt.Errorf("storage: register pool metrics callback: %w", err)
	}
	return nil
}
