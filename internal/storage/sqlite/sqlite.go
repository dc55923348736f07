// Package sqlite stores the routing snapshot in a local SQLite file for
// single-node deployments that do not want the snapshot in Postgres.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/storage"
)

// Store implements routing snapshot persistence on SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite file at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY between our own goroutines.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`CREATE TABLE IF NOT EXISTS router_configs (
			name       TEXT PRIMARY KEY,
			config     TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: init schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// LoadRoutingConfig returns the stored snapshot, or storage.ErrNotFound.
func (s *Store) LoadRoutingConfig(ctx context.Context, name string) (model.RoutingConfig, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT config FROM router_configs WHERE name = ?`, name).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.RoutingConfig{}, storage.ErrNotFound
		}
		return model.RoutingConfig{}, fmt.Errorf("sqlite: load routing config: %w", err)
	}
	var cfg model.RoutingConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return model.RoutingConfig{}, fmt.Errorf("sqlite: decode routing config: %w", err)
	}
	if cfg.ModelList == nil {
		cfg.ModelList = []model.Deployment{}
	}
	return cfg, nil
}

// SaveRoutingConfig replaces the stored snapshot for name.
func (s *Store) SaveRoutingConfig(ctx context.Context, name string, cfg model.RoutingConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("sqlite: encode routing config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO router_configs (name, config, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET config = excluded.config, updated_at = excluded.updated_at`,
		name, string(raw), time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save routing config: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
