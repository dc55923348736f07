package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/michi/internal/model"
)

// routerSettings is the JSONB column holding the non-scalar parts of a RoutingConfig.
type routerSettings struct {
	Timeout                *float64            `json:"timeout,omitempty"`
	Fallbacks              map[string][]string `json:"fallbacks,omitempty"`
	DefaultFallbacks       []string            `json:"default_fallbacks,omitempty"`
	ContextWindowFallbacks map[string][]string `json:"context_window_fallbacks,omitempty"`
	EnablePreCallChecks    bool                `json:"enable_pre_call_checks"`
	EnableTagFiltering     bool                `json:"enable_tag_filtering"`
	CacheResponses         bool                `json:"cache_responses"`
	RedisHost              string              `json:"redis_host,omitempty"`
	RedisPort              int                 `json:"redis_port"`
	RedisPassword          string              `json:"redis_password,omitempty"`
	RedisURL               string              `json:"redis_url,omitempty"`
	Guardrails             []model.Guardrail   `json:"guardrails,omitempty"`
}

func settingsFromConfig(cfg model.RoutingConfig) routerSettings {
	return routerSettings{
		Timeout:                cfg.Timeout,
		Fallbacks:              cfg.Fallbacks,
		DefaultFallbacks:       cfg.DefaultFallbacks,
		ContextWindowFallbacks: cfg.ContextWindowFallbacks,
		EnablePreCallChecks:    cfg.EnablePreCallChecks,
		EnableTagFiltering:     cfg.EnableTagFiltering,
		CacheResponses:         cfg.CacheResponses,
		RedisHost:              cfg.RedisHost,
		RedisPort:              cfg.RedisPort,
		RedisPassword:          cfg.RedisPassword,
		RedisURL:               cfg.RedisURL,
		Guardrails:             cfg.Guardrails,
	}
}

func (s routerSettings) apply(cfg *model.RoutingConfig) {
	cfg.Timeout = s.Timeout
	cfg.Fallbacks = s.Fallbacks
	cfg.DefaultFallbacks = s.DefaultFallbacks
	cfg.ContextWindowFallbacks = s.ContextWindowFallbacks
	cfg.EnablePreCallChecks = s.EnablePreCallChecks
	cfg.EnableTagFiltering = s.EnableTagFiltering
	cfg.CacheResponses = s.CacheResponses
	cfg.RedisHost = s.RedisHost
	cfg.RedisPort = s.RedisPort
	cfg.RedisPassword = s.RedisPassword
	cfg.RedisURL = s.RedisURL
	cfg.Guardrails = s.Guardrails
}

// LoadRoutingConfig returns the stored routing snapshot for the named router.
func (db *DB) LoadRoutingConfig(ctx context.Context, name string) (model.RoutingConfig, error) {
	var (
		cfg      model.RoutingConfig
		settings routerSettings
	)
	err := db.pool.QueryRow(ctx,
		`SELECT routing_strategy, num_retries, allowed_fails, cooldown_time, settings
		 FROM router_configs WHERE name = $1`, name,
	).Scan(&cfg.RoutingStrategy, &cfg.NumRetries, &cfg.AllowedFails, &cfg.CooldownTime, &settings)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RoutingConfig{}, ErrNotFound
		}
		return model.RoutingConfig{}, fmt.Errorf("storage: load routing config: %w", err)
	}
	settings.apply(&cfg)

	rows, err := db.pool.Query(ctx,
		`SELECT model_name, params, model_info, tags
		 FROM model_deployments WHERE router_name = $1 ORDER BY position`, name,
	)
	if err != nil {
		return model.RoutingConfig{}, fmt.Errorf("storage: load deployments: %w", err)
	}
	defer rows.Close()

	cfg.ModelList = []model.Deployment{}
	for rows.Next() {
		var d model.Deployment
		if err := rows.Scan(&d.ModelName, &d.Params, &d.ModelInfo, &d.Tags); err != nil {
			return model.RoutingConfig{}, fmt.Errorf("storage: scan deployment: %w", err)
		}
		if len(d.Tags) == 0 {
			d.Tags = nil
		}
		cfg.ModelList = append(cfg.ModelList, d)
	}
	if err := rows.Err(); err != nil {
		return model.RoutingConfig{}, fmt.Errorf("storage: load deployments: %w", err)
	}
	return cfg, nil
}

// SaveRoutingConfig upserts the router row and replaces its deployments in one transaction.
func (db *DB) SaveRoutingConfig(ctx context.Context, name string, cfg model.RoutingConfig) error {
	return db.retry(ctx, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin save routing config: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if _, err := tx.Exec(ctx,
			`INSERT INTO router_configs (name, routing_strategy, num_retries, allowed_fails, cooldown_time, settings)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (name) DO UPDATE SET
				routing_strategy = EXCLUDED.routing_strategy,
				num_retries = EXCLUDED.num_retries,
				allowed_fails = EXCLUDED.allowed_fails,
				cooldown_time = EXCLUDED.cooldown_time,
				settings = EXCLUDED.settings,
				updated_at = now()`,
			name, cfg.RoutingStrategy, cfg.NumRetries, cfg.AllowedFails, cfg.CooldownTime, settingsFromConfig(cfg),
		); err != nil {
			return fmt.Errorf("storage: upsert router config: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM model_deployments WHERE router_name = $1`, name); err != nil {
			return fmt.Errorf("storage: clear deployments: %w", err)
		}

		if len(cfg.ModelList) > 0 {
			rows := make([][]any, len(cfg.ModelList))
			for i, d := range cfg.ModelList {
				params := d.Params
				if params == nil {
					params = map[string]any{}
				}
				tags := d.Tags
				if tags == nil {
					tags = []string{}
				}
				rows[i] = []any{name, i, d.ModelName, params, d.ModelInfo, tags}
			}
			copyCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			_, err := tx.CopyFrom(copyCtx,
				pgx.Identifier{"model_deployments"},
				[]string{"router_name", "position", "model_name", "params", "model_info", "tags"},
				pgx.CopyFromRows(rows),
			)
			cancel()
			if err != nil {
				return fmt.Errorf("storage: copy deployments: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit routing config: %w", err)
		}
		return nil
	})
}
