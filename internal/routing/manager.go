// Package routing maintains the live model dispatch table.
//
// A Manager owns the current RoutingConfig and the Dispatcher built from it.
// Every mutation is a whole-config replacement: the new config is persisted,
// then either a new Dispatcher is built (structural change) or the existing
// one has its deployment list swapped in place.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/secrets"
	"github.com/ashita-ai/michi/internal/storage"
	"github.com/ashita-ai/michi/internal/telemetry"
)

// Manager serializes routing config changes and exposes the live dispatcher.
// Readers never take the lock: the dispatcher and config are published
// through atomic pointers after they are fully built.
type Manager struct {
	name         string
	seed         model.RoutingConfig
	store        Store
	materializer *secrets.Materializer
	logger       *slog.Logger
	now          func() time.Time

	mu         sync.Mutex
	config     atomic.Pointer[model.RoutingConfig]
	dispatcher atomic.Pointer[Dispatcher]
	lastReload atomic.Pointer[time.Time]

	reloads metric.Int64Counter
}

// NewManager creates a Manager for the named router. seed is used when the
// store holds no snapshot. A nil materializer resolves references from the
// process environment only.
func NewManager(name string, seed model.RoutingConfig, store Store, materializer *secrets.Materializer, logger *slog.Logger) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	if materializer == nil {
		materializer = secrets.NewMaterializer(nil, logger)
	}
	m := &Manager{
		name:         name,
		seed:         seed.Clone(),
		store:        store,
		materializer: materializer,
		logger:       logger,
		now:          time.Now,
	}
	initial := m.seed.Clone()
	m.config.Store(&initial)
	m.registerMetrics()
	return m
}

func (m *Manager) registerMetrics() {
	meter := telemetry.Meter("michi/routing")
	reloads, err := meter.Int64Counter("michi.routing.reloads",
		metric.WithDescription("Routing config replacements, by whether the dispatcher was rebuilt"))
	if err != nil {
		m.logger.Warn("routing: register reloads counter", "error", err)
	}
	m.reloads = reloads

	deployments, err := meter.Int64ObservableGauge("michi.routing.deployments",
		metric.WithDescription("Deployments in the live routing config"))
	if err != nil {
		m.logger.Warn("routing: register deployments gauge", "error", err)
		return
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(deployments, int64(len(m.config.Load().ModelList)),
			metric.WithAttributes(attribute.String("router", m.name)))
		return nil
	}, deployments)
	if err != nil {
		m.logger.Warn("routing: register deployments callback", "error", err)
	}
}

// Initialize loads the persisted snapshot (falling back to the seed), builds
// the dispatcher and persists the effective config. It is a no-op once built.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initializeLocked(ctx)
}

func (m *Manager) initializeLocked(ctx context.Context) error {
	if m.dispatcher.Load() != nil {
		return nil
	}

	cfg := m.seed.Clone()
	persisted, err := m.store.LoadRoutingConfig(ctx, m.name)
	switch {
	case err == nil:
		cfg = persisted
	case errors.Is(err, storage.ErrNotFound):
		m.logger.Info("routing: no stored snapshot, using seed config", "router", m.name)
	default:
		return fmt.Errorf("routing: load snapshot: %w", err)
	}

	d := m.build(ctx, cfg)
	if err := m.store.SaveRoutingConfig(ctx, m.name, cfg); err != nil {
		return fmt.Errorf("routing: save snapshot: %w", err)
	}
	m.publish(cfg, d)
	m.logger.Info("routing: dispatcher initialized",
		"router", m.name, "strategy", d.Strategy(), "deployments", len(cfg.ModelList))
	return nil
}

func (m *Manager) ensure(ctx context.Context) (*Dispatcher, error) {
	if d := m.dispatcher.Load(); d != nil {
		return d, nil
	}
	if err := m.Initialize(ctx); err != nil {
		return nil, err
	}
	return m.dispatcher.Load(), nil
}

// Dispatcher returns the live dispatcher, or nil before initialization.
func (m *Manager) Dispatcher() *Dispatcher {
	return m.dispatcher.Load()
}

// Resolve picks a backend for req.Model, building the dispatcher on first use.
func (m *Manager) Resolve(ctx context.Context, req Request) (Backend, error) {
	d, err := m.ensure(ctx)
	if err != nil {
		return Backend{}, err
	}
	return d.Pick(req)
}

// Dispatch runs call through the live dispatcher with retries and fallbacks.
func (m *Manager) Dispatch(ctx context.Context, req Request, call CallFunc) (Backend, error) {
	d, err := m.ensure(ctx)
	if err != nil {
		return Backend{}, err
	}
	return d.Dispatch(ctx, req, call)
}

// Config returns a copy of the current config.
func (m *Manager) Config() model.RoutingConfig {
	return m.config.Load().Clone()
}

// ListDeployments returns a copy of the current deployment list with secret
// references left unresolved.
func (m *Manager) ListDeployments() []model.Deployment {
	return m.Config().ModelList
}

// Replace swaps in cfg as the whole routing config.
func (m *Manager) Replace(ctx context.Context, cfg model.RoutingConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replaceLocked(ctx, cfg.Clone())
}

// AddDeployment appends d to the deployment list and replaces the config.
func (m *Manager) AddDeployment(ctx context.Context, d model.Deployment) error {
	if d.ModelName == "" {
		return fmt.Errorf("%w: deployment model_name is required", ErrInvalidConfig)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.config.Load().Clone()
	next.ModelList = append(next.ModelList, d.Clone())
	return m.replaceLocked(ctx, next)
}

// RemoveDeployment drops every deployment of modelName matching deploymentID.
// Returns ErrDeploymentNotFound, leaving the config untouched, when none match.
func (m *Manager) RemoveDeployment(ctx context.Context, modelName, deploymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.config.Load()
	next := current.Clone()
	next.ModelList = next.ModelList[:0]
	removed := false
	for _, d := range current.ModelList {
		if d.ModelName == modelName && d.MatchesID(deploymentID) {
			removed = true
			continue
		}
		next.ModelList = append(next.ModelList, d.Clone())
	}
	if !removed {
		return fmt.Errorf("%w: %q for model %q", ErrDeploymentNotFound, deploymentID, modelName)
	}
	return m.replaceLocked(ctx, next)
}

// replaceLocked persists next and then applies it. A failed save leaves the
// live config and dispatcher untouched. Callers hold m.mu.
func (m *Manager) replaceLocked(ctx context.Context, next model.RoutingConfig) error {
	if m.dispatcher.Load() == nil {
		if err := m.initializeLocked(ctx); err != nil {
			return err
		}
	}
	current := m.config.Load()
	rebuild := requiresRebuild(*current, next)

	if err := m.store.SaveRoutingConfig(ctx, m.name, next); err != nil {
		return fmt.Errorf("routing: save snapshot: %w", err)
	}

	if rebuild {
		m.publish(next, m.build(ctx, next))
	} else {
		params := m.materialize(ctx, next.ModelList)
		m.dispatcher.Load().SetModelList(next.ModelList, params)
		m.publish(next, nil)
	}

	if m.reloads != nil {
		m.reloads.Add(ctx, 1, metric.WithAttributes(attribute.Bool("rebuild", rebuild)))
	}
	m.logger.Info("routing: config replaced",
		"router", m.name, "rebuild", rebuild, "deployments", len(next.ModelList))
	return nil
}

func (m *Manager) build(ctx context.Context, cfg model.RoutingConfig) *Dispatcher {
	materialized := cfg.Clone()
	for i, g := range materialized.Guardrails {
		materialized.Guardrails[i].Params = m.materializer.Materialize(ctx, g.Params)
	}
	return NewDispatcher(materialized, m.materialize(ctx, cfg.ModelList))
}

func (m *Manager) materialize(ctx context.Context, deployments []model.Deployment) []map[string]any {
	params := make([]map[string]any, len(deployments))
	for i, d := range deployments {
		params[i] = m.materializer.Materialize(ctx, d.Params)
	}
	return params
}

// publish stores cfg as current and, when d is non-nil, installs it as the
// live dispatcher. Either way the reload timestamp is stamped.
func (m *Manager) publish(cfg model.RoutingConfig, d *Dispatcher) {
	if cfg.ModelList == nil {
		cfg.ModelList = []model.Deployment{}
	}
	m.config.Store(&cfg)
	if d != nil {
		d.now = m.now
		m.dispatcher.Store(d)
	}
	now := m.now().UTC()
	m.lastReload.Store(&now)
}

// HealthInfo summarizes the live routing state.
func (m *Manager) HealthInfo() model.RoutingHealth {
	cfg := m.config.Load()
	d := m.dispatcher.Load()
	h := model.RoutingHealth{
		RouterName:          m.name,
		Initialized:         d != nil,
		RoutingStrategy:     cfg.RoutingStrategy,
		TotalDeployments:    len(cfg.ModelList),
		LastReloadAt:        m.lastReload.Load(),
		RedisEnabled:        cfg.RedisEnabled(),
		RedisURL:            cfg.RedactedRedisURL(),
		AllowedFails:        cfg.AllowedFails,
		CooldownTime:        cfg.CooldownTime,
		NumRetries:          cfg.NumRetries,
		TagFilteringEnabled: cfg.EnableTagFiltering,
	}
	if d != nil {
		h.CoolingDeployments = d.CoolingCount()
	}
	return h
}
