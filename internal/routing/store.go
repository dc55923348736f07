package routing

import (
	"context"
	"errors"
	"sync"

	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/storage"
)

var (
	// ErrDeploymentNotFound is returned by RemoveDeployment when no deployment matches.
	ErrDeploymentNotFound = errors.New("routing: deployment not found")

	// ErrNoDeployment is returned when a model has no usable deployment.
	ErrNoDeployment = errors.New("routing: no deployment")

	// ErrInvalidConfig is returned when a config or deployment fails validation.
	ErrInvalidConfig = errors.New("routing: invalid config")

	// ErrContextWindowExceeded is returned when every deployment of a model is
	// too small for the request's input tokens.
	ErrContextWindowExceeded = errors.New("routing: context window exceeded")
)

// Store persists routing snapshots by router name. Load returns
// storage.ErrNotFound when nothing has been saved yet.
type Store interface {
	LoadRoutingConfig(ctx context.Context, name string) (model.RoutingConfig, error)
	SaveRoutingConfig(ctx context.Context, name string, cfg model.RoutingConfig) error
}

// MemoryStore keeps snapshots in process memory. It is used when no database
// is configured and in tests.
type MemoryStore struct {
	mu      sync.Mutex
	configs map[string]model.RoutingConfig
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{configs: make(map[string]model.RoutingConfig)}
}

// LoadRoutingConfig implements Store.
func (s *MemoryStore) LoadRoutingConfig(_ context.Context, name string) (model.RoutingConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[name]
	if !ok {
		return model.RoutingConfig{}, storage.ErrNotFound
	}
	return cfg.Clone(), nil
}

// SaveRoutingConfig implements Store.
func (s *MemoryStore) SaveRoutingConfig(_ context.Context, name string, cfg model.RoutingConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[name] = cfg.Clone()
	return nil
}
