package routing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/secrets"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type failingStore struct {
	*MemoryStore
	failSave bool
}

func (s *failingStore) SaveRoutingConfig(ctx context.Context, name string, cfg model.RoutingConfig) error {
	if s.failSave {
		return errors.New("disk full")
	}
	return s.MemoryStore.SaveRoutingConfig(ctx, name, cfg)
}

func seedConfig() model.RoutingConfig {
	cfg := model.DefaultRoutingConfig()
	cfg.ModelList = []model.Deployment{
		{ModelName: "gpt", Params: map[string]any{"id": "d1"}},
		{ModelName: "gpt", Params: map[string]any{"id": "d2"}},
	}
	return cfg
}

func newTestManager(t *testing.T, store Store) *Manager {
	t.Helper()
	m := NewManager("test-router", seedConfig(), store, nil, testLogger())
	require.NoError(t, m.Initialize(context.Background()))
	return m
}

func deploymentIDs(ds []model.Deployment) []string {
	ids := make([]string, len(ds))
	for i, d := range ds {
		ids[i] = d.ID()
	}
	return ids
}

func TestInitializePrefersStoredSnapshot(t *testing.T) {
	store := NewMemoryStore()
	stored := model.DefaultRoutingConfig()
	stored.RoutingStrategy = model.StrategyLeastBusy
	stored.ModelList = []model.Deployment{{ModelName: "claude", Params: map[string]any{"id": "c1"}}}
	require.NoError(t, store.SaveRoutingConfig(context.Background(), "test-router", stored))

	m := newTestManager(t, store)
	assert.Equal(t, model.StrategyLeastBusy, m.Dispatcher().Strategy())
	assert.Equal(t, []string{"c1"}, deploymentIDs(m.ListDeployments()))
}

func TestInitializePersistsSeed(t *testing.T) {
	store := NewMemoryStore()
	newTestManager(t, store)

	saved, err := store.LoadRoutingConfig(context.Background(), "test-router")
	require.NoError(t, err)
	assert.Equal(t, []string{"d1", "d2"}, deploymentIDs(saved.ModelList))
}

func TestInitializeIsIdempotent(t *testing.T) {
	m := newTestManager(t, nil)
	first := m.Dispatcher()
	require.NoError(t, m.Initialize(context.Background()))
	assert.Same(t, first, m.Dispatcher())
}

func TestResolveBuildsLazily(t *testing.T) {
	m := NewManager("lazy", seedConfig(), nil, nil, testLogger())
	assert.Nil(t, m.Dispatcher())
	assert.False(t, m.HealthInfo().Initialized)

	b, err := m.Resolve(context.Background(), Request{Model: "gpt"})
	require.NoError(t, err)
	assert.Equal(t, "gpt", b.Model)
	assert.NotNil(t, m.Dispatcher())
}

func TestReplaceDeploymentsOnlyKeepsDispatcher(t *testing.T) {
	m := newTestManager(t, nil)
	before := m.Dispatcher()

	next := m.Config()
	next.ModelList = append(next.ModelList, model.Deployment{ModelName: "gpt", Params: map[string]any{"id": "d3"}})
	require.NoError(t, m.Replace(context.Background(), next))

	assert.Same(t, before, m.Dispatcher())
	assert.Equal(t, []string{"d1", "d2", "d3"}, deploymentIDs(m.ListDeployments()))
}

func TestReplaceStrategyRebuildsDispatcher(t *testing.T) {
	m := newTestManager(t, nil)
	before := m.Dispatcher()

	next := m.Config()
	next.RoutingStrategy = model.StrategyLatencyBased
	require.NoError(t, m.Replace(context.Background(), next))

	assert.NotSame(t, before, m.Dispatcher())
	assert.Equal(t, model.StrategyLatencyBased, m.Dispatcher().Strategy())
}

func TestReplaceRejectsInvalidConfig(t *testing.T) {
	m := newTestManager(t, nil)
	bad := m.Config()
	bad.NumRetries = -1
	assert.ErrorIs(t, m.Replace(context.Background(), bad), ErrInvalidConfig)
	assert.Equal(t, 3, m.Config().NumRetries)
}

func TestReplaceSaveFailureLeavesStateUntouched(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore()}
	m := newTestManager(t, store)
	before := m.Dispatcher()

	store.failSave = true
	next := m.Config()
	next.RoutingStrategy = model.StrategyCostBased
	next.ModelList = next.ModelList[:1]
	require.Error(t, m.Replace(context.Background(), next))

	assert.Same(t, before, m.Dispatcher())
	assert.Equal(t, []string{"d1", "d2"}, deploymentIDs(m.ListDeployments()))
}

func TestAddDeploymentPersists(t *testing.T) {
	store := NewMemoryStore()
	m := newTestManager(t, store)

	require.NoError(t, m.AddDeployment(context.Background(), model.Deployment{ModelName: "claude", Params: map[string]any{"id": "c1"}}))
	assert.Equal(t, []string{"d1", "d2", "c1"}, deploymentIDs(m.ListDeployments()))

	saved, err := store.LoadRoutingConfig(context.Background(), "test-router")
	require.NoError(t, err)
	assert.Len(t, saved.ModelList, 3)

	b, err := m.Resolve(context.Background(), Request{Model: "claude"})
	require.NoError(t, err)
	assert.Equal(t, "c1", b.DeploymentID)
}

func TestAddDeploymentRequiresModelName(t *testing.T) {
	m := newTestManager(t, nil)
	assert.ErrorIs(t, m.AddDeployment(context.Background(), model.Deployment{}), ErrInvalidConfig)
}

func TestRemoveDeploymentSharedModelName(t *testing.T) {
	m := newTestManager(t, nil)
	require.NoError(t, m.RemoveDeployment(context.Background(), "gpt", "d1"))
	assert.Equal(t, []string{"d2"}, deploymentIDs(m.ListDeployments()))

	b, err := m.Resolve(context.Background(), Request{Model: "gpt"})
	require.NoError(t, err)
	assert.Equal(t, "d2", b.DeploymentID)
}

func TestRemoveDeploymentByModelInfoID(t *testing.T) {
	m := newTestManager(t, nil)
	require.NoError(t, m.AddDeployment(context.Background(), model.Deployment{
		ModelName: "claude", ModelInfo: map[string]any{"id": "info-1"},
	}))
	require.NoError(t, m.RemoveDeployment(context.Background(), "claude", "info-1"))
	assert.Equal(t, []string{"d1", "d2"}, deploymentIDs(m.ListDeployments()))
}

func TestRemoveMissingDeploymentLeavesListUnchanged(t *testing.T) {
	m := newTestManager(t, nil)
	before := m.ListDeployments()

	err := m.RemoveDeployment(context.Background(), "gpt", "nope")
	assert.ErrorIs(t, err, ErrDeploymentNotFound)
	assert.Equal(t, before, m.ListDeployments())

	err = m.RemoveDeployment(context.Background(), "other-model", "d1")
	assert.ErrorIs(t, err, ErrDeploymentNotFound)
	assert.Equal(t, before, m.ListDeployments())
}

func TestSecretsMaterializedOnlyInDispatcher(t *testing.T) {
	t.Setenv("MICHI_TEST_KEY", "sk-live")
	seed := model.DefaultRoutingConfig()
	seed.ModelList = []model.Deployment{{
		ModelName: "gpt",
		Params: map[string]any{
			"id":      "d1",
			"api_key": "os.environ/MICHI_TEST_KEY",
			"org":     "os.environ/MICHI_TEST_UNSET_VAR",
		},
	}}
	resolver := secrets.ResolverFunc(func(context.Context, string) (string, bool, error) { return "", false, nil })
	m := NewManager("secrets", seed, nil, secrets.NewMaterializer(resolver, testLogger()), testLogger())

	b, err := m.Resolve(context.Background(), Request{Model: "gpt"})
	require.NoError(t, err)
	assert.Equal(t, "sk-live", b.Params["api_key"])
	assert.Equal(t, "os.environ/MICHI_TEST_UNSET_VAR", b.Params["org"])
	assert.Equal(t, "os.environ/MICHI_TEST_KEY", m.ListDeployments()[0].Params["api_key"])
}

func TestHealthInfo(t *testing.T) {
	seed := seedConfig()
	seed.RedisURL = "redis://:hunter2@cache:6379/0"
	m := NewManager("health", seed, nil, nil, testLogger())
	require.NoError(t, m.Initialize(context.Background()))

	h := m.HealthInfo()
	assert.True(t, h.Initialized)
	assert.Equal(t, "health", h.RouterName)
	assert.Equal(t, 2, h.TotalDeployments)
	assert.NotNil(t, h.LastReloadAt)
	assert.True(t, h.RedisEnabled)
	assert.NotContains(t, h.RedisURL, "hunter2")
	assert.Equal(t, 3, h.NumRetries)
	assert.True(t, h.TagFilteringEnabled)
}

func TestConfigReturnsCopy(t *testing.T) {
	m := newTestManager(t, nil)
	cfg := m.Config()
	cfg.ModelList[0].Params["id"] = "mutated"
	assert.Equal(t, "d1", m.ListDeployments()[0].ID())
}

func TestConcurrentMutationsAreSerialized(t *testing.T) {
	m := newTestManager(t, nil)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.AddDeployment(context.Background(), model.Deployment{ModelName: "extra"})
			_, _ = m.Resolve(context.Background(), Request{Model: "gpt"})
		}()
	}
	wg.Wait()
	assert.Len(t, m.ListDeployments(), 12)
}
