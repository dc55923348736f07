package secrets

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRefName(t *testing.T) {
	name, ok := RefName("os.environ/OPENAI_KEY")
	assert.True(t, ok)
	assert.Equal(t, "OPENAI_KEY", name)

	_, ok = RefName("os.environ/")
	assert.False(t, ok)
	_, ok = RefName("sk-literal")
	assert.False(t, ok)
}

func TestMaterializePrefersResolverThenEnv(t *testing.T) {
	t.Setenv("FROM_ENV", "env-value")
	resolver := ResolverFunc(func(_ context.Context, name string) (string, bool, error) {
		if name == "FROM_MANAGER" {
			return "manager-value", true, nil
		}
		return "", false, nil
	})
	m := NewMaterializer(resolver, discardLogger())

	params := map[string]any{
		"api_key":  "os.environ/FROM_MANAGER",
		"base_key": "os.environ/FROM_ENV",
		"missing":  "os.environ/DOES_NOT_EXIST_ANYWHERE",
		"plain":    "value",
		"nested":   map[string]any{"token": "os.environ/FROM_ENV"},
		"list":     []any{"os.environ/FROM_MANAGER", 3},
		"weight":   2,
	}
	out := m.Materialize(context.Background(), params)

	assert.Equal(t, "manager-value", out["api_key"])
	assert.Equal(t, "env-value", out["base_key"])
	assert.Equal(t, "os.environ/DOES_NOT_EXIST_ANYWHERE", out["missing"])
	assert.Equal(t, "value", out["plain"])
	assert.Equal(t, "env-value", out["nested"].(map[string]any)["token"])
	assert.Equal(t, []any{"manager-value", 3}, out["list"])
	assert.Equal(t, 2, out["weight"])

	// Input untouched.
	assert.Equal(t, "os.environ/FROM_MANAGER", params["api_key"])
}

func TestMaterializeFallsBackOnResolverError(t *testing.T) {
	t.Setenv("FLAKY", "env-value")
	resolver := ResolverFunc(func(context.Context, string) (string, bool, error) {
		return "", false, errors.New("vault down")
	})
	out := NewMaterializer(resolver, discardLogger()).Materialize(context.Background(), map[string]any{"k": "os.environ/FLAKY"})
	assert.Equal(t, "env-value", out["k"])
}

func TestCachedResolverCachesAndExpires(t *testing.T) {
	var calls atomic.Int32
	next := ResolverFunc(func(context.Context, string) (string, bool, error) {
		calls.Add(1)
		return "v", true, nil
	})
	c := NewCachedResolver(next, time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	for range 3 {
		v, ok, err := c.Resolve(context.Background(), "A")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "v", v)
	}
	assert.Equal(t, int32(1), calls.Load())

	now = now.Add(2 * time.Minute)
	_, _, err := c.Resolve(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	c.Invalidate()
	_, _, err = c.Resolve(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCachedResolverSharesConcurrentLookups(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	next := ResolverFunc(func(context.Context, string) (string, bool, error) {
		calls.Add(1)
		<-release
		return "v", true, nil
	})
	c := NewCachedResolver(next, time.Minute)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = c.Resolve(context.Background(), "A")
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestCachedResolverDoesNotCacheErrors(t *testing.T) {
	var calls atomic.Int32
	next := ResolverFunc(func(context.Context, string) (string, bool, error) {
		calls.Add(1)
		return "", false, errors.New("boom")
	})
	c := NewCachedResolver(next, time.Minute)
	_, _, err := c.Resolve(context.Background(), "A")
	assert.Error(t, err)
	_, _, err = c.Resolve(context.Background(), "A")
	assert.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}
