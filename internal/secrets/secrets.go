// Package secrets resolves credential references found in deployment parameters.
//
// A parameter value of the form "os.environ/NAME" is a reference. It is looked
// up through the configured Resolver first and then the process environment.
// Unresolved references are left as literal strings.
package secrets

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// RefPrefix marks a parameter value as a secret reference.
const RefPrefix = "os.environ/"

// Resolver looks up a secret by name. ok is false when the name is unknown.
type Resolver interface {
	Resolve(ctx context.Context, name string) (value string, ok bool, err error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, name string) (string, bool, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, name string) (string, bool, error) {
	return f(ctx, name)
}

// EnvResolver reads secrets from the process environment.
type EnvResolver struct{}

// Resolve implements Resolver.
func (EnvResolver) Resolve(_ context.Context, name string) (string, bool, error) {
	v, ok := os.LookupEnv(name)
	return v, ok, nil
}

// RefName returns the referenced secret name when v is a reference.
func RefName(v string) (string, bool) {
	if !strings.HasPrefix(v, RefPrefix) {
		return "", false
	}
	name := strings.TrimPrefix(v, RefPrefix)
	return name, name != ""
}

// Materializer replaces secret references in parameter maps.
type Materializer struct {
	resolver Resolver
	logger   *slog.Logger
}

// NewMaterializer returns a Materializer that consults resolver before the
// process environment. resolver may be nil.
func NewMaterializer(resolver Resolver, logger *slog.Logger) *Materializer {
	return &Materializer{resolver: resolver, logger: logger}
}

// Materialize returns a copy of params with every reference resolved.
// Nested maps and slices are walked; the input is never mutated.
func (m *Materializer) Materialize(ctx context.Context, params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = m.value(ctx, v)
	}
	return out
}

func (m *Materializer) value(ctx context.Context, v any) any {
	switch t := v.(type) {
	case string:
		return m.resolveRef(ctx, t)
	case map[string]any:
		return m.Materialize(ctx, t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = m.value(ctx, item)
		}
		return out
	default:
		return v
	}
}

func (m *Materializer) resolveRef(ctx context.Context, v string) string {
	name, ok := RefName(v)
	if !ok {
		return v
	}
	if m.resolver != nil {
		secret, found, err := m.resolver.Resolve(ctx, name)
		if err != nil {
			m.logger.Warn("secrets: resolver failed, falling back to environment", "name", name, "error", err)
		} else if found {
			return secret
		}
	}
	if secret, found := os.LookupEnv(name); found {
		return secret
	}
	m.logger.Warn("secrets: unresolved reference left as literal", "name", name)
	return v
}

type cacheEntry struct {
	value   string
	ok      bool
	expires time.Time
}

// CachedResolver memoizes another Resolver for ttl. Concurrent lookups of the
// same name share one call to the underlying resolver.
type CachedResolver struct {
	next  Resolver
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

// NewCachedResolver wraps next with a TTL cache.
func NewCachedResolver(next Resolver, ttl time.Duration) *CachedResolver {
	return &CachedResolver{
		next:    next,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// Resolve implements Resolver. Errors are not cached.
func (c *CachedResolver) Resolve(ctx context.Context, name string) (string, bool, error) {
	c.mu.RLock()
	e, hit := c.entries[name]
	c.mu.RUnlock()
	if hit && c.now().Before(e.expires) {
		return e.value, e.ok, nil
	}

	v, err, _ := c.group.Do(name, func() (any, error) {
		value, ok, err := c.next.Resolve(ctx, name)
		if err != nil {
			return nil, err
		}
		entry := cacheEntry{value: value, ok: ok, expires: c.now().Add(c.ttl)}
		c.mu.Lock()
		c.entries[name] = entry
		c.mu.Unlock()
		return entry, nil
	})
	if err != nil {
		return "", false, err
	}
	entry := v.(cacheEntry)
	return entry.value, entry.ok, nil
}

// Invalidate drops every cached entry.
func (c *CachedResolver) Invalidate() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}
