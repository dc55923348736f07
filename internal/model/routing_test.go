package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeStrategy(t *testing.T) {
	assert.Equal(t, StrategyLeastBusy, NormalizeStrategy("  Least-Busy "))
	assert.Equal(t, StrategyUsageBasedV2, NormalizeStrategy("usage-based-routing-v2"))
	assert.Equal(t, StrategySimpleShuffle, NormalizeStrategy("round-robin"))
	assert.Equal(t, StrategySimpleShuffle, NormalizeStrategy(""))
}

func TestDeploymentIdentity(t *testing.T) {
	explicit := Deployment{ModelName: "gpt", Params: map[string]any{"deployment_id": "a", "id": "b"}}
	assert.Equal(t, "a", explicit.ID())
	assert.True(t, explicit.MatchesID("a"))
	assert.True(t, explicit.MatchesID("b"))
	assert.False(t, explicit.MatchesID("gpt"), "an explicit id replaces the model name")

	bare := Deployment{ModelName: "gpt"}
	assert.Equal(t, "gpt", bare.ID())
	assert.True(t, bare.MatchesID("gpt"))

	info := Deployment{ModelName: "gpt", ModelInfo: map[string]any{"id": 42}}
	assert.Equal(t, "42", info.ID())
}

func TestDeploymentTagsAndContextWindow(t *testing.T) {
	d := Deployment{
		ModelName: "gpt",
		Tags:      []string{"eu"},
		Params:    map[string]any{"tags": []any{"fast", 3}, "max_input_tokens": float64(4096)},
		ModelInfo: map[string]any{"max_input_tokens": 8192},
	}
	assert.Equal(t, []string{"eu", "fast"}, d.AllTags())

	n, ok := d.MaxInputTokens()
	require.True(t, ok)
	assert.Equal(t, 8192, n, "model info wins over params")

	_, ok = Deployment{ModelName: "x"}.MaxInputTokens()
	assert.False(t, ok)
}

func TestRoutingConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultRoutingConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*RoutingConfig)
	}{
		{"negative retries", func(c *RoutingConfig) { c.NumRetries = -1 }},
		{"negative allowed fails", func(c *RoutingConfig) { c.AllowedFails = -1 }},
		{"negative cooldown", func(c *RoutingConfig) { c.CooldownTime = -1 }},
		{"unnamed deployment", func(c *RoutingConfig) { c.ModelList = []Deployment{{}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultRoutingConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestRoutingConfigDurations(t *testing.T) {
	cfg := RoutingConfig{CooldownTime: 1.5}
	assert.Equal(t, 1500*time.Millisecond, cfg.CooldownDuration())
	assert.Zero(t, cfg.TimeoutDuration())

	timeout := 2.0
	cfg.Timeout = &timeout
	assert.Equal(t, 2*time.Second, cfg.TimeoutDuration())
}

func TestRoutingConfigCloneIsDeep(t *testing.T) {
	timeout := 5.0
	cfg := DefaultRoutingConfig()
	cfg.Timeout = &timeout
	cfg.Fallbacks = map[string][]string{"gpt": {"claude"}}
	cfg.ModelList = []Deployment{{ModelName: "gpt", Params: map[string]any{"k": "v"}, Tags: []string{"eu"}}}
	cfg.Guardrails = []Guardrail{{Name: "pii", Params: map[string]any{"mode": "mask"}}}

	clone := cfg.Clone()
	*clone.Timeout = 9
	clone.Fallbacks["gpt"][0] = "other"
	clone.ModelList[0].Params["k"] = "changed"
	clone.ModelList[0].Tags[0] = "us"
	clone.Guardrails[0].Params["mode"] = "block"

	assert.Equal(t, 5.0, *cfg.Timeout)
	assert.Equal(t, "claude", cfg.Fallbacks["gpt"][0])
	assert.Equal(t, "v", cfg.ModelList[0].Params["k"])
	assert.Equal(t, "eu", cfg.ModelList[0].Tags[0])
	assert.Equal(t, "mask", cfg.Guardrails[0].Params["mode"])
}

func TestRedactedRedisURL(t *testing.T) {
	assert.Equal(t, "redis://:xxxxx@cache:6379/0", RoutingConfig{RedisURL: "redis://:secret@cache:6379/0"}.RedactedRedisURL())
	assert.Equal(t, "redis://cache:6379", RoutingConfig{RedisURL: "redis://cache:6379"}.RedactedRedisURL())
	assert.Equal(t, "redis://:xxxxx@cache:6380", RoutingConfig{RedisHost: "cache", RedisPort: 6380, RedisPassword: "pw"}.RedactedRedisURL())
	assert.Empty(t, RoutingConfig{}.RedactedRedisURL())
	assert.True(t, RoutingConfig{RedisHost: "cache"}.RedisEnabled())
	assert.False(t, RoutingConfig{}.RedisEnabled())
}
