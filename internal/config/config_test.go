package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestEnvIntFallback(t *testing.T) {
	v, err := envInt("TEST_INT_MISSING", 99)
	require.NoError(t, err)
	assert.Equal(t, 99, v)
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	require.Error(t, err)
	assert.Equal(t, `TEST_INT_BAD="abc" is not a valid integer`, err.Error())
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	require.Error(t, err)
	assert.Equal(t, `TEST_BOOL_BAD="maybe" is not a valid boolean`, err.Error())
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	require.Error(t, err)
	assert.Equal(t, `TEST_DUR_BAD="five-seconds" is not a valid duration`, err.Error())
}

func TestEnvStrAllowEmpty(t *testing.T) {
	t.Setenv("TEST_EMPTY", "")
	assert.Equal(t, "", envStrAllowEmpty("TEST_EMPTY", "fallback"))
	assert.Equal(t, "fallback", envStrAllowEmpty("TEST_EMPTY_UNSET", "fallback"))
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ModeAll, cfg.Mode)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "events:agent_requests", cfg.StreamKey)
	assert.Equal(t, "agent-request-workers", cfg.ConsumerGroup)
	assert.Equal(t, "events:agent_responses", cfg.ResponseStreamKey)
	assert.Equal(t, 8, cfg.WorkerBatchSize)
	assert.Equal(t, 5*time.Second, cfg.WorkerBlock)
	assert.Equal(t, time.Second, cfg.ReadRetryDelay)
	assert.Equal(t, "default-router", cfg.RouterName)
	assert.NotEmpty(t, cfg.ConsumerName)
	assert.True(t, cfg.RunsAPI())
	assert.True(t, cfg.RunsWorker())
}

func TestLoadResponseStreamCanBeDisabled(t *testing.T) {
	t.Setenv("REDIS_RESPONSE_STREAM_KEY", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.ResponseStreamKey)
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("MICHI_PORT", "abc")
	t.Setenv("MICHI_WORKER_BLOCK", "xyz")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MICHI_PORT")
	assert.Contains(t, err.Error(), "abc")
	assert.Contains(t, err.Error(), "MICHI_WORKER_BLOCK")
}

func TestValidate(t *testing.T) {
	base, err := Load()
	require.NoError(t, err)

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown mode", func(c *Config) { c.Mode = "batch" }, "MICHI_MODE"},
		{"missing database", func(c *Config) { c.DatabaseURL = "" }, "DATABASE_URL"},
		{"zero batch", func(c *Config) { c.WorkerBatchSize = 0 }, "MICHI_WORKER_BATCH_SIZE"},
		{"zero block", func(c *Config) { c.WorkerBlock = 0 }, "MICHI_WORKER_BLOCK"},
		{"worker without redis", func(c *Config) { c.Mode = ModeWorker; c.RedisURL = "" }, "REDIS_URL"},
		{"negative retention", func(c *Config) { c.ExecutionRetention = -time.Hour }, "MICHI_EXECUTION_RETENTION"},
		{"retention without interval", func(c *Config) { c.ExecutionRetention = time.Hour; c.RetentionInterval = 0 }, "MICHI_RETENTION_INTERVAL"},
		{"unknown rate limit backend", func(c *Config) { c.RateLimitEnabled = true; c.RateLimitBackend = "etcd" }, "MICHI_RATE_LIMIT_BACKEND"},
		{"zero rate limit", func(c *Config) { c.RateLimitEnabled = true; c.RateLimitRPS = 0 }, "MICHI_RATE_LIMIT_RPS"},
		{"redis rate limit without redis", func(c *Config) {
			c.Mode = ModeAPI
			c.RedisURL = ""
			c.RateLimitEnabled = true
			c.RateLimitBackend = RateLimitRedis
		}, "REDIS_URL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("api mode ignores redis", func(t *testing.T) {
		cfg := base
		cfg.Mode = ModeAPI
		cfg.RedisURL = ""
		assert.NoError(t, cfg.Validate())
		assert.False(t, cfg.RunsWorker())
	})
}
