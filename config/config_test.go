package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultsConfig(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))
	return &cfg
}

func TestDefaultsAreValidExceptSecrets(t *testing.T) {
	cfg := defaultsConfig(t)

	// Defaults alone must fail validation: the API key and bucket are
	// deployment secrets with no sane default.
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")

	cfg.Server.APIKey = "test-key"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket")

	cfg.Blob.Bucket = "books"
	cfg.Blob.Endpoint = "oss.example.com"
	require.NoError(t, cfg.Validate())
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("BINDERY_SERVER_API_KEY", "env-secret")
	t.Setenv("BINDERY_STORE_ADDR", "redis.internal:6380")
	t.Setenv("BINDERY_POOL_WORKERS", "8")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "env-secret", cfg.Server.APIKey)
	assert.Equal(t, "redis.internal:6380", cfg.Store.Addr)
	assert.Equal(t, 8, cfg.Pool.Workers)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"negative db", func(c *Config) { c.Store.DB = -1 }, "store.db"},
		{"zero lease ttl", func(c *Config) { c.Store.LeaseTTLSeconds = 0 }, "lease_ttl"},
		{"zero retry limit", func(c *Config) { c.Pipeline.RetryLimit = 0 }, "retry_limit"},
		{"zero workers", func(c *Config) { c.Pool.Workers = 0 }, "pool.workers"},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }, "log.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultsConfig(t)
			cfg.Server.APIKey = "k"
			cfg.Blob.Bucket = "b"
			cfg.Blob.Endpoint = "e"
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := defaultsConfig(t)
	assert.Equal(t, "1m0s", cfg.Store.LeaseTTL().String())
	assert.Equal(t, "168h0m0s", cfg.Store.Retention().String())
	assert.Equal(t, "5m0s", cfg.Pipeline.StageTimeout().String())
	assert.Equal(t, "1s", cfg.Pool.PollInterval().String())
}
