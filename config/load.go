package config

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/shelfware/bindery/errors"
)

// Load reads the Bindery configuration using Viper.
// An empty configPath means environment variables and defaults only,
// which is the normal container deployment mode.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("BINDERY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	return &config, nil
}

// bindEnvKeys explicitly binds every config key to its environment variable.
// AutomaticEnv only resolves keys Viper has already seen, so without this,
// env-only deployments (no config file) would miss keys that have no default.
func bindEnvKeys(v *viper.Viper) {
	keys := []string{
		"server.port", "server.api_key", "server.max_upload_bytes", "server.data_dir",
		"server.read_timeout_seconds", "server.write_timeout_seconds", "server.shutdown_timeout_seconds",
		"store.addr", "store.db", "store.password", "store.key_prefix",
		"store.retention_hours", "store.lease_ttl_seconds",
		"blob.endpoint", "blob.region", "blob.bucket", "blob.access_key",
		"blob.secret_key", "blob.prefix", "blob.use_ssl",
		"pipeline.image_base", "pipeline.stage_timeout_seconds", "pipeline.retry_limit",
		"pipeline.backoff_base_ms", "pipeline.backoff_max_ms",
		"pool.workers", "pool.poll_interval_ms", "pool.dispatch_per_second",
		"pool.reaper_interval_seconds",
		"log.json", "log.level",
	}
	for _, key := range keys {
		v.BindEnv(key) //nolint:errcheck // only errors on empty key
	}
}
