package config

import "github.com/spf13/viper"

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_upload_bytes", 64<<20) // 64 MiB covers image-heavy EPUBs
	v.SetDefault("server.data_dir", "./data")
	v.SetDefault("server.read_timeout_seconds", 60)
	v.SetDefault("server.write_timeout_seconds", 60)
	v.SetDefault("server.shutdown_timeout_seconds", 30)

	// State store defaults
	v.SetDefault("store.addr", "localhost:6379")
	v.SetDefault("store.db", 0)
	v.SetDefault("store.key_prefix", "bindery")
	v.SetDefault("store.retention_hours", 168) // Keep terminal records one week
	v.SetDefault("store.lease_ttl_seconds", 60)

	// Object store defaults
	v.SetDefault("blob.region", "oss-cn-hangzhou")
	v.SetDefault("blob.prefix", "books")
	v.SetDefault("blob.use_ssl", true)

	// Pipeline defaults
	v.SetDefault("pipeline.image_base", "/books")
	v.SetDefault("pipeline.stage_timeout_seconds", 300)
	v.SetDefault("pipeline.retry_limit", 3)
	v.SetDefault("pipeline.backoff_base_ms", 500)
	v.SetDefault("pipeline.backoff_max_ms", 60000)

	// Worker pool defaults
	v.SetDefault("pool.workers", 4)
	v.SetDefault("pool.poll_interval_ms", 1000)
	v.SetDefault("pool.dispatch_per_second", 10.0)
	v.SetDefault("pool.reaper_interval_seconds", 15)
	v.SetDefault("pool.memory_threshold_pct", 90.0)

	// Log defaults
	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")
}
