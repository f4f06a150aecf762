// Package config loads and validates the Bindery service configuration.
//
// Configuration is merged from three sources in precedence order:
// defaults, a bindery.toml file, and BINDERY_* environment variables
// (dots become underscores, e.g. BINDERY_SERVER_API_KEY).
package config

import "time"

// Config represents the full Bindery configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Blob     BlobConfig     `mapstructure:"blob"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Pool     PoolConfig     `mapstructure:"pool"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig configures the HTTP gateway
type ServerConfig struct {
	Port                   int    `mapstructure:"port"`    // Listen port (default: 8080)
	APIKey                 string `mapstructure:"api_key"` // Shared secret for all mutating/reading endpoints
	MaxUploadBytes         int64  `mapstructure:"max_upload_bytes"`
	DataDir                string `mapstructure:"data_dir"` // Local scratch directory (container volume mount)
	ReadTimeoutSeconds     int    `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds    int    `mapstructure:"write_timeout_seconds"`
	ShutdownTimeoutSeconds int    `mapstructure:"shutdown_timeout_seconds"`
}

// StoreConfig configures the Redis-compatible state store
type StoreConfig struct {
	Addr            string `mapstructure:"addr"` // host:port
	DB              int    `mapstructure:"db"`
	Password        string `mapstructure:"password"`
	KeyPrefix       string `mapstructure:"key_prefix"`
	RetentionHours  int    `mapstructure:"retention_hours"`   // TTL applied to terminal job records
	LeaseTTLSeconds int    `mapstructure:"lease_ttl_seconds"` // Worker lease duration
}

// BlobConfig configures the S3/OSS-compatible object store
type BlobConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Prefix    string `mapstructure:"prefix"` // All artifact keys live under this prefix
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// PipelineConfig configures stage execution and retry policy
type PipelineConfig struct {
	ImageBase           string `mapstructure:"image_base"` // Public base path for rewritten image references
	StageTimeoutSeconds int    `mapstructure:"stage_timeout_seconds"`
	RetryLimit          int    `mapstructure:"retry_limit"` // Attempts per stage before the job fails
	BackoffBaseMS       int    `mapstructure:"backoff_base_ms"`
	BackoffMaxMS        int    `mapstructure:"backoff_max_ms"`
}

// PoolConfig configures the worker pool and reaper
type PoolConfig struct {
	Workers               int     `mapstructure:"workers"`
	PollIntervalMS        int     `mapstructure:"poll_interval_ms"`
	DispatchPerSecond     float64 `mapstructure:"dispatch_per_second"` // Rate limit on job dispatch across the pool
	ReaperIntervalSeconds int     `mapstructure:"reaper_interval_seconds"`
	MemoryThresholdPct    float64 `mapstructure:"memory_threshold_pct"` // Pause dispatch above this host memory usage; 0 disables
}

// LogConfig configures logging output
type LogConfig struct {
	JSON  bool   `mapstructure:"json"`
	Level string `mapstructure:"level"` // debug, info, warn, error
}

// ReadTimeout returns the HTTP read deadline
func (c ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

// WriteTimeout returns the HTTP write deadline
func (c ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

// ShutdownTimeout returns the graceful shutdown grace period
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// LeaseTTL returns the lease duration
func (c StoreConfig) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSeconds) * time.Second
}

// Retention returns how long terminal job records are kept
func (c StoreConfig) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// StageTimeout returns the per-stage execution deadline
func (c PipelineConfig) StageTimeout() time.Duration {
	return time.Duration(c.StageTimeoutSeconds) * time.Second
}

// BackoffBase returns the first retry delay
func (c PipelineConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMS) * time.Millisecond
}

// BackoffMax returns the retry delay ceiling
func (c PipelineConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMS) * time.Millisecond
}

// PollInterval returns how often an idle worker checks for due jobs
func (c PoolConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// ReaperInterval returns how often expired leases are scanned
func (c PoolConfig) ReaperInterval() time.Duration {
	return time.Duration(c.ReaperIntervalSeconds) * time.Second
}
