package config

import "github.com/shelfware/bindery/errors"

// Validate checks that the configuration is usable. A validation failure is
// a fatal startup condition; the process exits non-zero.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Newf("server.port must be in (0, 65535], got %d", c.Server.Port)
	}
	if c.Server.APIKey == "" {
		return errors.New("server.api_key is required (set BINDERY_SERVER_API_KEY)")
	}
	if c.Server.MaxUploadBytes <= 0 {
		return errors.Newf("server.max_upload_bytes must be > 0, got %d", c.Server.MaxUploadBytes)
	}

	if c.Store.Addr == "" {
		return errors.New("store.addr is required")
	}
	if c.Store.DB < 0 {
		return errors.Newf("store.db must be >= 0, got %d", c.Store.DB)
	}
	if c.Store.LeaseTTLSeconds <= 0 {
		return errors.Newf("store.lease_ttl_seconds must be > 0, got %d", c.Store.LeaseTTLSeconds)
	}
	if c.Store.RetentionHours < 0 {
		return errors.Newf("store.retention_hours must be >= 0, got %d", c.Store.RetentionHours)
	}

	if c.Blob.Bucket == "" {
		return errors.New("blob.bucket is required")
	}
	if c.Blob.Endpoint == "" {
		return errors.New("blob.endpoint is required")
	}

	if c.Pipeline.RetryLimit < 1 {
		return errors.Newf("pipeline.retry_limit must be >= 1, got %d", c.Pipeline.RetryLimit)
	}
	if c.Pipeline.StageTimeoutSeconds <= 0 {
		return errors.Newf("pipeline.stage_timeout_seconds must be > 0, got %d", c.Pipeline.StageTimeoutSeconds)
	}

	if c.Pool.Workers < 1 {
		return errors.Newf("pool.workers must be >= 1, got %d", c.Pool.Workers)
	}
	if c.Pool.PollIntervalMS <= 0 {
		return errors.Newf("pool.poll_interval_ms must be > 0, got %d", c.Pool.PollIntervalMS)
	}
	if c.Pool.DispatchPerSecond <= 0 {
		return errors.Newf("pool.dispatch_per_second must be > 0, got %f", c.Pool.DispatchPerSecond)
	}
	if c.Pool.MemoryThresholdPct < 0 || c.Pool.MemoryThresholdPct > 100 {
		return errors.Newf("pool.memory_threshold_pct must be in [0, 100], got %f", c.Pool.MemoryThresholdPct)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.Newf("log.level must be one of debug/info/warn/error, got %q", c.Log.Level)
	}

	return nil
}
