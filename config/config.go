// Package config holds the sync engine's tunables. Every operational knob
// (batch sizing, throttle delays, token safety margin) lives here as a named
// default with YAML and environment overrides as the single override point.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Named defaults. These mirror the remote API's documented limits; the batch
// cap is a server-declared ceiling and must not be raised.
const (
	DefaultBatchSize       = 100
	MaxBatchSize           = 200
	DefaultInterBatchDelay = 1 * time.Second
	DefaultRefreshMargin   = 5 * time.Minute
	DefaultRetryAfter      = 30 * time.Second
	DefaultConnectTimeout  = 10 * time.Second
	DefaultReadTimeout     = 30 * time.Second
	DefaultEvictThreshold  = 3
	DefaultStalenessWindow = 30 * time.Minute
	DefaultQuotaReserve    = 0.05
)

// Config carries all engine tunables.
type Config struct {
	// BatchSize is the number of records per outbound batch. Capped at
	// MaxBatchSize, the remote bulk endpoint ceiling.
	BatchSize int `yaml:"batch_size" env:"CRMSYNC_BATCH_SIZE"`

	// InterBatchDelay is the conservative pause between consecutive batches
	// for one identity.
	InterBatchDelay time.Duration `yaml:"inter_batch_delay" env:"CRMSYNC_INTER_BATCH_DELAY"`

	// RefreshMargin is the window before token expiry in which a refresh is
	// forced. An access token is never used inside this margin.
	RefreshMargin time.Duration `yaml:"refresh_margin" env:"CRMSYNC_REFRESH_MARGIN"`

	// RetryAfterDefault is the backoff applied to a 429 response that carries
	// no Retry-After header.
	RetryAfterDefault time.Duration `yaml:"retry_after_default" env:"CRMSYNC_RETRY_AFTER_DEFAULT"`

	// ConnectTimeout and ReadTimeout bound every outbound call.
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CRMSYNC_CONNECT_TIMEOUT"`
	ReadTimeout    time.Duration `yaml:"read_timeout" env:"CRMSYNC_READ_TIMEOUT"`

	// EvictThreshold is the number of consecutive refresh failures after
	// which an identity is evicted from the manager.
	EvictThreshold int `yaml:"evict_threshold" env:"CRMSYNC_EVICT_THRESHOLD"`

	// StalenessWindow is how long a session may sit in-progress before the
	// tracker reports it for manual intervention.
	StalenessWindow time.Duration `yaml:"staleness_window" env:"CRMSYNC_STALENESS_WINDOW"`

	// QuotaReserve is the fraction of the rolling rate-limit quota the
	// gateway keeps in reserve before proactively throttling.
	QuotaReserve float64 `yaml:"quota_reserve" env:"CRMSYNC_QUOTA_RESERVE"`
}

// Default returns a Config populated with the named defaults.
func Default() Config {
	return Config{
		BatchSize:         DefaultBatchSize,
		InterBatchDelay:   DefaultInterBatchDelay,
		RefreshMargin:     DefaultRefreshMargin,
		RetryAfterDefault: DefaultRetryAfter,
		ConnectTimeout:    DefaultConnectTimeout,
		ReadTimeout:       DefaultReadTimeout,
		EvictThreshold:    DefaultEvictThreshold,
		StalenessWindow:   DefaultStalenessWindow,
		QuotaReserve:      DefaultQuotaReserve,
	}
}

// Load reads YAML overrides from path (optional, pass "" to skip), then
// applies environment overrides on top, then validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate clamps and checks the configuration.
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchSize > MaxBatchSize {
		return fmt.Errorf("batch_size %d exceeds remote ceiling %d", c.BatchSize, MaxBatchSize)
	}
	if c.InterBatchDelay < 0 {
		return fmt.Errorf("inter_batch_delay must not be negative")
	}
	if c.RefreshMargin <= 0 {
		c.RefreshMargin = DefaultRefreshMargin
	}
	if c.RetryAfterDefault <= 0 {
		c.RetryAfterDefault = DefaultRetryAfter
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.EvictThreshold <= 0 {
		c.EvictThreshold = DefaultEvictThreshold
	}
	if c.StalenessWindow <= 0 {
		c.StalenessWindow = DefaultStalenessWindow
	}
	if c.QuotaReserve < 0 || c.QuotaReserve >= 1 {
		return fmt.Errorf("quota_reserve must be in [0, 1), got %v", c.QuotaReserve)
	}
	return nil
}
