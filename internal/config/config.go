// gpufleet is a control-plane service for rented GPU compute instances.
// Copyright (C) 2025 The gpufleet authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config loads and validates the environment-driven service
// configuration. Loading is strict: an out-of-range or malformed value is an
// error and the process is expected to exit rather than run misconfigured.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the validated runtime configuration.
type Config struct {
	// Upstream provider.
	UpstreamAPIKey  string `validate:"required,min=10"`
	UpstreamBaseURL string `validate:"required,url"`

	// HTTP surface.
	Port     int    `validate:"min=1,max=65535"`
	LogLevel string `validate:"oneof=error warn info debug"`

	DefaultRegion string `validate:"required"`

	// Upstream call shaping.
	InstancePollInterval time.Duration // monitor cadence
	MaxRetryAttempts     int           `validate:"min=1,max=10"`
	RequestTimeout       time.Duration
	WebhookTimeout       time.Duration
	WebhookSecret        string

	// Caching.
	CacheTimeout            time.Duration // default TTL
	MergedInstancesCacheTTL time.Duration

	// Worker pool.
	MaxConcurrentJobs int `validate:"min=1,max=100"`
	JobTimeout        time.Duration

	// Readiness prober.
	HealthCheckTimeout       time.Duration
	HealthCheckRetryAttempts int `validate:"min=1,max=20"`
	HealthCheckRetryDelay    time.Duration
	HealthCheckMaxWait       time.Duration

	// Migration scheduler.
	MigrationEnabled       bool
	MigrationInterval      time.Duration
	MigrationJobTimeout    time.Duration
	MigrationMaxConcurrent int `validate:"min=1,max=20"`
	MigrationDryRun        bool
	MigrationRetryFailed   bool

	// KV backend.
	RedisURL   string `validate:"required"`
	RedisToken string
	Namespace  string

	// Comprehensive listing fallback.
	EnableFallbackToLocal bool
}

// Default returns the configuration defaults from the interface contract.
func Default() Config {
	return Config{
		UpstreamBaseURL:          "https://api.novita.ai",
		Port:                     3000,
		LogLevel:                 "info",
		DefaultRegion:            "region-01",
		InstancePollInterval:     30 * time.Second,
		MaxRetryAttempts:         3,
		RequestTimeout:           30 * time.Second,
		WebhookTimeout:           10 * time.Second,
		CacheTimeout:             300 * time.Second,
		MergedInstancesCacheTTL:  60 * time.Second,
		MaxConcurrentJobs:        10,
		JobTimeout:               10 * time.Minute,
		HealthCheckTimeout:       5 * time.Second,
		HealthCheckRetryAttempts: 5,
		HealthCheckRetryDelay:    2 * time.Second,
		HealthCheckMaxWait:       5 * time.Minute,
		MigrationEnabled:         true,
		MigrationInterval:        15 * time.Minute,
		MigrationJobTimeout:      10 * time.Minute,
		MigrationMaxConcurrent:   5,
		MigrationDryRun:          false,
		MigrationRetryFailed:     true,
		Namespace:                "gpufleet",
		EnableFallbackToLocal:    true,
	}
}

// LoadFromEnv builds a Config from environment variables, applying defaults
// and range checks per variable.
func LoadFromEnv() (Config, error) {
	cfg := Default()

	cfg.UpstreamAPIKey = os.Getenv("UPSTREAM_API_KEY")
	if v := os.Getenv("UPSTREAM_BASE_URL"); v != "" {
		if u, err := url.Parse(v); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return cfg, fmt.Errorf("invalid UPSTREAM_BASE_URL %q: must be an http(s) URL", v)
		}
		cfg.UpstreamBaseURL = v
	}

	if err := envInt("PORT", &cfg.Port, 1, 65535); err != nil {
		return cfg, err
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DEFAULT_REGION"); v != "" {
		cfg.DefaultRegion = v
	}

	if err := envSeconds("INSTANCE_POLL_INTERVAL", &cfg.InstancePollInterval, 10, 300); err != nil {
		return cfg, err
	}
	if err := envInt("MAX_RETRY_ATTEMPTS", &cfg.MaxRetryAttempts, 1, 10); err != nil {
		return cfg, err
	}
	if err := envMillis("REQUEST_TIMEOUT", &cfg.RequestTimeout, 5000, 120000); err != nil {
		return cfg, err
	}
	if err := envMillis("WEBHOOK_TIMEOUT", &cfg.WebhookTimeout, 1000, 30000); err != nil {
		return cfg, err
	}
	cfg.WebhookSecret = os.Getenv("WEBHOOK_SECRET")

	if err := envSeconds("CACHE_TIMEOUT", &cfg.CacheTimeout, 60, 3600); err != nil {
		return cfg, err
	}
	if err := envSeconds("MERGED_INSTANCES_CACHE_TTL", &cfg.MergedInstancesCacheTTL, 10, 600); err != nil {
		return cfg, err
	}

	if err := envInt("MAX_CONCURRENT_JOBS", &cfg.MaxConcurrentJobs, 1, 100); err != nil {
		return cfg, err
	}
	if err := envMillis("JOB_TIMEOUT_MS", &cfg.JobTimeout, 1000, 3600000); err != nil {
		return cfg, err
	}

	if err := envMillis("HEALTH_CHECK_TIMEOUT_MS", &cfg.HealthCheckTimeout, 500, 60000); err != nil {
		return cfg, err
	}
	if err := envInt("HEALTH_CHECK_RETRY_ATTEMPTS", &cfg.HealthCheckRetryAttempts, 1, 20); err != nil {
		return cfg, err
	}
	if err := envMillis("HEALTH_CHECK_RETRY_DELAY_MS", &cfg.HealthCheckRetryDelay, 100, 60000); err != nil {
		return cfg, err
	}
	if err := envMillis("HEALTH_CHECK_MAX_WAIT_MS", &cfg.HealthCheckMaxWait, 1000, 1800000); err != nil {
		return cfg, err
	}

	if err := envBool("MIGRATION_ENABLED", &cfg.MigrationEnabled); err != nil {
		return cfg, err
	}
	if err := envMinutes("MIGRATION_INTERVAL_MINUTES", &cfg.MigrationInterval, 1, 60); err != nil {
		return cfg, err
	}
	if err := envMillis("MIGRATION_JOB_TIMEOUT_MS", &cfg.MigrationJobTimeout, 60000, 1800000); err != nil {
		return cfg, err
	}
	if err := envInt("MIGRATION_MAX_CONCURRENT", &cfg.MigrationMaxConcurrent, 1, 20); err != nil {
		return cfg, err
	}
	if err := envBool("MIGRATION_DRY_RUN", &cfg.MigrationDryRun); err != nil {
		return cfg, err
	}
	if err := envBool("MIGRATION_RETRY_FAILED", &cfg.MigrationRetryFailed); err != nil {
		return cfg, err
	}

	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.RedisToken = os.Getenv("REDIS_TOKEN")
	if v := os.Getenv("KV_NAMESPACE"); v != "" {
		cfg.Namespace = v
	}
	if err := envBool("ENABLE_FALLBACK_TO_LOCAL", &cfg.EnableFallbackToLocal); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate applies the struct-level rules. It is also the hook tests use to
// check hand-built configurations.
func (c Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func envInt(key string, dst *int, min, max int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if n < min || n > max {
		return fmt.Errorf("%s must be in [%d, %d], got %d", key, min, max, n)
	}
	*dst = n
	return nil
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = b
	return nil
}

func envMillis(key string, dst *time.Duration, min, max int) error {
	var n int
	set := os.Getenv(key) != ""
	if err := envInt(key, &n, min, max); err != nil {
		return err
	}
	if set {
		*dst = time.Duration(n) * time.Millisecond
	}
	return nil
}

func envSeconds(key string, dst *time.Duration, min, max int) error {
	var n int
	set := os.Getenv(key) != ""
	if err := envInt(key, &n, min, max); err != nil {
		return err
	}
	if set {
		*dst = time.Duration(n) * time.Second
	}
	return nil
}

func envMinutes(key string, dst *time.Duration, min, max int) error {
	var n int
	set := os.Getenv(key) != ""
	if err := envInt(key, &n, min, max); err != nil {
		return err
	}
	if set {
		*dst = time.Duration(n) * time.Minute
	}
	return nil
}
