package dispatch

import (
	"os"
	"strconv"
	"time"
)

// Config controls work queue and worker behavior.
type Config struct {
	Concurrency     int           // Max concurrent workers. Default 2.
	MaxAttempts     int           // Max attempts per item. Default 3.
	PollInterval    time.Duration // How often workers poll for due items. Default 2s.
	LeaseFor        time.Duration // How long a claim holds an item. Default 10m.
	RetryDelay      time.Duration // Delay before a failed item is retried. Default 30s.
	RecoverInterval time.Duration // How often expired leases are swept. Default 1m.
	Enabled         bool          // Whether the dispatch system is active. Default true.
}

// DefaultConfig returns the default dispatch configuration.
func DefaultConfig() *Config {
	return &Config{
		Concurrency:     2,
		MaxAttempts:     3,
		PollInterval:    2 * time.Second,
		LeaseFor:        10 * time.Minute,
		RetryDelay:      30 * time.Second,
		RecoverInterval: time.Minute,
		Enabled:         true,
	}
}

// ConfigFromEnv loads config from environment variables.
// CHANGEGATE_DISPATCH_CONCURRENCY, CHANGEGATE_DISPATCH_MAX_ATTEMPTS,
// CHANGEGATE_DISPATCH_POLL_INTERVAL_SECONDS, CHANGEGATE_DISPATCH_LEASE_MINUTES,
// CHANGEGATE_DISPATCH_RETRY_DELAY_SECONDS, CHANGEGATE_DISPATCH_ENABLED
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("CHANGEGATE_DISPATCH_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Concurrency = n
		}
	}

	if v := os.Getenv("CHANGEGATE_DISPATCH_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxAttempts = n
		}
	}

	if v := os.Getenv("CHANGEGATE_DISPATCH_POLL_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PollInterval = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv("CHANGEGATE_DISPATCH_LEASE_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LeaseFor = time.Duration(n) * time.Minute
		}
	}

	if v := os.Getenv("CHANGEGATE_DISPATCH_RETRY_DELAY_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.RetryDelay = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv("CHANGEGATE_DISPATCH_ENABLED"); v != "" {
		cfg.Enabled, _ = strconv.ParseBool(v)
	}

	return cfg
}
