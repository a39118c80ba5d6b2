// Package audit exposes the change audit trail over HTTP and enforces the
// retention policy. Entries are written exclusively by the change registry;
// this package only reads and, past retention, purges them.
package audit

import (
	"os"
	"strconv"
	"time"
)

// Config controls audit retention and the query API.
type Config struct {
	// RetentionDays is how long audit entries are kept. Zero or negative
	// disables the purge entirely.
	RetentionDays int

	// SweepInterval is how often the retention worker checks for expired
	// entries.
	SweepInterval time.Duration
}

// DefaultConfig returns the default audit configuration.
func DefaultConfig() *Config {
	return &Config{
		RetentionDays: 365,
		SweepInterval: 24 * time.Hour,
	}
}

// ConfigFromEnv loads audit configuration from environment variables:
// CHANGEGATE_AUDIT_RETENTION_DAYS and CHANGEGATE_AUDIT_SWEEP_HOURS.
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("CHANGEGATE_AUDIT_RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil {
			cfg.RetentionDays = days
		}
	}
	if v := os.Getenv("CHANGEGATE_AUDIT_SWEEP_HOURS"); v != "" {
		if hours, err := strconv.Atoi(v); err == nil && hours > 0 {
			cfg.SweepInterval = time.Duration(hours) * time.Hour
		}
	}

	return cfg
}
