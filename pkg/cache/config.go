package cache

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds configuration for the response cache.
type Config struct {
	// Enabled controls whether caching is active. When false, no middleware
	// is applied and every request passes through uncached.
	Enabled bool

	// ChangeTTL is the TTL for GET /changes/{id} responses. Kept short:
	// staleness here is visible to operators polling a deploy.
	ChangeTTL time.Duration

	// ListTTL is the TTL for GET /changes list responses.
	ListTTL time.Duration

	// MaxSize is the maximum number of entries per cache instance.
	MaxSize int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		ChangeTTL: 5 * time.Second,
		ListTTL:   10 * time.Second,
		MaxSize:   1000,
	}
}

// ConfigFromEnv reads cache configuration from environment variables,
// falling back to defaults for any unset variable:
//   - CHANGEGATE_CACHE_ENABLED: "true" or "false" (default: "true")
//   - CHANGEGATE_CACHE_CHANGE_TTL: seconds (default: 5)
//   - CHANGEGATE_CACHE_LIST_TTL: seconds (default: 10)
//   - CHANGEGATE_CACHE_MAX_SIZE: max entries per cache (default: 1000)
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("CHANGEGATE_CACHE_ENABLED"); v != "" {
		cfg.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("CHANGEGATE_CACHE_CHANGE_TTL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.ChangeTTL = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("CHANGEGATE_CACHE_LIST_TTL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.ListTTL = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("CHANGEGATE_CACHE_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxSize = n
		}
	}

	return cfg
}
