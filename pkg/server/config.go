// Package server is the composition root: it opens the database, migrates
// the schema under the migration lock, wires the lifecycle components into
// the pipeline, mounts the HTTP API, and runs the background workers behind
// leader election.
package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/changegate/changegate/pkg/audit"
	"github.com/changegate/changegate/pkg/cache"
	"github.com/changegate/changegate/pkg/dispatch"
	"github.com/changegate/changegate/pkg/ha"
	"github.com/changegate/changegate/pkg/identity"
)

// Config aggregates everything the server needs to start.
type Config struct {
	// Host and Port form the listen address.
	Host string
	Port int

	// DBDialect selects the GORM driver: "sqlite" (default), "postgres" or
	// "mysql". DBDSN is the driver-specific DSN; for sqlite it is the file
	// path (default "changegate.db").
	DBDialect string
	DBDSN     string

	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// StateRoot is the directory tree holding per-system restorable state
	// for the built-in collector and restorer.
	StateRoot string

	// SnapshotDBPath is the Badger directory for snapshot payloads. Empty
	// selects the in-memory backend (dev only; snapshots do not survive a
	// restart).
	SnapshotDBPath string

	// PolicyPath is the approval policy YAML. Empty uses built-in defaults.
	PolicyPath string

	// EscalationInterval is how often the escalation worker sweeps for
	// overdue workflows.
	EscalationInterval time.Duration

	// CORSOrigins are the allowed CORS origins.
	CORSOrigins []string

	Identity identity.Config
	Audit    *audit.Config
	Cache    *cache.Config
	HA       *ha.HAConfig
	Dispatch *dispatch.Config
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Host:               "0.0.0.0",
		Port:               8080,
		DBDialect:          "sqlite",
		DBDSN:              "changegate.db",
		LogLevel:           "info",
		StateRoot:          "/var/lib/changegate/state",
		EscalationInterval: time.Minute,
		CORSOrigins:        []string{"https://*", "http://*"},
		Identity:           identity.DefaultConfig(),
		Audit:              audit.DefaultConfig(),
		Cache:              cache.DefaultConfig(),
		HA:                 ha.DefaultHAConfig(),
		Dispatch:           dispatch.DefaultConfig(),
	}
}

// ConfigFromEnv reads the server configuration from CHANGEGATE_* environment
// variables, delegating to each package's FromEnv for its own section.
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("CHANGEGATE_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("CHANGEGATE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.Port = p
		}
	}
	if v := os.Getenv("CHANGEGATE_DB_DIALECT"); v != "" {
		cfg.DBDialect = strings.ToLower(v)
	}
	if v := os.Getenv("CHANGEGATE_DB_DSN"); v != "" {
		cfg.DBDSN = v
	}
	if v := os.Getenv("CHANGEGATE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("CHANGEGATE_STATE_ROOT"); v != "" {
		cfg.StateRoot = v
	}
	if v := os.Getenv("CHANGEGATE_SNAPSHOT_DB"); v != "" {
		cfg.SnapshotDBPath = v
	}
	if v := os.Getenv("CHANGEGATE_APPROVAL_POLICY"); v != "" {
		cfg.PolicyPath = v
	}
	if v := os.Getenv("CHANGEGATE_ESCALATION_INTERVAL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.EscalationInterval = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("CHANGEGATE_CORS_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		if len(origins) > 0 {
			cfg.CORSOrigins = origins
		}
	}

	cfg.Identity = identity.ConfigFromEnv()
	cfg.Audit = audit.ConfigFromEnv()
	cfg.Cache = cache.ConfigFromEnv()
	cfg.HA = ha.HAConfigFromEnv()
	cfg.Dispatch = dispatch.ConfigFromEnv()

	return cfg
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
