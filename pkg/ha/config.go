// Package ha provides high-availability primitives for running changegate
// with multiple replicas: migration locking and a database-lease leader
// election that gates singleton background workers.
package ha

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// HAConfig holds configuration for high-availability features.
type HAConfig struct {
	// LeaderElectionEnabled controls whether lease-based leader election is
	// active. When false, the instance behaves as the sole leader (suitable
	// for single-replica deployments).
	LeaderElectionEnabled bool

	// LeaseName is the name of the lease row used for leader election.
	LeaseName string

	// LeaseDuration is how long an acquired lease is valid before a
	// non-renewing holder is considered dead.
	LeaseDuration time.Duration

	// RenewInterval is how often the current leader renews its lease and
	// how often candidates retry acquisition.
	RenewInterval time.Duration

	// MigrationLockEnabled controls whether database migration locking is
	// used to prevent concurrent schema changes.
	MigrationLockEnabled bool

	// Identity is the unique identity of this instance for leader election.
	// Defaults to the hostname.
	Identity string
}

// DefaultHAConfig returns an HAConfig with sensible defaults.
func DefaultHAConfig() *HAConfig {
	return &HAConfig{
		LeaderElectionEnabled: false,
		LeaseName:             "changegate-leader",
		LeaseDuration:         15 * time.Second,
		RenewInterval:         5 * time.Second,
		MigrationLockEnabled:  true,
		Identity:              defaultIdentity(),
	}
}

// HAConfigFromEnv reads HA configuration from environment variables,
// falling back to defaults for any unset variable.
//
// Environment variables:
//   - CHANGEGATE_LEADER_ELECTION_ENABLED: "true" or "false" (default: "false")
//   - CHANGEGATE_LEADER_LEASE_NAME: lease row name (default: "changegate-leader")
//   - CHANGEGATE_LEADER_LEASE_DURATION: seconds (default: 15)
//   - CHANGEGATE_LEADER_RENEW_INTERVAL: seconds (default: 5)
//   - CHANGEGATE_MIGRATION_LOCK_ENABLED: "true" or "false" (default: "true")
//   - CHANGEGATE_INSTANCE_ID: instance identity for leader election
func HAConfigFromEnv() *HAConfig {
	cfg := DefaultHAConfig()

	if v := os.Getenv("CHANGEGATE_LEADER_ELECTION_ENABLED"); v != "" {
		cfg.LeaderElectionEnabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("CHANGEGATE_LEADER_LEASE_NAME"); v != "" {
		cfg.LeaseName = v
	}
	if v := os.Getenv("CHANGEGATE_LEADER_LEASE_DURATION"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.LeaseDuration = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("CHANGEGATE_LEADER_RENEW_INTERVAL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.RenewInterval = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("CHANGEGATE_MIGRATION_LOCK_ENABLED"); v != "" {
		cfg.MigrationLockEnabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("CHANGEGATE_INSTANCE_ID"); v != "" {
		cfg.Identity = v
	}

	return cfg
}

func defaultIdentity() string {
	if v := os.Getenv("CHANGEGATE_INSTANCE_ID"); v != "" {
		return v
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
