// Package main is the changegate server entry point. It loads configuration
// from flags and CHANGEGATE_* environment variables, wires the change
// lifecycle engine and serves the HTTP API until terminated.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/golang/glog"

	"github.com/changegate/changegate/pkg/server"
)

func main() {
	cfg := server.ConfigFromEnv()

	flag.StringVar(&cfg.Host, "host", cfg.Host, "Address to bind")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "Port to listen on")
	flag.StringVar(&cfg.DBDialect, "db-type", cfg.DBDialect, "Database type (sqlite, postgres or mysql)")
	flag.StringVar(&cfg.DBDSN, "db-dsn", cfg.DBDSN, "Database connection string")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.StateRoot, "state-root", cfg.StateRoot, "Directory holding per-system restorable state")
	flag.StringVar(&cfg.SnapshotDBPath, "snapshot-db", cfg.SnapshotDBPath, "Badger directory for snapshot payloads (empty keeps snapshots in memory)")
	flag.StringVar(&cfg.PolicyPath, "approval-policy", cfg.PolicyPath, "Approval policy YAML (empty uses built-in defaults)")
	flag.BoolVar(&cfg.HA.LeaderElectionEnabled, "leader-election", cfg.HA.LeaderElectionEnabled, "Gate background workers behind a database lease")
	flag.Parse()

	_ = flag.Set("logtostderr", "true")

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("starting changegate server",
		"addr", cfg.Addr(),
		"dbType", cfg.DBDialect,
		"stateRoot", cfg.StateRoot,
		"policy", cfg.PolicyPath,
		"leaderElection", cfg.HA.LeaderElectionEnabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	db, err := server.OpenDatabase(cfg, logger)
	if err != nil {
		glog.Fatalf("Failed to connect to database: %v", err)
	}

	srv, err := server.New(cfg, db, logger)
	if err != nil {
		glog.Fatalf("Failed to wire server: %v", err)
	}

	if err := srv.Run(ctx); err != nil {
		glog.Fatalf("Server exited: %v", err)
	}

	logger.Info("changegate server stopped")
}

func logLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
