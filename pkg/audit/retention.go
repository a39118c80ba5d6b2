package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/changegate/changegate/pkg/change"
)

// RetentionWorker periodically deletes audit entries older than the
// configured retention. It must run on a single replica; the server gates it
// behind leader election.
type RetentionWorker struct {
	store  *change.AuditStore
	cfg    *Config
	logger *slog.Logger
}

// NewRetentionWorker creates a RetentionWorker.
func NewRetentionWorker(store *change.AuditStore, cfg *Config, logger *slog.Logger) *RetentionWorker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &RetentionWorker{store: store, cfg: cfg, logger: logger}
}

// Run sweeps on the configured interval until ctx is cancelled. When
// retention is disabled it returns immediately.
func (w *RetentionWorker) Run(ctx context.Context) {
	if w.cfg.RetentionDays <= 0 {
		w.logger.Info("audit retention disabled")
		return
	}

	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()

	w.logger.Info("audit retention worker started",
		"retentionDays", w.cfg.RetentionDays,
		"sweepInterval", w.cfg.SweepInterval.String())

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("audit retention worker stopped")
			return
		case <-ticker.C:
			if err := w.SweepOnce(ctx); err != nil {
				w.logger.Error("audit retention sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce deletes all entries past retention.
func (w *RetentionWorker) SweepOnce(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -w.cfg.RetentionDays)
	deleted, err := w.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	if deleted > 0 {
		w.logger.Info("audit retention sweep completed",
			"deleted", deleted, "cutoff", cutoff.Format(time.RFC3339))
	}
	return nil
}
