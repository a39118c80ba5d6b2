package rollback

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Restorer performs the system-level actions of a rollback. An empty
// services slice means every service the implementation manages for the
// system.
type Restorer interface {
	StopServices(ctx context.Context, system string, services []string) error
	Restore(ctx context.Context, system string, files map[string][]byte) error
	StartServices(ctx context.Context, system string, services []string) error
	HealthCheck(ctx context.Context, system string) error
}

// DirRestorer writes restored files back under Root/<system>, the inverse
// of backup.DirCollector. Service stop/start are logged only; single-host
// deployments wire a real service manager instead.
type DirRestorer struct {
	Root   string
	logger *slog.Logger
}

func NewDirRestorer(root string, logger *slog.Logger) *DirRestorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirRestorer{Root: root, logger: logger}
}

func (r *DirRestorer) StopServices(_ context.Context, system string, services []string) error {
	r.logger.Info("stopping services", slog.String("system", system), slog.Any("services", services))
	return nil
}

func (r *DirRestorer) Restore(ctx context.Context, system string, files map[string][]byte) error {
	base := filepath.Join(r.Root, system)
	for rel, content := range files {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		path := filepath.Join(base, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("restore %s on %s: %w", rel, system, err)
		}
		if err := os.WriteFile(path, content, 0o644); err != nil {
			return fmt.Errorf("restore %s on %s: %w", rel, system, err)
		}
	}
	return nil
}

func (r *DirRestorer) StartServices(_ context.Context, system string, services []string) error {
	r.logger.Info("starting services", slog.String("system", system), slog.Any("services", services))
	return nil
}

func (r *DirRestorer) HealthCheck(_ context.Context, system string) error {
	base := filepath.Join(r.Root, system)
	info, err := os.Stat(base)
	if err != nil {
		return fmt.Errorf("health check %s: %w", system, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("health check %s: state root is not a directory", system)
	}
	return nil
}
