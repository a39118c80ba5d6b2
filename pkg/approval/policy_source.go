package approval

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// PolicySource holds the active approval policy and reloads it when the
// backing file changes. Reloads affect workflows created afterwards;
// existing workflows keep the requirements snapshotted at creation.
type PolicySource struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	policy *Policy
}

// NewPolicySource loads the policy once. An empty path pins the built-in
// defaults and Watch becomes a no-op.
func NewPolicySource(path string, logger *slog.Logger) (*PolicySource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p, err := LoadPolicy(path)
	if err != nil {
		return nil, err
	}
	return &PolicySource{path: path, logger: logger, policy: p}, nil
}

// Current returns the active policy.
func (s *PolicySource) Current() *Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

func (s *PolicySource) set(p *Policy) {
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
}

// Watch blocks until ctx is done, reloading the policy whenever the file
// is rewritten. A file that fails to parse is logged and skipped so the
// last good policy stays active. Editors replace files rather than write
// in place, so the watch is on the directory and filtered by name.
func (s *PolicySource) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(s.path)

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Debounce rapid rewrites into one reload.
			if timer == nil {
				timer = time.NewTimer(200 * time.Millisecond)
				timerC = timer.C
			} else {
				timer.Reset(200 * time.Millisecond)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			s.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("approval policy watcher error", slog.String("error", err.Error()))
		}
	}
}

func (s *PolicySource) reload() {
	p, err := LoadPolicy(s.path)
	if err != nil {
		s.logger.Error("approval policy reload failed, keeping previous policy",
			slog.String("path", s.path),
			slog.String("error", err.Error()))
		return
	}
	s.set(p)
	s.logger.Info("approval policy reloaded", slog.String("path", s.path))
}
