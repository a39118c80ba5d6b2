// Package lock provides the per-system advisory lock arena. Operations that
// mutate one target system (snapshot, deploy, rollback) acquire its lock
// first so two concurrent changes never race on the same system's files and
// services. Locks are cooperative and in-process; they are never held across
// a human-approval wait.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Info describes the current holder of a system lock.
type Info struct {
	System     string    `json:"system"`
	Owner      string    `json:"owner"`
	Reason     string    `json:"reason,omitempty"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

type holder struct {
	done       chan struct{}
	owner      string
	reason     string
	acquiredAt time.Time
}

// Arena is an arena of advisory locks keyed by system identifier. A single
// global lock would serialize unrelated changes; the arena only serializes
// changes that touch the same system.
type Arena struct {
	mu     sync.Mutex
	held   map[string]*holder
	logger *slog.Logger
}

// NewArena creates an empty lock arena.
func NewArena(logger *slog.Logger) *Arena {
	if logger == nil {
		logger = slog.Default()
	}
	return &Arena{
		held:   make(map[string]*holder),
		logger: logger,
	}
}

// Acquire blocks until the lock for system is held by owner or ctx ends.
func (a *Arena) Acquire(ctx context.Context, system, owner, reason string) error {
	for {
		a.mu.Lock()
		h, ok := a.held[system]
		if !ok {
			a.held[system] = &holder{
				done:       make(chan struct{}),
				owner:      owner,
				reason:     reason,
				acquiredAt: time.Now().UTC(),
			}
			a.mu.Unlock()
			return nil
		}
		if h.owner == owner {
			a.mu.Unlock()
			return fmt.Errorf("lock for system %q already held by %q", system, owner)
		}
		wait := h.done
		a.mu.Unlock()

		a.logger.Debug("waiting for system lock", "system", system, "owner", owner, "heldBy", h.owner)
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for lock on system %q: %w", system, ctx.Err())
		case <-wait:
		}
	}
}

// TryAcquire attempts the lock without blocking. On contention it returns
// false and the current holder so callers can surface the conflict.
func (a *Arena) TryAcquire(system, owner, reason string) (bool, *Info) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if h, ok := a.held[system]; ok {
		return false, &Info{System: system, Owner: h.owner, Reason: h.reason, AcquiredAt: h.acquiredAt}
	}
	a.held[system] = &holder{
		done:       make(chan struct{}),
		owner:      owner,
		reason:     reason,
		acquiredAt: time.Now().UTC(),
	}
	return true, nil
}

// Release frees the lock for system if held by owner.
func (a *Arena) Release(system, owner string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.held[system]
	if !ok || h.owner != owner {
		return
	}
	close(h.done)
	delete(a.held, system)
}

// Holder returns the current holder of a system lock, or nil when free.
func (a *Arena) Holder(system string) *Info {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.held[system]
	if !ok {
		return nil
	}
	return &Info{System: system, Owner: h.owner, Reason: h.reason, AcquiredAt: h.acquiredAt}
}

// AcquireAll takes the locks for every listed system in sorted order, so two
// changes competing for overlapping system sets cannot deadlock. On failure
// every lock already taken is released. The returned func releases all locks
// and is safe to call once.
func (a *Arena) AcquireAll(ctx context.Context, systems []string, owner, reason string) (func(), error) {
	sorted := make([]string, 0, len(systems))
	seen := make(map[string]struct{}, len(systems))
	for _, s := range systems {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		sorted = append(sorted, s)
	}
	sort.Strings(sorted)

	acquired := make([]string, 0, len(sorted))
	releaseAcquired := func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			a.Release(acquired[i], owner)
		}
	}

	for _, s := range sorted {
		if err := a.Acquire(ctx, s, owner, reason); err != nil {
			releaseAcquired()
			return nil, err
		}
		acquired = append(acquired, s)
	}

	var once sync.Once
	return func() { once.Do(releaseAcquired) }, nil
}
