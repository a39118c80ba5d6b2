package cache

import (
	"fmt"
	"net/http"
)

// Manager holds separate cache instances for the single-change and list
// endpoints, each with its own TTL, and offers targeted invalidation so a
// mutation of one change does not flush unrelated entries.
type Manager struct {
	changes *LRUCache
	lists   *LRUCache
	enabled bool
}

// NewManager builds a Manager from config. A nil or disabled config returns
// a Manager whose middlewares are pass-throughs.
func NewManager(cfg *Config) *Manager {
	if cfg == nil || !cfg.Enabled {
		return &Manager{enabled: false}
	}
	return &Manager{
		changes: NewLRUCache(cfg.MaxSize, cfg.ChangeTTL),
		lists:   NewLRUCache(cfg.MaxSize, cfg.ListTTL),
		enabled: true,
	}
}

// ChangeMiddleware caches GET /changes/{id} responses.
func (m *Manager) ChangeMiddleware() func(http.Handler) http.Handler {
	if !m.enabled {
		return passthrough
	}
	return CacheMiddleware(m.changes)
}

// ListMiddleware caches GET /changes responses.
func (m *Manager) ListMiddleware() func(http.Handler) http.Handler {
	if !m.enabled {
		return passthrough
	}
	return CacheMiddleware(m.lists)
}

// InvalidateChange clears every cached representation of one change and the
// whole list cache, whose pages may include it.
func (m *Manager) InvalidateChange(basePath, changeID string) {
	if !m.enabled {
		return
	}
	m.changes.InvalidatePrefix(fmt.Sprintf("%s/changes/%s", basePath, changeID))
	m.lists.InvalidateAll()
}

// InvalidateAll clears both caches.
func (m *Manager) InvalidateAll() {
	if !m.enabled {
		return
	}
	m.changes.InvalidateAll()
	m.lists.InvalidateAll()
}

func passthrough(next http.Handler) http.Handler { return next }
