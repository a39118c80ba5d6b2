package cache

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUCacheSetGet(t *testing.T) {
	c := NewLRUCache(10, time.Minute)

	c.Set("a", []byte("one"))
	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("one"), got)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestLRUCacheExpiry(t *testing.T) {
	c := NewLRUCache(10, 10*time.Millisecond)

	c.Set("a", []byte("one"))
	time.Sleep(25 * time.Millisecond)

	_, ok := c.Get("a")
	assert.False(t, ok, "entry should expire after TTL")
}

func TestLRUCacheEvictsOldest(t *testing.T) {
	c := NewLRUCache(3, time.Minute)

	for i := 0; i < 3; i++ {
		c.Set(fmt.Sprintf("k%d", i), []byte("v"))
		time.Sleep(time.Millisecond)
	}
	c.Set("k3", []byte("v"))

	assert.Equal(t, 3, c.Size())
	_, ok := c.Get("k0")
	assert.False(t, ok, "oldest entry should be evicted")
	_, ok = c.Get("k3")
	assert.True(t, ok)
}

func TestLRUCacheInvalidatePrefix(t *testing.T) {
	c := NewLRUCache(10, time.Minute)

	c.Set("/api/v1/changes/abc", []byte("x"))
	c.Set("/api/v1/changes/abc/audit", []byte("y"))
	c.Set("/api/v1/changes/def", []byte("z"))

	c.InvalidatePrefix("/api/v1/changes/abc")

	_, ok := c.Get("/api/v1/changes/abc")
	assert.False(t, ok)
	_, ok = c.Get("/api/v1/changes/abc/audit")
	assert.False(t, ok)
	_, ok = c.Get("/api/v1/changes/def")
	assert.True(t, ok)
}

func TestCacheMiddlewareHitAndMiss(t *testing.T) {
	c := NewLRUCache(10, time.Minute)
	var calls atomic.Int32
	handler := CacheMiddleware(c)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/changes/1", nil))
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/changes/1", nil))
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	assert.Equal(t, `{"ok":true}`, rec.Body.String())
	assert.Equal(t, int32(1), calls.Load(), "second request must be served from cache")
}

func TestCacheMiddlewareSkipsErrorsAndWrites(t *testing.T) {
	c := NewLRUCache(10, time.Minute)
	handler := CacheMiddleware(c)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/changes", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/changes/nope", nil))

	assert.Zero(t, c.Size(), "non-GET and non-200 responses are never cached")
}

func TestManagerInvalidateChange(t *testing.T) {
	m := NewManager(DefaultConfig())

	m.changes.Set("/api/v1/changes/abc", []byte("x"))
	m.lists.Set("/api/v1/changes?status=PENDING", []byte("y"))

	m.InvalidateChange("/api/v1", "abc")

	_, ok := m.changes.Get("/api/v1/changes/abc")
	assert.False(t, ok)
	_, ok = m.lists.Get("/api/v1/changes?status=PENDING")
	assert.False(t, ok)
}

func TestManagerDisabled(t *testing.T) {
	m := NewManager(&Config{Enabled: false})

	called := false
	h := m.ChangeMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, called)

	// No-ops, must not panic.
	m.InvalidateChange("/api/v1", "abc")
	m.InvalidateAll()
}

func TestConfigFromEnvOverrides(t *testing.T) {
	t.Setenv("CHANGEGATE_CACHE_ENABLED", "false")
	t.Setenv("CHANGEGATE_CACHE_CHANGE_TTL", "30")
	t.Setenv("CHANGEGATE_CACHE_LIST_TTL", "60")
	t.Setenv("CHANGEGATE_CACHE_MAX_SIZE", "50")

	cfg := ConfigFromEnv()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 30*time.Second, cfg.ChangeTTL)
	assert.Equal(t, 60*time.Second, cfg.ListTTL)
	assert.Equal(t, 50, cfg.MaxSize)
}
