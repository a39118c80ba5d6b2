package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// countingHandler records executions and fails the first failCount calls.
type countingHandler struct {
	mu        sync.Mutex
	calls     int
	failCount int
	err       error
}

func (h *countingHandler) Execute(ctx context.Context, item *WorkItem) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.err != nil {
		return h.err
	}
	if h.calls <= h.failCount {
		return fmt.Errorf("transient failure #%d", h.calls)
	}
	return nil
}

func (h *countingHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func setupWorkerQueue(t *testing.T) *Queue {
	t.Helper()
	// Unique shared-cache DSN per test so pool goroutines finishing after the
	// test do not interfere with other tests.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	q := NewQueue(db)
	require.NoError(t, q.AutoMigrate())
	return q
}

func workerTestConfig() *Config {
	cfg := DefaultConfig()
	cfg.Concurrency = 1
	cfg.PollInterval = 25 * time.Millisecond
	cfg.RetryDelay = 0
	cfg.RecoverInterval = time.Hour
	return cfg
}

func TestWorkerProcessesDueItem(t *testing.T) {
	q := setupWorkerQueue(t)
	handler := &countingHandler{}
	wp := NewWorkerPool(q, handler, workerTestConfig(), nil)

	item, err := q.Enqueue(context.Background(), KindRunTests, "chg-1", time.Now(), 3)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go wp.Run(ctx)

	require.Eventually(t, func() bool {
		got, _ := q.Get(context.Background(), item.ID)
		return got != nil && got.State == StateSucceeded
	}, 2*time.Second, 25*time.Millisecond, "item should be completed")

	assert.Equal(t, 1, handler.callCount())
}

func TestWorkerRetriesTransientFailure(t *testing.T) {
	q := setupWorkerQueue(t)
	handler := &countingHandler{failCount: 1}
	wp := NewWorkerPool(q, handler, workerTestConfig(), nil)

	item, err := q.Enqueue(context.Background(), KindRunTests, "chg-1", time.Now(), 3)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go wp.Run(ctx)

	require.Eventually(t, func() bool {
		got, _ := q.Get(context.Background(), item.ID)
		return got != nil && got.State == StateSucceeded
	}, 5*time.Second, 50*time.Millisecond, "item should succeed after retry")

	assert.Equal(t, 2, handler.callCount())
}

func TestWorkerFailsAfterMaxAttempts(t *testing.T) {
	q := setupWorkerQueue(t)
	handler := &countingHandler{err: fmt.Errorf("persistent failure")}
	wp := NewWorkerPool(q, handler, workerTestConfig(), nil)

	item, err := q.Enqueue(context.Background(), KindRunTests, "chg-1", time.Now(), 2)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go wp.Run(ctx)

	require.Eventually(t, func() bool {
		got, _ := q.Get(context.Background(), item.ID)
		return got != nil && got.State == StateFailed
	}, 5*time.Second, 50*time.Millisecond, "item should fail once attempts are exhausted")

	got, err := q.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
	assert.Contains(t, got.LastError, "persistent failure")
}

func TestWorkerCancelsSupersededItem(t *testing.T) {
	q := setupWorkerQueue(t)
	handler := HandlerFunc(func(ctx context.Context, item *WorkItem) error {
		return fmt.Errorf("change %s already deployed: %w", item.ChangeID, ErrSuperseded)
	})
	wp := NewWorkerPool(q, handler, workerTestConfig(), nil)

	item, err := q.Enqueue(context.Background(), KindDeployChange, "chg-1", time.Now(), 3)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go wp.Run(ctx)

	require.Eventually(t, func() bool {
		got, _ := q.Get(context.Background(), item.ID)
		return got != nil && got.State == StateCanceled
	}, 2*time.Second, 25*time.Millisecond, "superseded item should be canceled, not failed")

	got, err := q.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Contains(t, got.LastError, "already deployed")
}

func TestWorkerLeavesFutureItemsAlone(t *testing.T) {
	q := setupWorkerQueue(t)
	handler := &countingHandler{}
	wp := NewWorkerPool(q, handler, workerTestConfig(), nil)

	item, err := q.Enqueue(context.Background(), KindDeployChange, "chg-1", time.Now().Add(time.Hour), 3)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	wp.Run(ctx)

	got, err := q.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, got.State)
	assert.Zero(t, handler.callCount())
}

func TestDisabledPoolDoesNothing(t *testing.T) {
	q := setupWorkerQueue(t)
	cfg := workerTestConfig()
	cfg.Enabled = false
	wp := NewWorkerPool(q, &countingHandler{}, cfg, nil)

	done := make(chan struct{})
	go func() {
		wp.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled pool should return immediately")
	}
}
