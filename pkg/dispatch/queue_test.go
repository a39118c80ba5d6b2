package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	q := NewQueue(db)
	require.NoError(t, q.AutoMigrate())
	return q
}

func TestEnqueueIsIdempotent(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, KindRunTests, "chg-1", time.Now(), 3)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, StateQueued, first.State)
	assert.Equal(t, "run_tests:chg-1", first.IdempotencyKey)

	second, err := q.Enqueue(ctx, KindRunTests, "chg-1", time.Now().Add(time.Hour), 3)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "duplicate enqueue should return the existing item")

	// A different kind for the same change is a distinct item.
	other, err := q.Enqueue(ctx, KindDeployChange, "chg-1", time.Now(), 3)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestEnqueueAfterTerminalCreatesFreshItem(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, KindRunTests, "chg-1", time.Now().Add(-time.Second), 3)
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, "node/0", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, q.Complete(ctx, claimed.ID))

	second, err := q.Enqueue(ctx, KindRunTests, "chg-1", time.Now(), 3)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID, "terminal item should not block a new enqueue")
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Kind("compact_disk"), "chg-1", time.Now(), 3)
	require.Error(t, err)

	_, err = q.Enqueue(ctx, KindRunTests, "", time.Now(), 3)
	require.Error(t, err)
}

func TestClaimHonorsDueTime(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, KindDeployChange, "chg-1", time.Now().Add(time.Hour), 3)
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, "node/0", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, claimed, "future items must not be claimable")
}

func TestClaimLeasesOldestDueItem(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	older, err := q.Enqueue(ctx, KindRunTests, "chg-1", time.Now().Add(-2*time.Minute), 3)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, KindRunTests, "chg-2", time.Now().Add(-time.Minute), 3)
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, "node/0", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, older.ID, claimed.ID)
	assert.Equal(t, StateRunning, claimed.State)
	assert.Equal(t, "node/0", claimed.LeaseOwner)
	assert.Equal(t, 1, claimed.Attempts)
	require.NotNil(t, claimed.LeaseExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Minute), *claimed.LeaseExpiresAt, 5*time.Second)
}

func TestFailRequeuesUntilAttemptsExhausted(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	item, err := q.Enqueue(ctx, KindRunTests, "chg-1", time.Now().Add(-time.Second), 2)
	require.NoError(t, err)

	// First attempt fails: re-queued with the retry delay applied.
	claimed, err := q.Claim(ctx, "node/0", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, q.Fail(ctx, claimed.ID, "runner unreachable", 0))

	got, err := q.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, got.State)
	assert.Equal(t, "runner unreachable", got.LastError)
	assert.Empty(t, got.LeaseOwner)

	// Second attempt exhausts MaxAttempts.
	claimed, err = q.Claim(ctx, "node/0", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, 2, claimed.Attempts)
	require.NoError(t, q.Fail(ctx, claimed.ID, "runner unreachable", 0))

	got, err = q.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
}

func TestCancelPendingLeavesRunningItems(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, KindRunTests, "chg-1", time.Now().Add(-time.Second), 3)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, KindDeployChange, "chg-1", time.Now().Add(time.Hour), 3)
	require.NoError(t, err)

	running, err := q.Claim(ctx, "node/0", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, running)

	n, err := q.CancelPending(ctx, "chg-1", "change canceled")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := q.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, got.State, "claimed items are not swept by CancelPending")

	items, err := q.ListByChange(ctx, "chg-1")
	require.NoError(t, err)
	require.Len(t, items, 2)
}

func TestRecoverRequeuesExpiredLeases(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	item, err := q.Enqueue(ctx, KindRunTests, "chg-1", time.Now().Add(-time.Second), 3)
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, "node/0", -time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := q.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, got.State)
	assert.Empty(t, got.LeaseOwner)
	assert.Contains(t, got.LastError, "lease expired")

	// Recovery is idempotent.
	n, err = q.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGetUnknownItemReturnsNil(t *testing.T) {
	q := newTestQueue(t)

	got, err := q.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}
