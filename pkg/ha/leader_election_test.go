package ha

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newLeaseDB(t *testing.T) *gorm.DB {
	t.Helper()
	// Each test gets its own named in-memory database so lease rows from
	// one test never leak into another.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)",
		strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&leaseRecord{}))
	return db
}

func leaseConfig() *HAConfig {
	return &HAConfig{
		LeaderElectionEnabled: true,
		LeaseName:             "test-lease",
		LeaseDuration:         200 * time.Millisecond,
		RenewInterval:         20 * time.Millisecond,
	}
}

func TestLeaderElectorNotLeaderInitially(t *testing.T) {
	le := NewLeaderElector(leaseConfig(), newLeaseDB(t), "replica-a", slog.Default())
	assert.False(t, le.IsLeader())
}

func TestLeaderElectorAcquiresVacantLease(t *testing.T) {
	le := NewLeaderElector(leaseConfig(), newLeaseDB(t), "replica-a", slog.Default())

	held, err := le.tryAcquireOrRenew(context.Background())
	require.NoError(t, err)
	assert.True(t, held)

	// A second attempt by the same replica renews rather than losing it.
	held, err = le.tryAcquireOrRenew(context.Background())
	require.NoError(t, err)
	assert.True(t, held)
}

func TestLeaderElectorSecondReplicaBlockedUntilExpiry(t *testing.T) {
	db := newLeaseDB(t)
	cfg := leaseConfig()
	a := NewLeaderElector(cfg, db, "replica-a", slog.Default())
	b := NewLeaderElector(cfg, db, "replica-b", slog.Default())

	held, err := a.tryAcquireOrRenew(context.Background())
	require.NoError(t, err)
	require.True(t, held)

	held, err = b.tryAcquireOrRenew(context.Background())
	require.NoError(t, err)
	assert.False(t, held, "live lease must not be stolen")

	// Once the lease expires without renewal, the peer takes over.
	time.Sleep(cfg.LeaseDuration + 50*time.Millisecond)
	held, err = b.tryAcquireOrRenew(context.Background())
	require.NoError(t, err)
	assert.True(t, held)

	// The deposed replica notices on its next renewal attempt.
	held, err = a.tryAcquireOrRenew(context.Background())
	require.NoError(t, err)
	assert.False(t, held)
}

func TestLeaderElectorRunCallbacks(t *testing.T) {
	db := newLeaseDB(t)
	le := NewLeaderElector(leaseConfig(), db, "replica-a", slog.Default())

	started := make(chan struct{})
	le.OnStartLeading(func(_ context.Context) { close(started) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		le.Run(ctx)
		close(done)
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("OnStartLeading was never invoked")
	}
	assert.True(t, le.IsLeader())

	cancel()
	<-done

	// Clean shutdown releases the lease row.
	var count int64
	db.Model(&leaseRecord{}).Where("name = ?", "test-lease").Count(&count)
	assert.Zero(t, count)
}
