package ha

import (
	"context"
	"fmt"
	"hash/crc32"
	"os"
	"time"

	"gorm.io/gorm"
)

// MigrationLocker serializes schema migrations across replicas so two
// instances never run AutoMigrate concurrently.
type MigrationLocker interface {
	// WithLock executes fn while holding the migration lock. It blocks
	// until the lock is acquired and releases it after fn returns.
	WithLock(ctx context.Context, fn func() error) error
}

// NewMigrationLocker creates a MigrationLocker appropriate for the database
// dialect: a Postgres advisory lock when available, otherwise a lock-table
// fallback with stale-lock recovery. The lock table is created eagerly so
// concurrent first callers never race on its existence.
func NewMigrationLocker(db *gorm.DB) MigrationLocker {
	if db == nil {
		return &noopMigrationLock{}
	}
	if db.Dialector.Name() == "postgres" {
		return &pgAdvisoryLock{
			db:     db,
			lockID: int64(crc32.ChecksumIEEE([]byte("changegate-migration"))),
		}
	}
	lock := &tableMigrationLock{db: db}
	_ = db.AutoMigrate(&migrationLockRecord{})
	return lock
}

// noopMigrationLock is used when no database is configured.
type noopMigrationLock struct{}

func (n *noopMigrationLock) WithLock(_ context.Context, fn func() error) error {
	return fn()
}

// pgAdvisoryLock serializes migrations with a session-scoped Postgres
// advisory lock.
type pgAdvisoryLock struct {
	db     *gorm.DB
	lockID int64
}

func (l *pgAdvisoryLock) WithLock(ctx context.Context, fn func() error) error {
	if err := l.db.WithContext(ctx).Exec("SELECT pg_advisory_lock(?)", l.lockID).Error; err != nil {
		return fmt.Errorf("acquiring migration advisory lock: %w", err)
	}
	defer func() {
		_ = l.db.Exec("SELECT pg_advisory_unlock(?)", l.lockID).Error
	}()
	return fn()
}

// migrationLockRecord is the lock row for databases without advisory locks.
type migrationLockRecord struct {
	ID       string    `gorm:"primaryKey;column:id"`
	LockedAt time.Time `gorm:"column:locked_at"`
	LockedBy string    `gorm:"column:locked_by"`
}

func (migrationLockRecord) TableName() string { return "migration_lock" }

// tableMigrationLock uses INSERT-or-fail semantics on a single lock row for
// SQLite and MySQL, deleting stale rows so a crashed holder cannot wedge
// migrations forever.
type tableMigrationLock struct {
	db *gorm.DB
}

const (
	migrationLockRetries  = 30
	migrationLockInterval = time.Second
	migrationLockStaleAge = 5 * time.Minute
)

func (l *tableMigrationLock) WithLock(ctx context.Context, fn func() error) error {
	holder, _ := os.Hostname()
	if holder == "" {
		holder = "unknown"
	}

	acquired := false
	for i := 0; i < migrationLockRetries; i++ {
		// Crash recovery: a row older than the stale age belongs to a dead
		// holder and is safe to remove.
		l.db.WithContext(ctx).
			Where("id = ? AND locked_at < ?", "migration", time.Now().Add(-migrationLockStaleAge)).
			Delete(&migrationLockRecord{})

		result := l.db.WithContext(ctx).Create(&migrationLockRecord{
			ID:       "migration",
			LockedAt: time.Now(),
			LockedBy: holder,
		})
		if result.Error == nil {
			acquired = true
			break
		}
		if i == migrationLockRetries-1 {
			return fmt.Errorf("acquiring migration lock after %d attempts: %w", migrationLockRetries, result.Error)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(migrationLockInterval):
		}
	}
	if !acquired {
		return fmt.Errorf("migration lock not acquired")
	}

	defer func() {
		l.db.Where("id = ?", "migration").Delete(&migrationLockRecord{})
	}()
	return fn()
}
