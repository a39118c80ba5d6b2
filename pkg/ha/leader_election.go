package ha

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// leaseRecord is the single-row lease that leader election contends on.
// Acquisition is an INSERT-or-steal: a candidate inserts the row when
// missing, or takes over with a guarded UPDATE once the holder's lease
// expires. The guard means two candidates can never both win a term.
type leaseRecord struct {
	Name      string    `gorm:"primaryKey;column:name"`
	Holder    string    `gorm:"column:holder"`
	Term      string    `gorm:"column:term"`
	RenewedAt time.Time `gorm:"column:renewed_at"`
	ExpiresAt time.Time `gorm:"column:expires_at;index"`
}

func (leaseRecord) TableName() string { return "leader_leases" }

// LeaderElector runs database-lease leader election. Exactly one replica
// holds the lease at a time; singleton background workers (escalation
// sweeps, retention, dispatch) run only on the holder.
type LeaderElector struct {
	db     *gorm.DB
	cfg    *HAConfig
	logger *slog.Logger

	identity string
	term     string

	mu           sync.RWMutex
	isLeader     bool
	startLeading func(ctx context.Context)
	stopLeading  func()
}

// NewLeaderElector creates a LeaderElector. identity distinguishes this
// replica in the lease table; when empty the config identity is used.
func NewLeaderElector(cfg *HAConfig, db *gorm.DB, identity string, logger *slog.Logger) *LeaderElector {
	if logger == nil {
		logger = slog.Default()
	}
	if identity == "" {
		identity = cfg.Identity
	}
	return &LeaderElector{
		db:       db,
		cfg:      cfg,
		logger:   logger,
		identity: identity,
	}
}

// OnStartLeading registers the callback invoked when this replica acquires
// the lease. The callback receives a context cancelled on leadership loss.
func (le *LeaderElector) OnStartLeading(fn func(ctx context.Context)) {
	le.mu.Lock()
	defer le.mu.Unlock()
	le.startLeading = fn
}

// OnStopLeading registers the callback invoked when leadership is lost.
func (le *LeaderElector) OnStopLeading(fn func()) {
	le.mu.Lock()
	defer le.mu.Unlock()
	le.stopLeading = fn
}

// IsLeader reports whether this replica currently holds the lease.
func (le *LeaderElector) IsLeader() bool {
	le.mu.RLock()
	defer le.mu.RUnlock()
	return le.isLeader
}

// Migrate creates the lease table.
func (le *LeaderElector) Migrate() error {
	return le.db.AutoMigrate(&leaseRecord{})
}

// Run drives the acquire/renew loop until ctx is cancelled. It blocks, so
// callers start it on its own goroutine. On exit the lease is released if
// held.
func (le *LeaderElector) Run(ctx context.Context) {
	ticker := time.NewTicker(le.cfg.RenewInterval)
	defer ticker.Stop()

	var cancelLeader context.CancelFunc

	demote := func() {
		le.mu.Lock()
		wasLeader := le.isLeader
		le.isLeader = false
		stop := le.stopLeading
		le.mu.Unlock()
		if cancelLeader != nil {
			cancelLeader()
			cancelLeader = nil
		}
		if wasLeader {
			le.logger.Info("leadership lost", "identity", le.identity)
			if stop != nil {
				stop()
			}
		}
	}

	for {
		held, err := le.tryAcquireOrRenew(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			le.logger.Error("lease acquisition failed", "identity", le.identity, "error", err)
		}

		if held && !le.IsLeader() {
			le.mu.Lock()
			le.isLeader = true
			start := le.startLeading
			le.mu.Unlock()
			var leaderCtx context.Context
			leaderCtx, cancelLeader = context.WithCancel(ctx)
			le.logger.Info("leadership acquired", "identity", le.identity, "lease", le.cfg.LeaseName)
			if start != nil {
				go start(leaderCtx)
			}
		} else if !held && le.IsLeader() {
			demote()
		}

		select {
		case <-ctx.Done():
			demote()
			le.release()
			return
		case <-ticker.C:
		}
	}
}

// tryAcquireOrRenew makes one attempt to hold the lease: renew when we are
// the holder, insert when the row is missing, steal when it expired.
func (le *LeaderElector) tryAcquireOrRenew(ctx context.Context) (bool, error) {
	now := time.Now()
	expiry := now.Add(le.cfg.LeaseDuration)

	// Renew our own lease first: the common case for a sitting leader.
	if le.term != "" {
		renew := le.db.WithContext(ctx).Model(&leaseRecord{}).
			Where("name = ? AND holder = ? AND term = ?", le.cfg.LeaseName, le.identity, le.term).
			Updates(map[string]interface{}{"renewed_at": now, "expires_at": expiry})
		if renew.Error != nil {
			return false, fmt.Errorf("renewing lease: %w", renew.Error)
		}
		if renew.RowsAffected == 1 {
			return true, nil
		}
		// Someone stole the lease after our last renewal missed its window.
		le.term = ""
	}

	term := uuid.New().String()
	created := le.db.WithContext(ctx).Create(&leaseRecord{
		Name:      le.cfg.LeaseName,
		Holder:    le.identity,
		Term:      term,
		RenewedAt: now,
		ExpiresAt: expiry,
	})
	if created.Error == nil {
		le.term = term
		return true, nil
	}

	// Row exists: take over only when the current holder's lease expired.
	steal := le.db.WithContext(ctx).Model(&leaseRecord{}).
		Where("name = ? AND expires_at < ?", le.cfg.LeaseName, now).
		Updates(map[string]interface{}{
			"holder":     le.identity,
			"term":       term,
			"renewed_at": now,
			"expires_at": expiry,
		})
	if steal.Error != nil {
		return false, fmt.Errorf("taking over expired lease: %w", steal.Error)
	}
	if steal.RowsAffected == 1 {
		le.term = term
		return true, nil
	}
	return false, nil
}

// release gives up the lease immediately so a peer does not have to wait
// out the full lease duration on a clean shutdown.
func (le *LeaderElector) release() {
	if le.term == "" {
		return
	}
	le.db.Where("name = ? AND holder = ? AND term = ?", le.cfg.LeaseName, le.identity, le.term).
		Delete(&leaseRecord{})
	le.term = ""
}
