package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Queue provides database operations for work items.
type Queue struct {
	db *gorm.DB
}

// NewQueue creates a new Queue.
func NewQueue(db *gorm.DB) *Queue {
	return &Queue{db: db}
}

// AutoMigrate creates or updates the work_items table.
func (q *Queue) AutoMigrate() error {
	if err := q.db.AutoMigrate(&WorkItem{}); err != nil {
		return fmt.Errorf("auto-migrate work items: %w", err)
	}
	return nil
}

// Enqueue creates a queued work item for the given change, due at dueAt.
// Enqueue is idempotent: if a non-terminal item for the same kind and change
// already exists, that item is returned instead of creating a duplicate.
// Safe for concurrent use.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, changeID string, dueAt time.Time, maxAttempts int) (*WorkItem, error) {
	if !ValidKind(kind) {
		return nil, fmt.Errorf("unknown work item kind %q", kind)
	}
	if changeID == "" {
		return nil, fmt.Errorf("enqueue %s: change id is required", kind)
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	item := &WorkItem{
		ID:             uuid.NewString(),
		Kind:           kind,
		ChangeID:       changeID,
		IdempotencyKey: IdemKey(kind, changeID),
		State:          StateQueued,
		DueAt:          dueAt.UTC(),
		MaxAttempts:    maxAttempts,
	}

	var result *WorkItem
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Check for an existing non-terminal item with this key.
		var existing WorkItem
		err := tx.Where("idempotency_key = ? AND state IN ?", item.IdempotencyKey,
			[]State{StateQueued, StateRunning}).First(&existing).Error
		if err == nil {
			result = &existing
			return nil
		}
		if err != gorm.ErrRecordNotFound {
			return fmt.Errorf("check idempotency key: %w", err)
		}

		// Clear the idempotency key on terminal items with the same key so
		// the unique index doesn't block creating a new one.
		tx.Model(&WorkItem{}).
			Where("idempotency_key = ? AND state IN ?", item.IdempotencyKey,
				[]State{StateSucceeded, StateFailed, StateCanceled}).
			Update("idempotency_key", "")

		if err := tx.Create(item).Error; err != nil {
			// Another transaction may have created the item between our
			// check and create. Look up the winner.
			var raceExisting WorkItem
			lookupErr := q.db.Where("idempotency_key = ? AND state IN ?", item.IdempotencyKey,
				[]State{StateQueued, StateRunning}).First(&raceExisting).Error
			if lookupErr == nil {
				result = &raceExisting
				return nil
			}
			return fmt.Errorf("enqueue work item: %w", err)
		}
		result = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Claim atomically picks the oldest due queued item and leases it to owner
// until now+leaseFor. Uses FOR UPDATE SKIP LOCKED where supported
// (PostgreSQL); falls back to a guarded update elsewhere. Returns nil if no
// due items are available.
func (q *Queue) Claim(ctx context.Context, owner string, leaseFor time.Duration) (*WorkItem, error) {
	var item WorkItem
	now := time.Now().UTC()

	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Raw(`
			SELECT * FROM work_items
			WHERE state = ? AND due_at <= ?
			ORDER BY due_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`, StateQueued, now).Scan(&item)

		if result.Error != nil {
			// Databases without FOR UPDATE SKIP LOCKED get a plain select;
			// the guarded update below keeps the claim race-safe.
			result = tx.Where("state = ? AND due_at <= ?", StateQueued, now).
				Order("due_at ASC").
				Limit(1).
				First(&item)
			if result.Error != nil {
				if result.Error == gorm.ErrRecordNotFound {
					return nil
				}
				return result.Error
			}
		}

		if item.ID == "" {
			return nil
		}

		expires := now.Add(leaseFor)
		claim := tx.Model(&WorkItem{}).Where("id = ? AND state = ?", item.ID, StateQueued).
			Updates(map[string]any{
				"state":            StateRunning,
				"lease_owner":      owner,
				"lease_expires_at": expires,
				"attempts":         gorm.Expr("attempts + 1"),
			})
		if claim.Error != nil {
			return claim.Error
		}
		if claim.RowsAffected == 0 {
			// Lost the race to another worker.
			item.ID = ""
		}
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("claim work item: %w", err)
	}

	if item.ID == "" {
		return nil, nil
	}

	// Reload to get the updated values.
	if err := q.db.WithContext(ctx).First(&item, "id = ?", item.ID).Error; err != nil {
		return nil, fmt.Errorf("reload claimed item: %w", err)
	}
	return &item, nil
}

// Complete marks a running item as succeeded.
func (q *Queue) Complete(ctx context.Context, itemID string) error {
	result := q.db.WithContext(ctx).Model(&WorkItem{}).
		Where("id = ? AND state = ?", itemID, StateRunning).
		Updates(map[string]any{
			"state":            StateSucceeded,
			"lease_owner":      "",
			"lease_expires_at": nil,
			"last_error":       "",
		})
	if result.Error != nil {
		return fmt.Errorf("complete work item: %w", result.Error)
	}
	return nil
}

// Fail records a failed attempt. Items with attempts remaining are re-queued
// with the next try pushed out by retryAfter; exhausted items go to failed.
func (q *Queue) Fail(ctx context.Context, itemID string, errMsg string, retryAfter time.Duration) error {
	var item WorkItem
	if err := q.db.WithContext(ctx).First(&item, "id = ?", itemID).Error; err != nil {
		return fmt.Errorf("load work item for fail: %w", err)
	}

	updates := map[string]any{
		"last_error":       errMsg,
		"lease_owner":      "",
		"lease_expires_at": nil,
	}
	if item.Attempts < item.MaxAttempts {
		updates["state"] = StateQueued
		updates["due_at"] = time.Now().UTC().Add(retryAfter)
	} else {
		updates["state"] = StateFailed
	}

	result := q.db.WithContext(ctx).Model(&WorkItem{}).
		Where("id = ? AND state = ?", itemID, StateRunning).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("fail work item: %w", result.Error)
	}
	return nil
}

// CancelItem marks a running item as canceled. Used when the item's change
// has already left the state the operation expects.
func (q *Queue) CancelItem(ctx context.Context, itemID, reason string) error {
	result := q.db.WithContext(ctx).Model(&WorkItem{}).
		Where("id = ? AND state IN ?", itemID, []State{StateQueued, StateRunning}).
		Updates(map[string]any{
			"state":            StateCanceled,
			"last_error":       reason,
			"lease_owner":      "",
			"lease_expires_at": nil,
		})
	if result.Error != nil {
		return fmt.Errorf("cancel work item: %w", result.Error)
	}
	return nil
}

// CancelPending cancels all queued items for a change. Returns the number of
// items canceled.
func (q *Queue) CancelPending(ctx context.Context, changeID, reason string) (int64, error) {
	result := q.db.WithContext(ctx).Model(&WorkItem{}).
		Where("change_id = ? AND state = ?", changeID, StateQueued).
		Updates(map[string]any{
			"state":      StateCanceled,
			"last_error": reason,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("cancel pending items: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Recover re-queues running items whose lease has expired, so work owned by
// a crashed worker is picked up again.
func (q *Queue) Recover(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	result := q.db.WithContext(ctx).Model(&WorkItem{}).
		Where("state = ? AND lease_expires_at < ?", StateRunning, now).
		Updates(map[string]any{
			"state":            StateQueued,
			"lease_owner":      "",
			"lease_expires_at": nil,
			"last_error":       "lease expired (worker recovery)",
		})
	if result.Error != nil {
		return 0, fmt.Errorf("recover expired leases: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Get retrieves a work item by ID. Returns nil if not found.
func (q *Queue) Get(ctx context.Context, itemID string) (*WorkItem, error) {
	var item WorkItem
	if err := q.db.WithContext(ctx).First(&item, "id = ?", itemID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get work item: %w", err)
	}
	return &item, nil
}

// ListByChange returns all work items for a change, oldest first.
func (q *Queue) ListByChange(ctx context.Context, changeID string) ([]WorkItem, error) {
	var items []WorkItem
	err := q.db.WithContext(ctx).
		Where("change_id = ?", changeID).
		Order("created_at ASC, id ASC").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("list work items: %w", err)
	}
	return items, nil
}
