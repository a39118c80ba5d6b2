package change

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AuditStore provides append-only operations for the change audit trail.
// Entries within one change are ordered by a per-change Seq counter, not by
// wall-clock time, so clock skew can never reorder the compliance record.
type AuditStore struct {
	db *gorm.DB
}

// NewAuditStore creates a new AuditStore.
func NewAuditStore(db *gorm.DB) *AuditStore {
	return &AuditStore{db: db}
}

// Append writes a new immutable audit entry, assigning the next Seq for the
// change inside a transaction. The unique (change_id, seq) index backstops
// concurrent appenders; on a collision the insert is retried with a fresh
// counter read.
func (s *AuditStore) Append(ctx context.Context, entry *AuditEntryRecord) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.ChangeID == "" {
		return fmt.Errorf("append audit entry: change id is required")
	}

	const maxRetries = 3
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		lastErr = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if entry.Seq == 0 {
				var maxSeq int64
				err := tx.Model(&AuditEntryRecord{}).
					Where("change_id = ?", entry.ChangeID).
					Select("COALESCE(MAX(seq), 0)").
					Scan(&maxSeq).Error
				if err != nil {
					return fmt.Errorf("read audit sequence: %w", err)
				}
				entry.Seq = maxSeq + 1
			}
			if err := tx.Create(entry).Error; err != nil {
				return fmt.Errorf("append audit entry: %w", err)
			}
			return nil
		})
		if lastErr == nil {
			return nil
		}
		// A unique-index collision means another appender claimed the same
		// Seq; clear it and try again with a fresh read.
		entry.Seq = 0
	}
	return lastErr
}

// AppendInTx is Append for callers already inside a transaction, reusing
// their tx handle so the entry commits atomically with the state change.
func (s *AuditStore) AppendInTx(tx *gorm.DB, entry *AuditEntryRecord) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.ChangeID == "" {
		return fmt.Errorf("append audit entry: change id is required")
	}
	if entry.Seq == 0 {
		var maxSeq int64
		err := tx.Model(&AuditEntryRecord{}).
			Where("change_id = ?", entry.ChangeID).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&maxSeq).Error
		if err != nil {
			return fmt.Errorf("read audit sequence: %w", err)
		}
		entry.Seq = maxSeq + 1
	}
	if err := tx.Create(entry).Error; err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// ListByChange returns audit entries for one change ordered by Seq ASC.
// pageToken is the Seq of the last entry from the previous page; pass ""
// for the first page.
func (s *AuditStore) ListByChange(ctx context.Context, changeID string, pageSize int, pageToken string) ([]AuditEntryRecord, string, int, error) {
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}

	var totalSize int64
	if err := s.db.WithContext(ctx).Model(&AuditEntryRecord{}).Where("change_id = ?", changeID).Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count audit entries: %w", err)
	}

	query := s.db.WithContext(ctx).Where("change_id = ?", changeID).Order("seq ASC").Limit(pageSize + 1)
	if pageToken != "" {
		var afterSeq int64
		if _, err := fmt.Sscanf(pageToken, "%d", &afterSeq); err != nil {
			return nil, "", 0, fmt.Errorf("invalid page token: %w", err)
		}
		query = query.Where("seq > ?", afterSeq)
	}

	var records []AuditEntryRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list audit entries: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		nextToken = fmt.Sprintf("%d", records[pageSize-1].Seq)
		records = records[:pageSize]
	}

	return records, nextToken, int(totalSize), nil
}

// ListAll returns paginated audit entries across all changes, newest first,
// optionally filtered by action and actor. pageToken is an RFC3339Nano
// timestamp.
func (s *AuditStore) ListAll(ctx context.Context, action, actor string, pageSize int, pageToken string) ([]AuditEntryRecord, string, int, error) {
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}

	applyFilter := func(q *gorm.DB) *gorm.DB {
		if action != "" {
			q = q.Where("action = ?", action)
		}
		if actor != "" {
			q = q.Where("actor = ?", actor)
		}
		return q
	}

	var totalSize int64
	if err := applyFilter(s.db.WithContext(ctx).Model(&AuditEntryRecord{})).Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count audit entries: %w", err)
	}

	query := applyFilter(s.db.WithContext(ctx)).Order("created_at DESC").Limit(pageSize + 1)
	if pageToken != "" {
		t, err := time.Parse(time.RFC3339Nano, pageToken)
		if err != nil {
			return nil, "", 0, fmt.Errorf("invalid page token: %w", err)
		}
		query = query.Where("created_at < ?", t)
	}

	var records []AuditEntryRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list all audit entries: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		nextToken = records[pageSize-1].CreatedAt.Format(time.RFC3339Nano)
		records = records[:pageSize]
	}

	return records, nextToken, int(totalSize), nil
}

// DeleteOlderThan deletes audit entries created before the cutoff. Retention
// enforcement is the only path that removes audit rows.
func (s *AuditStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&AuditEntryRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete old audit entries: %w", result.Error)
	}
	return result.RowsAffected, nil
}
