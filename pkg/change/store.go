package change

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Store provides persistence for security change records. All status
// mutations go through UpdateStatus with a guarded WHERE clause so two
// concurrent transitions cannot both win.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new change Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the change and audit tables.
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(&SecurityChangeRecord{}); err != nil {
		return fmt.Errorf("auto-migrate security_changes: %w", err)
	}
	if err := s.db.AutoMigrate(&AuditEntryRecord{}); err != nil {
		return fmt.Errorf("auto-migrate audit_entries: %w", err)
	}
	return nil
}

// Create persists a new change record. The ID is assigned when absent.
func (s *Store) Create(ctx context.Context, record *SecurityChangeRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.Status == "" {
		record.Status = string(StatePending)
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("create change record: %w", err)
	}
	return nil
}

// Get retrieves a change record by ID. Returns nil, nil if no record exists.
func (s *Store) Get(ctx context.Context, id string) (*SecurityChangeRecord, error) {
	var record SecurityChangeRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&record).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get change record: %w", err)
	}
	return &record, nil
}

// UpdateStatus moves a change from one status to another. The WHERE clause
// carries the expected current status; zero rows affected means another
// writer got there first.
func (s *Store) UpdateStatus(ctx context.Context, id string, from, to State) (bool, error) {
	result := s.db.WithContext(ctx).Model(&SecurityChangeRecord{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(map[string]any{
			"status":     string(to),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("update change status: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// SetWorkflowID links an approval workflow to a change.
func (s *Store) SetWorkflowID(ctx context.Context, id, workflowID string) error {
	err := s.db.WithContext(ctx).Model(&SecurityChangeRecord{}).
		Where("id = ?", id).Update("workflow_id", workflowID).Error
	if err != nil {
		return fmt.Errorf("set workflow id: %w", err)
	}
	return nil
}

// SetRollbackID links a rollback procedure to a change.
func (s *Store) SetRollbackID(ctx context.Context, id, rollbackID string) error {
	err := s.db.WithContext(ctx).Model(&SecurityChangeRecord{}).
		Where("id = ?", id).Update("rollback_id", rollbackID).Error
	if err != nil {
		return fmt.Errorf("set rollback id: %w", err)
	}
	return nil
}

// List returns paginated change records, newest first, narrowed by filter.
// pageToken is an RFC3339Nano timestamp; records created before it are
// returned.
func (s *Store) List(ctx context.Context, filter ListFilter, pageSize int, pageToken string) ([]SecurityChangeRecord, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	applyFilter := func(q *gorm.DB) *gorm.DB {
		if filter.Status != "" {
			q = q.Where("status = ?", string(filter.Status))
		}
		if filter.Category != "" {
			q = q.Where("category = ?", string(filter.Category))
		}
		if filter.CreatedBy != "" {
			q = q.Where("created_by = ?", filter.CreatedBy)
		}
		if filter.System != "" {
			// Affected systems are stored as a JSON array of strings.
			q = q.Where("affected_systems LIKE ?", "%\""+filter.System+"\"%")
		}
		return q
	}

	var totalSize int64
	if err := applyFilter(s.db.WithContext(ctx).Model(&SecurityChangeRecord{})).Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count change records: %w", err)
	}

	query := applyFilter(s.db.WithContext(ctx)).Order("created_at DESC").Limit(pageSize + 1)
	if pageToken != "" {
		t, err := time.Parse(time.RFC3339Nano, pageToken)
		if err != nil {
			return nil, "", 0, fmt.Errorf("invalid page token: %w", err)
		}
		query = query.Where("created_at < ?", t)
	}

	var records []SecurityChangeRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list change records: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		nextToken = records[pageSize-1].CreatedAt.Format(time.RFC3339Nano)
		records = records[:pageSize]
	}

	return records, nextToken, int(totalSize), nil
}
