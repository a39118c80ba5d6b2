package emergency

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EmergencyStore provides database operations for emergency updates.
type EmergencyStore struct {
	db *gorm.DB
}

// NewEmergencyStore creates a new EmergencyStore.
func NewEmergencyStore(db *gorm.DB) *EmergencyStore {
	return &EmergencyStore{db: db}
}

// AutoMigrate creates or updates the emergency_updates table.
func (s *EmergencyStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&EmergencyRecord{}); err != nil {
		return fmt.Errorf("auto-migrate emergency updates: %w", err)
	}
	return nil
}

// Create persists a new emergency in the declared phase.
func (s *EmergencyStore) Create(ctx context.Context, record *EmergencyRecord) (*EmergencyRecord, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Status == "" {
		record.Status = string(StatusDeclared)
	}
	if record.Priority == "" {
		record.Priority = "critical"
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, fmt.Errorf("create emergency: %w", err)
	}
	return record, nil
}

// Get retrieves an emergency by ID. Returns nil if not found.
func (s *EmergencyStore) Get(ctx context.Context, id string) (*EmergencyRecord, error) {
	var record EmergencyRecord
	if err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get emergency: %w", err)
	}
	return &record, nil
}

// List returns paginated emergencies, newest first, optionally filtered by
// status and type.
func (s *EmergencyStore) List(ctx context.Context, status Status, typ Type, pageSize int, pageToken string) ([]EmergencyRecord, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	buildQuery := func(base *gorm.DB) *gorm.DB {
		q := base.Model(&EmergencyRecord{})
		if status != "" {
			q = q.Where("status = ?", string(status))
		}
		if typ != "" {
			q = q.Where("type = ?", string(typ))
		}
		return q
	}

	var totalSize int64
	if err := buildQuery(s.db.WithContext(ctx)).Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count emergencies: %w", err)
	}

	query := buildQuery(s.db.WithContext(ctx)).Order("created_at DESC, id DESC").Limit(pageSize + 1)
	if pageToken != "" {
		t, err := time.Parse(time.RFC3339Nano, pageToken)
		if err != nil {
			return nil, "", 0, fmt.Errorf("invalid page token: %w", err)
		}
		query = query.Where("created_at < ?", t)
	}

	var records []EmergencyRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list emergencies: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		nextToken = records[pageSize-1].CreatedAt.Format(time.RFC3339Nano)
		records = records[:pageSize]
	}

	return records, nextToken, int(totalSize), nil
}

// SetChangeID links the registry change created for an emergency.
func (s *EmergencyStore) SetChangeID(ctx context.Context, id, changeID string) error {
	err := s.db.WithContext(ctx).Model(&EmergencyRecord{}).
		Where("id = ?", id).
		Update("change_id", changeID).Error
	if err != nil {
		return fmt.Errorf("set change id: %w", err)
	}
	return nil
}

// MarkActive claims the activation of a declared emergency. The guarded
// update means exactly one concurrent activation wins.
func (s *EmergencyStore) MarkActive(ctx context.Context, id string, at time.Time) (bool, error) {
	result := s.db.WithContext(ctx).Model(&EmergencyRecord{}).
		Where("id = ? AND status = ?", id, string(StatusDeclared)).
		Updates(map[string]any{
			"status":       string(StatusActive),
			"activated_at": at,
		})
	if result.Error != nil {
		return false, fmt.Errorf("mark emergency active: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// MarkContained moves an active emergency to contained.
func (s *EmergencyStore) MarkContained(ctx context.Context, id string) (bool, error) {
	result := s.db.WithContext(ctx).Model(&EmergencyRecord{}).
		Where("id = ? AND status = ?", id, string(StatusActive)).
		Update("status", string(StatusContained))
	if result.Error != nil {
		return false, fmt.Errorf("mark emergency contained: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// MarkResolved moves a contained emergency to resolved.
func (s *EmergencyStore) MarkResolved(ctx context.Context, id string, at time.Time) (bool, error) {
	result := s.db.WithContext(ctx).Model(&EmergencyRecord{}).
		Where("id = ? AND status = ?", id, string(StatusContained)).
		Updates(map[string]any{
			"status":      string(StatusResolved),
			"resolved_at": at,
		})
	if result.Error != nil {
		return false, fmt.Errorf("mark emergency resolved: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// SaveImmediateActions records the activation checklist results.
func (s *EmergencyStore) SaveImmediateActions(ctx context.Context, id string, actions ActionList) error {
	err := s.db.WithContext(ctx).Model(&EmergencyRecord{}).
		Where("id = ?", id).
		Update("immediate_actions", actions).Error
	if err != nil {
		return fmt.Errorf("save immediate actions: %w", err)
	}
	return nil
}

// SaveContainmentSteps records the containment-phase results.
func (s *EmergencyStore) SaveContainmentSteps(ctx context.Context, id string, steps ActionList) error {
	err := s.db.WithContext(ctx).Model(&EmergencyRecord{}).
		Where("id = ?", id).
		Update("containment_steps", steps).Error
	if err != nil {
		return fmt.Errorf("save containment steps: %w", err)
	}
	return nil
}

// SaveRecoverySteps records the recovery-phase results.
func (s *EmergencyStore) SaveRecoverySteps(ctx context.Context, id string, steps ActionList) error {
	err := s.db.WithContext(ctx).Model(&EmergencyRecord{}).
		Where("id = ?", id).
		Update("recovery_steps", steps).Error
	if err != nil {
		return fmt.Errorf("save recovery steps: %w", err)
	}
	return nil
}
