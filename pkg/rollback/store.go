package rollback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ProcedureStore persists rollback procedures.
type ProcedureStore struct {
	db *gorm.DB
}

func NewProcedureStore(db *gorm.DB) *ProcedureStore {
	return &ProcedureStore{db: db}
}

func (s *ProcedureStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&ProcedureRecord{}); err != nil {
		return fmt.Errorf("auto-migrate rollback procedures: %w", err)
	}
	return nil
}

func (s *ProcedureStore) Create(ctx context.Context, record *ProcedureRecord) (*ProcedureRecord, error) {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.ChangeID == "" {
		return nil, fmt.Errorf("change ID is required")
	}
	if record.Status == "" {
		record.Status = string(StatusPending)
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, err
	}
	return record, nil
}

func (s *ProcedureStore) Get(ctx context.Context, id string) (*ProcedureRecord, error) {
	var record ProcedureRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// Latest returns the most recent procedure for a change, or nil.
func (s *ProcedureStore) Latest(ctx context.Context, changeID string) (*ProcedureRecord, error) {
	var record ProcedureRecord
	err := s.db.WithContext(ctx).
		Where("change_id = ?", changeID).
		Order("created_at DESC").
		Order("id DESC").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (s *ProcedureStore) ListByChange(ctx context.Context, changeID string) ([]ProcedureRecord, error) {
	var records []ProcedureRecord
	err := s.db.WithContext(ctx).
		Where("change_id = ?", changeID).
		Order("created_at DESC").
		Order("id DESC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Finish writes the terminal fields of a procedure in one update.
func (s *ProcedureStore) Finish(ctx context.Context, record *ProcedureRecord) error {
	updates := map[string]interface{}{
		"status":          record.Status,
		"steps":           record.Steps,
		"verifications":   record.Verifications,
		"error_message":   record.ErrorMessage,
		"completed_at":    record.CompletedAt,
		"duration_millis": record.DurationMillis,
		"updated_at":      time.Now().UTC(),
	}
	return s.db.WithContext(ctx).
		Model(&ProcedureRecord{}).
		Where("id = ?", record.ID).
		Updates(updates).Error
}
