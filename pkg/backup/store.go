package backup

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SnapshotStore persists snapshot metadata. Payloads live in the Backend.
type SnapshotStore struct {
	db *gorm.DB
}

func NewSnapshotStore(db *gorm.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&SnapshotRecord{}); err != nil {
		return fmt.Errorf("auto-migrate snapshots: %w", err)
	}
	return nil
}

func (s *SnapshotStore) Create(ctx context.Context, record *SnapshotRecord) (*SnapshotRecord, error) {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.ChangeID == "" {
		return nil, fmt.Errorf("change ID is required")
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, err
	}
	return record, nil
}

func (s *SnapshotStore) Get(ctx context.Context, id string) (*SnapshotRecord, error) {
	var record SnapshotRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// Latest returns the most recent snapshot for a change, or nil when none
// was ever captured.
func (s *SnapshotStore) Latest(ctx context.Context, changeID string) (*SnapshotRecord, error) {
	var record SnapshotRecord
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

func (s *SnapshotStore) ListByChange(ctx context.Context, changeID string) ([]SnapshotRecord, error) {
	var records []SnapshotRecord
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
