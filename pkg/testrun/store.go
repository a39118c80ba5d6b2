package testrun

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ResultStore persists immutable test results.
type ResultStore struct {
	db *gorm.DB
}

// NewResultStore creates a new ResultStore.
func NewResultStore(db *gorm.DB) *ResultStore {
	return &ResultStore{db: db}
}

// AutoMigrate creates or updates the test result table.
func (s *ResultStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&TestResultRecord{}); err != nil {
		return fmt.Errorf("auto-migrate test_results: %w", err)
	}
	return nil
}

// CreateBatch writes all results of one battery run in a single transaction.
func (s *ResultStore) CreateBatch(ctx context.Context, records []TestResultRecord) error {
	if len(records) == 0 {
		return nil
	}
	for i := range records {
		if records[i].ID == "" {
			records[i].ID = uuid.New().String()
		}
	}
	if err := s.db.WithContext(ctx).Create(&records).Error; err != nil {
		return fmt.Errorf("create test results: %w", err)
	}
	return nil
}

// ListByChange returns every result recorded for a change, oldest first.
func (s *ResultStore) ListByChange(ctx context.Context, changeID string) ([]TestResultRecord, error) {
	var records []TestResultRecord
	err := s.db.WithContext(ctx).
		Where("change_id = ?", changeID).
		Order("created_at ASC, name ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list test results: %w", err)
	}
	return records, nil
}
