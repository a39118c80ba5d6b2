package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// WorkflowStore persists approval workflows and their decisions.
type WorkflowStore struct {
	db *gorm.DB
}

func NewWorkflowStore(db *gorm.DB) *WorkflowStore {
	return &WorkflowStore{db: db}
}

func (s *WorkflowStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&WorkflowRecord{}); err != nil {
		return fmt.Errorf("auto-migrate approval workflows: %w", err)
	}
	if err := s.db.AutoMigrate(&StageApprovalRecord{}); err != nil {
		return fmt.Errorf("auto-migrate stage approvals: %w", err)
	}
	return nil
}

// Create inserts a new workflow. One workflow per change is enforced by a
// unique index on change_id.
func (s *WorkflowStore) Create(ctx context.Context, record *WorkflowRecord) (*WorkflowRecord, error) {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.Status == "" {
		record.Status = string(StatusInProgress)
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, err
	}
	return record, nil
}

func (s *WorkflowStore) Get(ctx context.Context, id string) (*WorkflowRecord, error) {
	var record WorkflowRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (s *WorkflowStore) GetByChange(ctx context.Context, changeID string) (*WorkflowRecord, error) {
	var record WorkflowRecord
	err := s.db.WithContext(ctx).Where("change_id = ?", changeID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// AdvanceStage moves the workflow from one stage to the next. The update
// is guarded on the current stage so concurrent approvers cannot advance
// twice; the return value reports whether this call won.
func (s *WorkflowStore) AdvanceStage(ctx context.Context, id string, from, to Stage) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&WorkflowRecord{}).
		Where("id = ? AND current_stage = ?", id, string(from)).
		Updates(map[string]interface{}{
			"current_stage": string(to),
			"updated_at":    time.Now().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// SetStatus updates the workflow status, guarded on the statuses it may
// currently hold.
func (s *WorkflowStore) SetStatus(ctx context.Context, id string, to Status, from ...Status) (bool, error) {
	fromValues := make([]string, 0, len(from))
	for _, st := range from {
		fromValues = append(fromValues, string(st))
	}
	result := s.db.WithContext(ctx).
		Model(&WorkflowRecord{}).
		Where("id = ? AND status IN ?", id, fromValues).
		Updates(map[string]interface{}{
			"status":     string(to),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// MarkEscalated flips the workflow to escalated and extends the deadline
// in one update. The grace_used guard makes the grace window one-shot
// even with multiple sweepers running.
func (s *WorkflowStore) MarkEscalated(ctx context.Context, id string, deadline time.Time) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&WorkflowRecord{}).
		Where("id = ? AND grace_used = ? AND status = ?", id, false, string(StatusInProgress)).
		Updates(map[string]interface{}{
			"status":     string(StatusEscalated),
			"deadline":   deadline.UTC(),
			"grace_used": true,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// AppendDecision records one approval or rejection. Rows are never
// updated in place.
func (s *WorkflowStore) AppendDecision(ctx context.Context, record *StageApprovalRecord) (*StageApprovalRecord, error) {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.WorkflowID == "" {
		return nil, fmt.Errorf("workflow ID is required")
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, err
	}
	return record, nil
}

// ListDecisions returns all decisions for a workflow in decision order.
func (s *WorkflowStore) ListDecisions(ctx context.Context, workflowID string) ([]StageApprovalRecord, error) {
	var records []StageApprovalRecord
	err := s.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// ListStageDecisions returns the decisions recorded for one stage.
func (s *WorkflowStore) ListStageDecisions(ctx context.Context, workflowID string, stage Stage) ([]StageApprovalRecord, error) {
	var records []StageApprovalRecord
	err := s.db.WithContext(ctx).
		Where("workflow_id = ? AND stage = ?", workflowID, string(stage)).
		Order("created_at ASC").
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// ListOverdue returns workflows still awaiting decisions whose deadline
// passed before now. Used by the escalation worker.
func (s *WorkflowStore) ListOverdue(ctx context.Context, now time.Time) ([]WorkflowRecord, error) {
	var records []WorkflowRecord
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{string(StatusInProgress), string(StatusEscalated)}).
		Where("deadline IS NOT NULL AND deadline < ?", now.UTC()).
		Order("deadline ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
