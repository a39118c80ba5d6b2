package approval

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/changegate/changegate/pkg/change"
)

// RequirementList stores the per-workflow stage requirement snapshot as a
// JSON column.
type RequirementList []StageRequirement

func (r *RequirementList) Scan(value interface{}) error {
	if value == nil {
		*r = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for RequirementList: %T", value)
	}
	if len(data) == 0 {
		*r = nil
		return nil
	}
	return json.Unmarshal(data, r)
}

func (r RequirementList) Value() (driver.Value, error) {
	if r == nil {
		return nil, nil
	}
	return json.Marshal(r)
}

// WorkflowRecord is the GORM model for staged approval workflows. The
// stage requirements are snapshotted from the policy at creation time.
type WorkflowRecord struct {
	ID                 string                 `gorm:"column:id;primaryKey;type:varchar(36)"`
	ChangeID           string                 `gorm:"column:change_id;type:varchar(36);uniqueIndex:idx_workflows_change;not null"`
	Kind               string                 `gorm:"column:kind;type:varchar(32);not null"`
	Status             string                 `gorm:"column:status;type:varchar(32);index:idx_workflows_status;not null;default:in-progress"`
	CurrentStage       string                 `gorm:"column:current_stage;type:varchar(64);not null"`
	Requirements       RequirementList        `gorm:"column:requirements;type:text;not null"`
	Deadline           *time.Time             `gorm:"column:deadline;index:idx_workflows_deadline"`
	GraceUsed          bool                   `gorm:"column:grace_used;not null;default:false"`
	EscalationContacts change.JSONStringSlice `gorm:"column:escalation_contacts;type:text"`
	CreatedAt          time.Time              `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time              `gorm:"column:updated_at;autoUpdateTime"`
}

func (WorkflowRecord) TableName() string { return "approval_workflows" }

// StageApprovalRecord is one recorded decision. Rows are append-only;
// concurrent approvers each insert their own row and stage advancement
// is computed from the full set.
type StageApprovalRecord struct {
	ID         string                 `gorm:"column:id;primaryKey;type:varchar(36)"`
	WorkflowID string                 `gorm:"column:workflow_id;type:varchar(36);index:idx_stage_approvals_workflow;not null"`
	Stage      string                 `gorm:"column:stage;type:varchar(64);index:idx_stage_approvals_stage;not null"`
	Approver   string                 `gorm:"column:approver;type:varchar(255);not null"`
	Roles      change.JSONStringSlice `gorm:"column:roles;type:text"`
	Decision   string                 `gorm:"column:decision;type:varchar(16);not null"`
	Comments   string                 `gorm:"column:comments;type:text"`
	Override   bool                   `gorm:"column:override;not null;default:false"`
	CreatedAt  time.Time              `gorm:"column:created_at;autoCreateTime"`
}

func (StageApprovalRecord) TableName() string { return "stage_approvals" }

const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// Workflow is the API representation of an approval workflow.
type Workflow struct {
	ID                 string             `json:"id"`
	ChangeID           string             `json:"changeId"`
	Kind               Kind               `json:"kind"`
	Status             Status             `json:"status"`
	CurrentStage       Stage              `json:"currentStage"`
	Requirements       []StageRequirement `json:"requirements"`
	Deadline           string             `json:"deadline,omitempty"`
	GraceUsed          bool               `json:"graceUsed"`
	EscalationContacts []string           `json:"escalationContacts,omitempty"`
	Approvals          []StageApproval    `json:"approvals,omitempty"`
	CreatedAt          string             `json:"createdAt"`
	UpdatedAt          string             `json:"updatedAt"`
}

// StageApproval is the API representation of one recorded decision.
type StageApproval struct {
	ID         string   `json:"id"`
	WorkflowID string   `json:"workflowId"`
	Stage      Stage    `json:"stage"`
	Approver   string   `json:"approver"`
	Roles      []string `json:"roles,omitempty"`
	Decision   string   `json:"decision"`
	Comments   string   `json:"comments,omitempty"`
	Override   bool     `json:"override,omitempty"`
	CreatedAt  string   `json:"createdAt"`
}

// ToAPI converts the record to its API form. Approvals are attached by
// the caller when requested.
func (r *WorkflowRecord) ToAPI() *Workflow {
	w := &Workflow{
		ID:                 r.ID,
		ChangeID:           r.ChangeID,
		Kind:               Kind(r.Kind),
		Status:             Status(r.Status),
		CurrentStage:       Stage(r.CurrentStage),
		Requirements:       []StageRequirement(r.Requirements),
		GraceUsed:          r.GraceUsed,
		EscalationContacts: []string(r.EscalationContacts),
		CreatedAt:          r.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:          r.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if r.Deadline != nil {
		w.Deadline = r.Deadline.UTC().Format(time.RFC3339)
	}
	return w
}

func (r *StageApprovalRecord) ToAPI() *StageApproval {
	return &StageApproval{
		ID:         r.ID,
		WorkflowID: r.WorkflowID,
		Stage:      Stage(r.Stage),
		Approver:   r.Approver,
		Roles:      []string(r.Roles),
		Decision:   r.Decision,
		Comments:   r.Comments,
		Override:   r.Override,
		CreatedAt:  r.CreatedAt.UTC().Format(time.RFC3339),
	}
}
