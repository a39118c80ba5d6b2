package change

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONStringSlice is a custom GORM type for []string stored as JSON.
type JSONStringSlice []string

// Scan implements the sql.Scanner interface for JSONStringSlice.
func (s *JSONStringSlice) Scan(value any) error {
	if value == nil {
		*s = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for JSONStringSlice: %T", value)
	}
	return json.Unmarshal(bytes, s)
}

// Value implements the driver.Valuer interface for JSONStringSlice.
func (s JSONStringSlice) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// JSONAny is a custom GORM type for map[string]any stored as JSON.
type JSONAny map[string]any

// Scan implements the sql.Scanner interface for JSONAny.
func (m *JSONAny) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for JSONAny: %T", value)
	}
	return json.Unmarshal(bytes, m)
}

// Value implements the driver.Valuer interface for JSONAny.
func (m JSONAny) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// SecurityChangeRecord is the persisted form of a security change.
type SecurityChangeRecord struct {
	ID                       string          `gorm:"primaryKey;column:id;type:varchar(36)"`
	Title                    string          `gorm:"column:title;not null"`
	Description              string          `gorm:"column:description"`
	Category                 string          `gorm:"column:category;index:idx_changes_category;not null"`
	Priority                 string          `gorm:"column:priority;not null"`
	RiskLevel                string          `gorm:"column:risk_level;default:medium;not null"`
	AffectedSystems          JSONStringSlice `gorm:"column:affected_systems;type:text;not null"`
	AffectedServices         JSONStringSlice `gorm:"column:affected_services;type:text"`
	Detail                   JSONAny         `gorm:"column:detail;type:text"`
	TestingRequired          bool            `gorm:"column:testing_required;not null"`
	ApprovalRequired         bool            `gorm:"column:approval_required;not null"`
	ScheduledAt              *time.Time      `gorm:"column:scheduled_at"`
	EstimatedDurationMinutes int             `gorm:"column:estimated_duration_minutes"`
	CreatedBy                string          `gorm:"column:created_by;index:idx_changes_creator;not null"`
	Status                   string          `gorm:"column:status;index:idx_changes_status;default:PENDING;not null"`
	RollbackPlan             string          `gorm:"column:rollback_plan"`
	WorkflowID               string          `gorm:"column:workflow_id"`
	RollbackID               string          `gorm:"column:rollback_id"`
	CreatedAt                time.Time       `gorm:"column:created_at;index:idx_changes_created;autoCreateTime"`
	UpdatedAt                time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the GORM table name.
func (SecurityChangeRecord) TableName() string { return "security_changes" }

// ToAPI converts the record to its API representation.
func (r *SecurityChangeRecord) ToAPI() *SecurityChange {
	c := &SecurityChange{
		ID:                       r.ID,
		Title:                    r.Title,
		Description:              r.Description,
		Category:                 Category(r.Category),
		Priority:                 Priority(r.Priority),
		RiskLevel:                RiskLevel(r.RiskLevel),
		AffectedSystems:          r.AffectedSystems,
		AffectedServices:         r.AffectedServices,
		Detail:                   r.Detail,
		TestingRequired:          r.TestingRequired,
		ApprovalRequired:         r.ApprovalRequired,
		EstimatedDurationMinutes: r.EstimatedDurationMinutes,
		CreatedBy:                r.CreatedBy,
		Status:                   State(r.Status),
		RollbackPlan:             r.RollbackPlan,
		WorkflowID:               r.WorkflowID,
		RollbackID:               r.RollbackID,
		CreatedAt:                r.CreatedAt.Format(time.RFC3339),
		UpdatedAt:                r.UpdatedAt.Format(time.RFC3339),
	}
	if r.ScheduledAt != nil {
		c.ScheduledAt = r.ScheduledAt.Format(time.RFC3339)
	}
	return c
}

// AuditEntryRecord is an immutable, per-change-ordered audit trail entry.
type AuditEntryRecord struct {
	ID        string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	ChangeID  string    `gorm:"column:change_id;uniqueIndex:idx_audit_change_seq,priority:1;index:idx_audit_change_time,priority:1;not null"`
	Seq       int64     `gorm:"column:seq;uniqueIndex:idx_audit_change_seq,priority:2;not null"`
	Actor     string    `gorm:"column:actor;not null"`
	Action    string    `gorm:"column:action;index:idx_audit_action;not null"`
	FromState string    `gorm:"column:from_state"`
	ToState   string    `gorm:"column:to_state"`
	Reason    string    `gorm:"column:reason"`
	Detail    JSONAny   `gorm:"column:detail;type:text"`
	CreatedAt time.Time `gorm:"column:created_at;index:idx_audit_change_time,priority:2;index:idx_audit_created;autoCreateTime"`
}

// TableName returns the GORM table name.
func (AuditEntryRecord) TableName() string { return "audit_entries" }

// ToAPI converts the record to its API representation.
func (r *AuditEntryRecord) ToAPI() AuditEntry {
	return AuditEntry{
		ID:        r.ID,
		ChangeID:  r.ChangeID,
		Seq:       r.Seq,
		Actor:     r.Actor,
		Action:    r.Action,
		FromState: State(r.FromState),
		ToState:   State(r.ToState),
		Reason:    r.Reason,
		Detail:    r.Detail,
		CreatedAt: r.CreatedAt.Format(time.RFC3339Nano),
	}
}

// FromAPI builds a record from the API representation. The stored status is
// always forced to PENDING by Registry.Create; callers cannot inject a state.
func FromAPI(c *SecurityChange) *SecurityChangeRecord {
	r := &SecurityChangeRecord{
		ID:                       c.ID,
		Title:                    c.Title,
		Description:              c.Description,
		Category:                 string(c.Category),
		Priority:                 string(c.Priority),
		RiskLevel:                string(c.RiskLevel),
		AffectedSystems:          c.AffectedSystems,
		AffectedServices:         c.AffectedServices,
		Detail:                   c.Detail,
		TestingRequired:          c.TestingRequired,
		ApprovalRequired:         c.ApprovalRequired,
		EstimatedDurationMinutes: c.EstimatedDurationMinutes,
		CreatedBy:                c.CreatedBy,
		RollbackPlan:             c.RollbackPlan,
	}
	if c.ScheduledAt != "" {
		if t, err := time.Parse(time.RFC3339, c.ScheduledAt); err == nil {
			r.ScheduledAt = &t
		}
	}
	return r
}
