package emergency

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/changegate/changegate/pkg/change"
)

// Type classifies the incident driving an emergency update.
type Type string

const (
	TypeDataBreach            Type = "data-breach"
	TypeCriticalVulnerability Type = "critical-vulnerability"
	TypeRansomware            Type = "ransomware"
	TypeOther                 Type = "other"
)

// ValidType reports whether t is a known emergency type.
func ValidType(t Type) bool {
	switch t {
	case TypeDataBreach, TypeCriticalVulnerability, TypeRansomware, TypeOther:
		return true
	}
	return false
}

// Level grades the severity of an emergency.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
	LevelCrisis   Level = "crisis"
)

// ValidLevel reports whether l is a known severity level.
func ValidLevel(l Level) bool {
	switch l {
	case LevelLow, LevelMedium, LevelHigh, LevelCritical, LevelCrisis:
		return true
	}
	return false
}

// Status is the response phase of an emergency. Phases only move forward:
// declared → active → contained → resolved.
type Status string

const (
	StatusDeclared  Status = "declared"
	StatusActive    Status = "active"
	StatusContained Status = "contained"
	StatusResolved  Status = "resolved"
)

// Action result statuses.
const (
	ActionOK     = "ok"
	ActionFailed = "failed"
)

// ActionResult records one executed response action.
type ActionResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
	Millis int64  `json:"millis"`
}

// Failed counts the actions that did not succeed.
func Failed(results []ActionResult) int {
	n := 0
	for _, r := range results {
		if r.Status == ActionFailed {
			n++
		}
	}
	return n
}

// ActionList stores action results as a JSON column.
type ActionList []ActionResult

// Scan implements sql.Scanner.
func (l *ActionList) Scan(value any) error {
	if value == nil {
		*l = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for ActionList: %T", value)
	}
	if len(data) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(data, l)
}

// Value implements driver.Valuer.
func (l ActionList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// EmergencyRecord is the GORM model for an emergency update.
type EmergencyRecord struct {
	ID               string                 `gorm:"primaryKey;column:id;type:varchar(36)"`
	Title            string                 `gorm:"column:title;not null"`
	Description      string                 `gorm:"column:description;type:text"`
	Type             string                 `gorm:"column:type;index:idx_emergencies_type;not null"`
	Level            string                 `gorm:"column:level;not null"`
	Status           string                 `gorm:"column:status;index:idx_emergencies_status;not null;default:declared"`
	AffectedSystems  change.JSONStringSlice `gorm:"column:affected_systems;type:text"`
	AffectedServices change.JSONStringSlice `gorm:"column:affected_services;type:text"`
	ThreatIndicators change.JSONStringSlice `gorm:"column:threat_indicators;type:text"`
	Contacts         change.JSONStringSlice `gorm:"column:contacts;type:text"`
	Priority         string                 `gorm:"column:priority;not null;default:critical"`
	EstimatedMinutes int                    `gorm:"column:estimated_minutes"`
	ImmediateActions ActionList             `gorm:"column:immediate_actions;type:text"`
	ContainmentSteps ActionList             `gorm:"column:containment_steps;type:text"`
	RecoverySteps    ActionList             `gorm:"column:recovery_steps;type:text"`
	ChangeID         string                 `gorm:"column:change_id;index:idx_emergencies_change;type:varchar(36)"`
	CreatedBy        string                 `gorm:"column:created_by"`
	CreatedAt        time.Time              `gorm:"column:created_at;autoCreateTime;index:idx_emergencies_created"`
	UpdatedAt        time.Time              `gorm:"column:updated_at;autoUpdateTime"`
	ActivatedAt      *time.Time             `gorm:"column:activated_at"`
	ResolvedAt       *time.Time             `gorm:"column:resolved_at"`
}

// TableName returns the GORM table name.
func (EmergencyRecord) TableName() string { return "emergency_updates" }

// EmergencyUpdate is the API representation of an emergency.
type EmergencyUpdate struct {
	ID               string         `json:"id"`
	Title            string         `json:"title"`
	Description      string         `json:"description,omitempty"`
	Type             Type           `json:"type"`
	Level            Level          `json:"level"`
	Status           Status         `json:"status"`
	AffectedSystems  []string       `json:"affectedSystems,omitempty"`
	AffectedServices []string       `json:"affectedServices,omitempty"`
	ThreatIndicators []string       `json:"threatIndicators,omitempty"`
	Contacts         []string       `json:"contacts,omitempty"`
	Priority         string         `json:"priority"`
	EstimatedMinutes int            `json:"estimatedResolutionMinutes,omitempty"`
	ImmediateActions []ActionResult `json:"immediateActions,omitempty"`
	ContainmentSteps []ActionResult `json:"containmentSteps,omitempty"`
	RecoverySteps    []ActionResult `json:"recoverySteps,omitempty"`
	ChangeID         string         `json:"changeId,omitempty"`
	CreatedBy        string         `json:"createdBy,omitempty"`
	CreatedAt        string         `json:"createdAt"`
	UpdatedAt        string         `json:"updatedAt"`
	ActivatedAt      string         `json:"activatedAt,omitempty"`
	ResolvedAt       string         `json:"resolvedAt,omitempty"`
}

// ToAPI converts the stored record to its API representation.
func (r *EmergencyRecord) ToAPI() *EmergencyUpdate {
	e := &EmergencyUpdate{
		ID:               r.ID,
		Title:            r.Title,
		Description:      r.Description,
		Type:             Type(r.Type),
		Level:            Level(r.Level),
		Status:           Status(r.Status),
		AffectedSystems:  r.AffectedSystems,
		AffectedServices: r.AffectedServices,
		ThreatIndicators: r.ThreatIndicators,
		Contacts:         r.Contacts,
		Priority:         r.Priority,
		EstimatedMinutes: r.EstimatedMinutes,
		ImmediateActions: r.ImmediateActions,
		ContainmentSteps: r.ContainmentSteps,
		RecoverySteps:    r.RecoverySteps,
		ChangeID:         r.ChangeID,
		CreatedBy:        r.CreatedBy,
		CreatedAt:        r.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:        r.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if r.ActivatedAt != nil {
		e.ActivatedAt = r.ActivatedAt.UTC().Format(time.RFC3339)
	}
	if r.ResolvedAt != nil {
		e.ResolvedAt = r.ResolvedAt.UTC().Format(time.RFC3339)
	}
	return e
}

// EmergencyList is a paginated set of emergencies.
type EmergencyList struct {
	Emergencies   []EmergencyUpdate `json:"emergencies"`
	NextPageToken string            `json:"nextPageToken,omitempty"`
	TotalSize     int               `json:"totalSize"`
}
