package rollback

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// ProcedureStatus tracks one rollback attempt.
type ProcedureStatus string

const (
	StatusPending    ProcedureStatus = "pending"
	StatusInProgress ProcedureStatus = "in-progress"
	StatusCompleted  ProcedureStatus = "completed"
	StatusFailed     ProcedureStatus = "failed"
)

// Step names recorded on procedures.
const (
	StepVerifySnapshot  = "verify-snapshot"
	StepStopServices    = "stop-services"
	StepRestoreFiles    = "restore-files"
	StepStartServices   = "start-services"
	StepHealthCheck     = "health-check"
	StepChecksumCompare = "checksum-compare"
)

// StepResult is one executed restore or verification step.
type StepResult struct {
	Name   string `json:"name"`
	System string `json:"system,omitempty"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
	Millis int64  `json:"millis"`
}

const (
	StepOK      = "ok"
	StepFailed  = "failed"
	StepSkipped = "skipped"
)

// StepList stores ordered step results as a JSON column.
type StepList []StepResult

func (l *StepList) Scan(value interface{}) error {
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
		return fmt.Errorf("unsupported type for StepList: %T", value)
	}
	if len(data) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(data, l)
}

func (l StepList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

// ProcedureRecord is the GORM model for rollback procedures.
type ProcedureRecord struct {
	ID             string     `gorm:"column:id;primaryKey;type:varchar(36)"`
	ChangeID       string     `gorm:"column:change_id;type:varchar(36);index:idx_procedures_change;not null"`
	Status         string     `gorm:"column:status;type:varchar(32);not null;default:pending"`
	SnapshotID     string     `gorm:"column:snapshot_id;type:varchar(36)"`
	BackupLocation string     `gorm:"column:backup_location;type:varchar(512)"`
	Steps          StepList   `gorm:"column:steps;type:text"`
	Verifications  StepList   `gorm:"column:verifications;type:text"`
	ErrorMessage   string     `gorm:"column:error_message;type:text"`
	StartedAt      *time.Time `gorm:"column:started_at"`
	CompletedAt    *time.Time `gorm:"column:completed_at"`
	DurationMillis int64      `gorm:"column:duration_millis;not null;default:0"`
	CreatedAt      time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (ProcedureRecord) TableName() string { return "rollback_procedures" }

// Procedure is the API representation of a rollback attempt.
type Procedure struct {
	ID             string          `json:"id"`
	ChangeID       string          `json:"changeId"`
	Status         ProcedureStatus `json:"status"`
	SnapshotID     string          `json:"snapshotId,omitempty"`
	BackupLocation string          `json:"backupLocation,omitempty"`
	Steps          []StepResult    `json:"steps,omitempty"`
	Verifications  []StepResult    `json:"verifications,omitempty"`
	ErrorMessage   string          `json:"errorMessage,omitempty"`
	StartedAt      string          `json:"startedAt,omitempty"`
	CompletedAt    string          `json:"completedAt,omitempty"`
	DurationMillis int64           `json:"durationMillis"`
	CreatedAt      string          `json:"createdAt"`
	UpdatedAt      string          `json:"updatedAt"`
}

func (r *ProcedureRecord) ToAPI() *Procedure {
	p := &Procedure{
		ID:             r.ID,
		ChangeID:       r.ChangeID,
		Status:         ProcedureStatus(r.Status),
		SnapshotID:     r.SnapshotID,
		BackupLocation: r.BackupLocation,
		Steps:          []StepResult(r.Steps),
		Verifications:  []StepResult(r.Verifications),
		ErrorMessage:   r.ErrorMessage,
		DurationMillis: r.DurationMillis,
		CreatedAt:      r.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:      r.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if r.StartedAt != nil {
		p.StartedAt = r.StartedAt.UTC().Format(time.RFC3339)
	}
	if r.CompletedAt != nil {
		p.CompletedAt = r.CompletedAt.UTC().Format(time.RFC3339)
	}
	return p
}
