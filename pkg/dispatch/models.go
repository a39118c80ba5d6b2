package dispatch

import (
	"time"
)

// Kind identifies the operation a work item defers.
type Kind string

const (
	// KindRunTests executes the automated test battery for a change.
	KindRunTests Kind = "run_tests"
	// KindDeployChange deploys an approved change at its scheduled time.
	KindDeployChange Kind = "deploy_change"
)

// ValidKind reports whether k is a known work item kind.
func ValidKind(k Kind) bool {
	switch k {
	case KindRunTests, KindDeployChange:
		return true
	}
	return false
}

// State represents the lifecycle state of a work item.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
)

// WorkItem is the GORM model for a deferred operation on a change.
type WorkItem struct {
	ID             string     `gorm:"primaryKey;column:id;type:varchar(36)"`
	Kind           Kind       `gorm:"column:kind;index:idx_work_kind_state,priority:1;not null"`
	ChangeID       string     `gorm:"column:change_id;type:varchar(36);index:idx_work_change;not null"`
	IdempotencyKey string     `gorm:"column:idempotency_key;uniqueIndex:idx_work_idemp_key"`
	State          State      `gorm:"column:state;index:idx_work_kind_state,priority:2;index:idx_work_state;not null;default:queued"`
	DueAt          time.Time  `gorm:"column:due_at;index:idx_work_due;not null"`
	Attempts       int        `gorm:"column:attempts;default:0"`
	MaxAttempts    int        `gorm:"column:max_attempts;default:3"`
	LastError      string     `gorm:"column:last_error"`
	LeaseOwner     string     `gorm:"column:lease_owner"`
	LeaseExpiresAt *time.Time `gorm:"column:lease_expires_at"`
	CreatedAt      time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the GORM table name.
func (WorkItem) TableName() string { return "work_items" }

// IsTerminal returns true if the item is in a terminal state.
func (w *WorkItem) IsTerminal() bool {
	switch w.State {
	case StateSucceeded, StateFailed, StateCanceled:
		return true
	}
	return false
}

// IdemKey builds the idempotency key that makes Enqueue collapse duplicate
// requests for the same operation on the same change.
func IdemKey(kind Kind, changeID string) string {
	return string(kind) + ":" + changeID
}
