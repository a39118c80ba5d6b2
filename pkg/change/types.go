package change

// State represents security change lifecycle states.
type State string

const (
	StatePending          State = "PENDING"
	StateTesting          State = "TESTING"
	StateTestingPassed    State = "TESTING_PASSED"
	StateTestingFailed    State = "TESTING_FAILED"
	StateAwaitingApproval State = "AWAITING_APPROVAL"
	StateApproved         State = "APPROVED"
	StateRejected         State = "REJECTED"
	StateDeploying        State = "DEPLOYING"
	StateDeployed         State = "DEPLOYED"
	StateDeployFailed     State = "DEPLOY_FAILED"
	StateRollingBack      State = "ROLLING_BACK"
	StateRolledBack       State = "ROLLED_BACK"
	StateRollbackFailed   State = "ROLLBACK_FAILED"
	StateCancelled        State = "CANCELLED"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateTestingFailed, StateRejected, StateDeployed,
		StateRolledBack, StateRollbackFailed, StateCancelled:
		return true
	}
	return false
}

// Category classifies what kind of system modification a change makes.
type Category string

const (
	CategorySecurityUpdate Category = "security-update"
	CategoryConfiguration  Category = "configuration"
	CategoryPolicy         Category = "policy"
	CategoryCertificate    Category = "certificate"
	CategoryDependency     Category = "dependency"
	CategorySystem         Category = "system"
)

// Priority represents declared change priority.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// RiskLevel represents change risk classification.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// SecurityChange is the API-facing representation of a change.
type SecurityChange struct {
	ID                       string         `json:"id"`
	Title                    string         `json:"title"`
	Description              string         `json:"description,omitempty"`
	Category                 Category       `json:"category"`
	Priority                 Priority       `json:"priority"`
	RiskLevel                RiskLevel      `json:"riskLevel"`
	AffectedSystems          []string       `json:"affectedSystems"`
	AffectedServices         []string       `json:"affectedServices,omitempty"`
	Detail                   map[string]any `json:"detail,omitempty"`
	TestingRequired          bool           `json:"testingRequired"`
	ApprovalRequired         bool           `json:"approvalRequired"`
	ScheduledAt              string         `json:"scheduledAt,omitempty"` // RFC3339
	EstimatedDurationMinutes int            `json:"estimatedDurationMinutes,omitempty"`
	CreatedBy                string         `json:"createdBy"`
	Status                   State          `json:"status"`
	RollbackPlan             string         `json:"rollbackPlan,omitempty"`
	WorkflowID               string         `json:"workflowId,omitempty"`
	RollbackID               string         `json:"rollbackId,omitempty"`
	CreatedAt                string         `json:"createdAt"` // RFC3339
	UpdatedAt                string         `json:"updatedAt"` // RFC3339
}

// ChangeList is a paginated list of changes.
type ChangeList struct {
	Items         []SecurityChange `json:"items"`
	NextPageToken string           `json:"nextPageToken,omitempty"`
	TotalSize     int              `json:"totalSize"`
}

// ListFilter narrows a change listing.
type ListFilter struct {
	Status    State
	Category  Category
	System    string
	CreatedBy string
}

// AuditEntry is the API-facing audit trail entry.
type AuditEntry struct {
	ID        string         `json:"id"`
	ChangeID  string         `json:"changeId"`
	Seq       int64          `json:"seq"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	FromState State          `json:"fromState,omitempty"`
	ToState   State          `json:"toState,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt string         `json:"createdAt"` // RFC3339
}

// AuditEntryList is a paginated list of audit entries.
type AuditEntryList struct {
	Entries       []AuditEntry `json:"entries"`
	NextPageToken string       `json:"nextPageToken,omitempty"`
	TotalSize     int          `json:"totalSize"`
}

// Audit trail actions recorded by the registry and the components that
// report through it.
const (
	ActionCreated           = "change.created"
	ActionTransitioned      = "change.transitioned"
	ActionTestsCompleted    = "tests.completed"
	ActionSnapshotCaptured  = "snapshot.captured"
	ActionApprovalGranted   = "approval.granted"
	ActionApprovalRejected  = "approval.rejected"
	ActionApprovalOverride  = "approval.override"
	ActionApprovalEscalated = "approval.escalated"
	ActionApprovalExpired   = "approval.expired"
	ActionDeployApplied     = "deploy.applied"
	ActionRollbackStep      = "rollback.step"
	ActionEmergencyAction   = "emergency.action"
)
