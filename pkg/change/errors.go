package change

import "fmt"

// Stable error codes returned to callers. Handlers map these onto HTTP
// status codes; workers use them to decide whether an outcome is retryable.
const (
	CodeValidation             = "validation_error"
	CodeInvalidTransition      = "invalid_transition"
	CodeUnauthorizedApprover   = "unauthorized_approver"
	CodeStageMismatch          = "stage_mismatch"
	CodeNoBackupAvailable      = "no_backup_available"
	CodeTestInfrastructure     = "test_infrastructure_error"
	CodeRollbackFailed         = "rollback_failed"
	CodeCancellationNotAllowed = "cancellation_not_allowed"
	CodeNotFound               = "not_found"
)

// ValidationError rejects a malformed submission before any state is created.
type ValidationError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

// Code returns the stable taxonomy code.
func (e *ValidationError) Code() string { return CodeValidation }

// TransitionError is a structured error for illegal state-machine events.
type TransitionError struct {
	ErrCode string `json:"code"`
	From    State  `json:"from"`
	Event   Event  `json:"event"`
	Message string `json:"message"`
}

func (e *TransitionError) Error() string {
	return e.Message
}

// Code returns the stable taxonomy code.
func (e *TransitionError) Code() string { return e.ErrCode }

// NotFoundError reports an unknown entity ID.
type NotFoundError struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// Code returns the stable taxonomy code.
func (e *NotFoundError) Code() string { return CodeNotFound }

// Coded is implemented by every domain error carrying a taxonomy code.
type Coded interface {
	error
	Code() string
}
