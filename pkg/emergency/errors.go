package emergency

import (
	"fmt"

	"github.com/changegate/changegate/pkg/change"
)

// PhaseError reports an operation invoked in the wrong response phase.
type PhaseError struct {
	ID      string
	Status  Status
	Message string
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("emergency %s is %s: %s", e.ID, e.Status, e.Message)
}

// Code returns the stable taxonomy code.
func (e *PhaseError) Code() string { return change.CodeInvalidTransition }

func phaseError(id string, status Status, message string) *PhaseError {
	return &PhaseError{ID: id, Status: status, Message: message}
}
