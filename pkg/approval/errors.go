package approval

import (
	"fmt"

	"github.com/changegate/changegate/pkg/change"
)

// DecisionError rejects an approval or rejection attempt. ErrCode is one
// of the change package error codes so HTTP handlers can map it.
type DecisionError struct {
	ErrCode string
	Stage   Stage
	Message string
}

func (e *DecisionError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s (stage %s): %s", e.ErrCode, e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.ErrCode, e.Message)
}

func (e *DecisionError) Code() string { return e.ErrCode }

func stageMismatch(requested, current Stage) *DecisionError {
	return &DecisionError{
		ErrCode: change.CodeStageMismatch,
		Stage:   requested,
		Message: fmt.Sprintf("workflow is at stage %q", current),
	}
}

func unauthorizedApprover(stage Stage, approver string) *DecisionError {
	return &DecisionError{
		ErrCode: change.CodeUnauthorizedApprover,
		Stage:   stage,
		Message: fmt.Sprintf("approver %q holds none of the required roles", approver),
	}
}

func workflowClosed(status Status) *DecisionError {
	return &DecisionError{
		ErrCode: change.CodeInvalidTransition,
		Message: fmt.Sprintf("workflow is %s and accepts no further decisions", status),
	}
}
