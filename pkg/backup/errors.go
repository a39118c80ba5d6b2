package backup

import (
	"fmt"

	"github.com/changegate/changegate/pkg/change"
)

// NoBackupError blocks any deploy or rollback that would run without a
// usable snapshot.
type NoBackupError struct {
	ChangeID string
	Message  string
}

func (e *NoBackupError) Error() string {
	return fmt.Sprintf("no backup available for change %s: %s", e.ChangeID, e.Message)
}

func (e *NoBackupError) Code() string { return change.CodeNoBackupAvailable }
