package checkpoint

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNoCheckpoint is wrapped by RestoreError when a directory holds no
// checkpoint files.
var ErrNoCheckpoint = errors.New("no checkpoint files")

// RestoreError reports a failed full resume.
type RestoreError struct {
	Path string
	Err  error
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("restore checkpoint from %s: %v", e.Path, e.Err)
}

func (e *RestoreError) Unwrap() error { return e.Err }

// TransferError reports unreadable storage during a partial weight transfer.
type TransferError struct {
	Path string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer weights from %s: %v", e.Path, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }
