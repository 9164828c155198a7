package protocol

import (
	stderrors "errors"

	"github.com/c360/taskwire/errors"
)

// ErrorKind is the wire-level discriminator carried in error results.
type ErrorKind string

// Error kinds a device reports in ResultMessage.ErrorKind.
const (
	KindTaskNotFound     ErrorKind = "TaskNotFound"
	KindMalformedCommand ErrorKind = "MalformedCommand"
	KindTaskFailure      ErrorKind = "TaskFailure"
)

// KindForError maps a device-side failure to its wire-level kind.
// Unrecognized errors are reported as TaskFailure.
func KindForError(err error) ErrorKind {
	switch {
	case stderrors.Is(err, errors.ErrTaskNotFound):
		return KindTaskNotFound
	case stderrors.Is(err, errors.ErrMalformedCommand):
		return KindMalformedCommand
	default:
		return KindTaskFailure
	}
}

// ErrorForKind maps a wire-level kind back to the sentinel error the
// orchestrator surfaces to callers.
func ErrorForKind(kind ErrorKind) error {
	switch kind {
	case KindTaskNotFound:
		return errors.ErrTaskNotFound
	case KindMalformedCommand:
		return errors.ErrMalformedCommand
	default:
		return errors.ErrTaskFailure
	}
}
