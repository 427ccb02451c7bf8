package coordinator

import (
	"errors"
	"fmt"
)

// FailureKind classifies why work did not produce a result.
type FailureKind int

const (
	// SubmissionRejected means the coordinator was shutting down.
	SubmissionRejected FailureKind = iota

	// DecodeFailure means the file was read but could not be decoded.
	DecodeFailure

	// TaskException means a task function returned an error or panicked.
	TaskException

	// ProcessCrash means the worker process decoding the file died.
	ProcessCrash

	// CancelledTask means the task was removed from its lane before it ran.
	CancelledTask
)

func (k FailureKind) String() string {
	switch k {
	case SubmissionRejected:
		return "submission_rejected"
	case DecodeFailure:
		return "decode_failure"
	case TaskException:
		return "task_exception"
	case ProcessCrash:
		return "process_crash"
	case CancelledTask:
		return "cancelled"
	default:
		return fmt.Sprintf("failure(%d)", int(k))
	}
}

// ErrShuttingDown is the cause of every SubmissionRejected failure.
var ErrShuttingDown = errors.New("coordinator is shutting down")

// Failure is the error delivered to callbacks. Failures always arrive as
// callback data; nothing is thrown across the owner boundary.
type Failure struct {
	Kind     FailureKind
	TaskID   uint64
	FilePath string
	Err      error
}

func (f *Failure) Error() string {
	if f.FilePath != "" {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.FilePath, f.Err)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// AsFailure extracts a *Failure from err.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// IsKind reports whether err is a Failure of kind k.
func IsKind(err error, k FailureKind) bool {
	f, ok := AsFailure(err)
	return ok && f.Kind == k
}
