package logging

import "fmt"

// OperationError records which operation failed and for which submission.
type OperationError struct {
	Operation    string
	SubmissionID string
	Err          error
}

func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.SubmissionID != "" {
		return fmt.Sprintf("%s (submission_id=%s): %v", e.Operation, e.SubmissionID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError returns nil when err is nil so callers can wrap unconditionally.
func NewOperationError(operation, submissionID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, SubmissionID: submissionID, Err: err}
}
