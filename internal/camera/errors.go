package camera

import (
	"errors"
	"fmt"
)

var (
	// ErrInsecureContext means the client did not reach the service over TLS or
	// from the local machine.
	ErrInsecureContext = errors.New("camera requires a secure context")
	// ErrPermissionDenied means the device refused access.
	ErrPermissionDenied = errors.New("camera permission denied")
	// ErrNoDevice means no camera is configured or reachable.
	ErrNoDevice = errors.New("no camera device available")
	// ErrNotReady is returned by Capture and Frame outside the Ready state.
	ErrNotReady = errors.New("camera is not ready")
	// ErrStreamClosed is returned by a stream after Close.
	ErrStreamClosed = errors.New("camera stream closed")
)

// UnavailableError is the terminal failure of a session start. It is not retried;
// the user re-enters camera mode to try again.
type UnavailableError struct {
	Reason error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("camera unavailable: %v", e.Reason)
}

func (e *UnavailableError) Unwrap() error {
	return e.Reason
}
