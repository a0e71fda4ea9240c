package session

import (
	"errors"
	"fmt"
)

// ErrValidationInFlight is reported when a validation is requested while
// another is still running in the same session.
var ErrValidationInFlight = errors.New("a validation is already running in this session")

// ErrSessionClosed is returned for operations on a session that has ended.
var ErrSessionClosed = errors.New("session closed")

// ImageBuildError means the sandbox image was missing and could not be
// built. It fails session setup but not the process.
type ImageBuildError struct {
	Err error
}

func (e *ImageBuildError) Error() string {
	return fmt.Sprintf("sandbox image unavailable: %v", e.Err)
}

func (e *ImageBuildError) Unwrap() error { return e.Err }

// ProvisionError is a create, start or attach failure during setup.
type ProvisionError struct {
	Op  string
	Err error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("failed to %s sandbox: %v", e.Op, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// ExecError means a validation command could not be started or inspected.
// It is reported as a failed validation, not a session error.
type ExecError struct {
	Command string
	Err     error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("validation command could not run: %v", e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// TransportError wraps a failure talking to the client.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
