package capture

import (
	"errors"
	"fmt"
)

// ErrNothingCaptured is returned by Run when teardown found no exchanges.
var ErrNothingCaptured = errors.New("capture: nothing was captured")

// ValidationError reports the first invalid field of a capture request.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("capture: invalid %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("capture: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// SetupError is returned when the proxy or the browser could not be started.
type SetupError struct {
	Stage string
	Err   error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("capture: setup %s: %v", e.Stage, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// InvalidStateError rejects an operation the current state does not allow.
type InvalidStateError struct {
	Op    string
	State State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("capture: cannot %s in state %s", e.Op, e.State)
}
