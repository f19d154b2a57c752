package generation

import (
	"errors"
)

// ErrPleaseRedirect may be returned from Driver.GenerateLive to indicate that
// the request should be retried against some other backend. The orchestrator
// honors at most one redirect per request to prevent ping-pong loops.
var ErrPleaseRedirect = errors.New("backend asked for the request to be redirected")

// InitError is the error type returned by Driver.Init.
type InitError struct {
	// Refused indicates that the driver's configuration is invalid and the
	// initialization must not be retried. When false, the failure is
	// transient (network, process startup) and may be retried.
	Refused bool
	// Err is the underlying cause.
	Err error
}

// Error implements error.Error.
func (e *InitError) Error() string {
	if e.Refused {
		return "backend configuration refused: " + e.Err.Error()
	}
	return e.Err.Error()
}

// Unwrap implements errors.Unwrap.
func (e *InitError) Unwrap() error {
	return e.Err
}

// NewRefusedInitError creates a terminal initialization error.
func NewRefusedInitError(err error) *InitError {
	return &InitError{Refused: true, Err: err}
}

// NewTransientInitError creates a retryable initialization error.
func NewTransientInitError(err error) *InitError {
	return &InitError{Err: err}
}
