package scheduling

import (
	"errors"
	"fmt"
)

var (
	// ErrNoBackendsAvailable indicates that no backends exist (or none are
	// pending initialization) to serve a request.
	ErrNoBackendsAvailable = errors.New("no backends available")
	// ErrNoMatchingBackend indicates that backends exist but none satisfy the
	// request's filter.
	ErrNoMatchingBackend = errors.New("no backend matches the request requirements")
	// ErrAllBackendsFailedModel indicates that every candidate backend failed
	// to load the requested model.
	ErrAllBackendsFailedModel = errors.New("all compatible backends failed to load the requested model")
	// ErrShuttingDown indicates that the registry is shutting down and refuses
	// new requests.
	ErrShuttingDown = errors.New("backend registry is shutting down")
	// ErrUnknownBackendType indicates a reference to an unregistered driver
	// type.
	ErrUnknownBackendType = errors.New("unknown backend type")
	// ErrBackendNotFound indicates a reference to a nonexistent backend id.
	ErrBackendNotFound = errors.New("backend not found")
)

// TimeoutError indicates that a request waited out its deadline without being
// matched to a backend.
type TimeoutError struct {
	// Model is the requested model name, if any.
	Model string
	// Holding is the number of backends that currently hold the requested
	// model.
	Holding int
}

// Error implements error.Error.
func (e *TimeoutError) Error() string {
	if e.Model == "" {
		return "timed out waiting for an available backend"
	}
	return fmt.Sprintf(
		"timed out waiting for a backend with model %q (%d backend(s) currently hold it)",
		e.Model, e.Holding,
	)
}
