package logging

import (
	"io"
)

// Logger is the logging interface used throughout the orchestrator. It is
// satisfied by the logrus adapter in this package, but components depend only
// on this interface so that tests can substitute quieter implementations.
type Logger interface {
	// WithField creates a new logger with an additional field.
	WithField(key string, value interface{}) Logger
	// WithError creates a new logger with an error field.
	WithError(err error) Logger

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})

	// Writer returns a PipeWriter that writes to the logger. It is used to
	// capture output streams of spawned worker processes.
	Writer() *io.PipeWriter
}
