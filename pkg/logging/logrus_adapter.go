package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// LogrusAdapter wraps a logrus entry to implement the Logger interface.
type LogrusAdapter struct {
	entry *logrus.Entry
}

// NewLogrusAdapter creates a new adapter from a logrus.Logger.
func NewLogrusAdapter(logger *logrus.Logger) Logger {
	return &LogrusAdapter{entry: logrus.NewEntry(logger)}
}

// NewLogrusAdapterFromEntry creates a new adapter from a logrus.Entry.
func NewLogrusAdapterFromEntry(entry *logrus.Entry) Logger {
	return &LogrusAdapter{entry: entry}
}

// WithField creates a new logger with an additional field.
func (l *LogrusAdapter) WithField(key string, value interface{}) Logger {
	return &LogrusAdapter{entry: l.entry.WithField(key, value)}
}

// WithError creates a new logger with an error field.
func (l *LogrusAdapter) WithError(err error) Logger {
	return &LogrusAdapter{entry: l.entry.WithError(err)}
}

// Debugf logs a formatted message at Debug level.
func (l *LogrusAdapter) Debugf(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

// Infof logs a formatted message at Info level.
func (l *LogrusAdapter) Infof(format string, args ...interface{}) {
	l.entry.Infof(format, args...)
}

// Warnf logs a formatted message at Warn level.
func (l *LogrusAdapter) Warnf(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}

// Errorf logs a formatted message at Error level.
func (l *LogrusAdapter) Errorf(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}

// Debug logs a message at Debug level.
func (l *LogrusAdapter) Debug(args ...interface{}) {
	l.entry.Debug(args...)
}

// Info logs a message at Info level.
func (l *LogrusAdapter) Info(args ...interface{}) {
	l.entry.Info(args...)
}

// Warn logs a message at Warn level.
func (l *LogrusAdapter) Warn(args ...interface{}) {
	l.entry.Warn(args...)
}

// Error logs a message at Error level.
func (l *LogrusAdapter) Error(args ...interface{}) {
	l.entry.Error(args...)
}

// Writer returns a PipeWriter that writes to the logger at Info level.
func (l *LogrusAdapter) Writer() *io.PipeWriter {
	return l.entry.Writer()
}

// NewNopLogger returns a Logger that discards all output. It is intended for
// tests.
func NewNopLogger() Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewLogrusAdapter(logger)
}
