// Package logging provides the structured logger used throughout krust,
// decoupling callers from the concrete logging library.
package logging

// Logger is a structured logger with leveled methods and field attachment.
// It deliberately mirrors logrus.FieldLogger's shape; a *logrus.Entry is
// wrapped by NewFromEntry to satisfy it.
type Logger interface {
	WithField(key string, value interface{}) Logger
	WithFields(fields Fields) Logger
	WithError(err error) Logger

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
}

// Fields is a set of structured fields attached to a log line.
type Fields map[string]interface{}
