package logging

import "github.com/sirupsen/logrus"

// logrusAdapter adapts a *logrus.Entry to the Logger interface.
type logrusAdapter struct {
	entry *logrus.Entry
}

// New creates a Logger backed by logrus, writing text to stderr by default
// or JSON when json is true.
func New(level logrus.Level, json bool) Logger {
	l := logrus.New()
	l.SetLevel(level)
	if json {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return &logrusAdapter{entry: logrus.NewEntry(l)}
}

// NewFromEntry wraps an existing *logrus.Entry.
func NewFromEntry(entry *logrus.Entry) Logger {
	return &logrusAdapter{entry: entry}
}

func (l *logrusAdapter) WithField(key string, value interface{}) Logger {
	return &logrusAdapter{entry: l.entry.WithField(key, value)}
}

func (l *logrusAdapter) WithFields(fields Fields) Logger {
	return &logrusAdapter{entry: l.entry.WithFields(logrus.Fields(fields))}
}

func (l *logrusAdapter) WithError(err error) Logger {
	return &logrusAdapter{entry: l.entry.WithError(err)}
}

func (l *logrusAdapter) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *logrusAdapter) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *logrusAdapter) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *logrusAdapter) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

func (l *logrusAdapter) Debug(args ...interface{}) { l.entry.Debug(args...) }
func (l *logrusAdapter) Info(args ...interface{})  { l.entry.Info(args...) }
func (l *logrusAdapter) Warn(args ...interface{})  { l.entry.Warn(args...) }
func (l *logrusAdapter) Error(args ...interface{}) { l.entry.Error(args...) }
