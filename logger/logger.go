// Package logger provides the logging interface shared by every blelink component
package logger

import (
	"strings"

	"github.com/sirupsen/logrus"

	blerrors "github.com/davidroman0O/blelink/errors"
)

// Logger provides a simple printf-style logging interface
type Logger interface {
	// Debug logs a message at debug level
	Debug(format string, args ...interface{})

	// Info logs a message at info level
	Info(format string, args ...interface{})

	// Warn logs a message at warning level
	Warn(format string, args ...interface{})

	// Error logs a message at error level
	Error(format string, args ...interface{})
}

// DefaultLogger is a no-op logger implementation
type DefaultLogger struct{}

// Debug implements Logger.Debug
func (l *DefaultLogger) Debug(format string, args ...interface{}) {}

// Info implements Logger.Info
func (l *DefaultLogger) Info(format string, args ...interface{}) {}

// Warn implements Logger.Warn
func (l *DefaultLogger) Warn(format string, args ...interface{}) {}

// Error implements Logger.Error
func (l *DefaultLogger) Error(format string, args ...interface{}) {}

// NewDefaultLogger creates a new default no-op logger
func NewDefaultLogger() Logger {
	return &DefaultLogger{}
}

// Logrus adapts a logrus entry to the Logger interface
type Logrus struct {
	entry *logrus.Entry
}

// NewLogrus wraps a logrus logger. A nil logger gets logrus.StandardLogger().
func NewLogrus(l *logrus.Logger) *Logrus {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &Logrus{entry: logrus.NewEntry(l)}
}

// Debug implements Logger.Debug
func (l *Logrus) Debug(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

// Info implements Logger.Info
func (l *Logrus) Info(format string, args ...interface{}) {
	l.entry.Infof(format, args...)
}

// Warn implements Logger.Warn
func (l *Logrus) Warn(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}

// Error implements Logger.Error
func (l *Logrus) Error(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}

// WithFields returns a child logger carrying the given structured fields
func (l *Logrus) WithFields(fields map[string]interface{}) *Logrus {
	return &Logrus{entry: l.entry.WithFields(logrus.Fields(fields))}
}

// WithFields attaches fields when the logger supports them and returns it unchanged otherwise.
func WithFields(l Logger, fields map[string]interface{}) Logger {
	if lr, ok := l.(*Logrus); ok {
		return lr.WithFields(fields)
	}
	return l
}

// WithError attaches the context carried by a blelink error, such as the
// device address, as fields
func WithError(l Logger, err error) Logger {
	ctx := blerrors.GetContext(err)
	if len(ctx) == 0 {
		return l
	}
	return WithFields(l, ctx)
}

// New builds a logrus-backed logger at the named level ("debug", "info", ...).
// Unknown levels fall back to info.
func New(level string) *Logrus {
	l := logrus.New()
	l.SetLevel(ParseLevel(level))
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return NewLogrus(l)
}

// ParseLevel maps a config level string onto a logrus level
func ParseLevel(level string) logrus.Level {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(strings.ToLower(level)))
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}
