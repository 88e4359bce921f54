package logging

import (
	"github.com/sirupsen/logrus"
)

// Logger instances provide custom logging.
type Logger interface {

	// Log with level ERROR
	Error(...any)

	// Log formatted messages with level ERROR
	Errorf(string, ...any)

	// Log with level WARN
	Warn(...any)

	// Log formatted messages with level WARN
	Warnf(string, ...any)

	// Log with level INFO
	Info(...any)

	// Log formatted messages with level INFO
	Infof(string, ...any)

	// Log with level DEBUG
	Debug(...any)

	// Log formatted messages with level DEBUG
	Debugf(string, ...any)
}

// DefaultLog provides a default implementation of the Logger interface,
// writing to the standard logrus logger, with optional fields attached to
// every entry.
type DefaultLog struct {
	fields logrus.Fields
}

var _ Logger = &DefaultLog{}

// WithFields returns a logger that attaches the given fields to every
// entry, in addition to the fields of the receiver.
func (dl *DefaultLog) WithFields(fields map[string]any) *DefaultLog {
	f := make(logrus.Fields, len(dl.fields)+len(fields))
	for k, v := range dl.fields {
		f[k] = v
	}

	for k, v := range fields {
		f[k] = v
	}

	return &DefaultLog{fields: f}
}

func (dl *DefaultLog) entry() *logrus.Entry {
	return logrus.WithFields(dl.fields)
}

func (dl *DefaultLog) Error(a ...any)            { dl.entry().Error(a...) }
func (dl *DefaultLog) Errorf(f string, a ...any) { dl.entry().Errorf(f, a...) }
func (dl *DefaultLog) Warn(a ...any)             { dl.entry().Warn(a...) }
func (dl *DefaultLog) Warnf(f string, a ...any)  { dl.entry().Warnf(f, a...) }
func (dl *DefaultLog) Info(a ...any)             { dl.entry().Info(a...) }
func (dl *DefaultLog) Infof(f string, a ...any)  { dl.entry().Infof(f, a...) }
func (dl *DefaultLog) Debug(a ...any)            { dl.entry().Debug(a...) }
func (dl *DefaultLog) Debugf(f string, a ...any) { dl.entry().Debugf(f, a...) }

// OrDefault returns l, or a DefaultLog when l is nil.
func OrDefault(l Logger) Logger {
	if l == nil {
		return &DefaultLog{}
	}

	return l
}
