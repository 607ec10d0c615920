// Package logging provides the structured logger TheSchwartz's core
// emits debug events through. The core never selects a logging
// backend itself (spec.md §1: "the core only emits structured debug
// events through an injectable logger"); it only requires something
// implementing Logger.
//
// The teacher logs unconditionally via the standard `log` package
// (log.Printf throughout swig.go). This generalizes each of those call
// sites into a structured Logger call, backed by default by
// sirupsen/logrus — the structured logger the wider retrieval pack
// reaches for in job-queue-shaped code (see OrcaTools-orcaq/queue.go).
package logging

import "github.com/sirupsen/logrus"

// Logger is the structured logging seam the core depends on.
// WithFields takes key/value pairs the way logrus.Fields does.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	WithFields(fields map[string]interface{}) Logger
}

type logrusLogger struct {
	entry *logrus.Entry
}

// NewLogrus wraps a *logrus.Logger (or nil, for a sane default) as a
// Logger.
func NewLogrus(l *logrus.Logger) Logger {
	if l == nil {
		l = logrus.New()
	}
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

func (l *logrusLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

func (l *logrusLogger) WithFields(fields map[string]interface{}) Logger {
	return &logrusLogger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

type noopLogger struct{}

// NewNoop returns a Logger that discards everything, for callers who
// don't want core debug events.
func NewNoop() Logger { return noopLogger{} }

func (noopLogger) Debugf(string, ...interface{})                    {}
func (noopLogger) Infof(string, ...interface{})                     {}
func (noopLogger) Warnf(string, ...interface{})                     {}
func (noopLogger) Errorf(string, ...interface{})                    {}
func (n noopLogger) WithFields(map[string]interface{}) Logger       { return n }
