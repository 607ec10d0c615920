package theschwartz

import (
	"github.com/sirupsen/logrus"

	"github.com/yshh/theschwartz/internal/logging"
)

// Logger is the injectable structured logger the core emits debug
// events through (spec.md §1). See internal/logging for the default
// logrus-backed implementation.
type Logger = logging.Logger

// NewLogrusLogger wraps a *logrus.Logger as a Logger. Pass nil for a
// default logrus.Logger.
func NewLogrusLogger(l *logrus.Logger) Logger { return logging.NewLogrus(l) }

// NewNoopLogger returns a Logger that discards everything.
func NewNoopLogger() Logger { return logging.NewNoop() }
