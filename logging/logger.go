// Package logging builds the logrus loggers used by the server.
package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Fields represents structured logging fields
type Fields = logrus.Fields

// NewLogger creates a JSON logger at the given level.
func NewLogger(level logrus.Level) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(level)
	return logger
}

// NewLoggerWithService returns an entry that stamps every record with the
// service name.
func NewLoggerWithService(serviceName string, level logrus.Level) *logrus.Entry {
	return NewLogger(level).WithField("service", serviceName)
}

// NewDiscardLogger is silent. Tests use it to keep output clean.
func NewDiscardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
