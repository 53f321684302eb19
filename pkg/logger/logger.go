// Package logger provides structured logging for the coordinator and control plane.
package logger

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var base = logrus.New()

// Init configures the logger's level from LOG_LEVEL (debug, info, error). Defaults to info.
func Init() {
	base.SetOutput(os.Stdout)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		base.SetLevel(logrus.DebugLevel)
	case "error":
		base.SetLevel(logrus.ErrorLevel)
	default:
		base.SetLevel(logrus.InfoLevel)
	}
}

// Fields is a shorthand for structured log attributes.
type Fields = logrus.Fields

// Debug logs a debug-level message with structured fields.
func Debug(msg string, fields Fields) {
	base.WithFields(fields).Debug(msg)
}

// Info logs an info-level message with structured fields.
func Info(msg string, fields Fields) {
	base.WithFields(fields).Info(msg)
}

// Error logs an error-level message with structured fields. err may be nil.
func Error(msg string, err error, fields Fields) {
	entry := base.WithFields(fields)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(msg)
}
