package errors

import (
	"github.com/sirupsen/logrus"
)

// LogFields returns the structured fields carried by an AppError so callers
// can attach them to their own log entries.
func LogFields(err error) logrus.Fields {
	fields := logrus.Fields{}
	appErr, ok := As(err)
	if !ok {
		return fields
	}

	fields["error_code"] = appErr.Code
	fields["retryable"] = appErr.Retryable
	for k, v := range appErr.Context {
		fields[k] = v
	}
	return fields
}

// LogError logs an error with structured context
func LogError(logger *logrus.Logger, err error, message string, fields ...logrus.Fields) {
	entry := logger.WithError(err).WithFields(LogFields(err))
	for _, field := range fields {
		entry = entry.WithFields(field)
	}
	entry.Error(message)
}

// LogWarn logs a warning with structured context
func LogWarn(logger *logrus.Logger, err error, message string, fields ...logrus.Fields) {
	entry := logger.WithError(err).WithFields(LogFields(err))
	for _, field := range fields {
		entry = entry.WithFields(field)
	}
	entry.Warn(message)
}
