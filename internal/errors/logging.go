package errors

import (
	"github.com/sirupsen/logrus"
)

// LogFields extracts structured logging fields from an error for logrus.
// Programmer errors (invalid payloads, config defects) should be logged
// at Error level by the caller; everything else carries enough context
// here to be triaged later.
func LogFields(err error) logrus.Fields {
	fields := logrus.Fields{}

	if appErr, ok := err.(*AppError); ok {
		fields["error_code"] = appErr.Code
		fields["retryable"] = appErr.Retryable
		for k, v := range appErr.Context {
			fields[k] = v
		}
	}

	return fields
}
