package errors

import (
	"errors"
	"fmt"
	"time"
)

// Common error creators for frequent use cases

// NewInvalidPayloadError creates a schema validation error. Never retryable.
func NewInvalidPayloadError(reason string) *AppError {
	return New(ErrCodeInvalidPayload, reason).
		WithUserMessage("Message could not be queued")
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Storage operation failed")
}

// NewTransportError creates an error for an external messaging-server call.
// 5xx and timeout-class responses are retryable; 4xx responses are not,
// except 429/413 which are rate limits and handled separately.
func NewTransportError(endpoint string, statusCode int, err error) *AppError {
	appErr := Wrap(err, ErrCodeTransportAPI, "transport API call failed").
		WithContext("endpoint", endpoint).
		WithContext("status_code", statusCode)

	if statusCode >= 500 || statusCode == 408 || statusCode == 0 {
		appErr.Retryable = true
	}

	return appErr
}

// NewRateLimitError creates a rate-limit error carrying an optional
// server-supplied retry-after hint.
func NewRateLimitError(retryAfter *time.Duration, token string) *AppError {
	appErr := New(ErrCodeRateLimited, "server rejected send with a rate-limit challenge").
		WithContext("token", token).
		WithUserMessage("Waiting on verification")
	appErr.RetryAfter = retryAfter
	return appErr
}

// NewUploadError creates an upload failure. Retryable unless the server
// rejected the content itself.
func NewUploadError(err error, retryable bool) *AppError {
	appErr := Wrap(err, ErrCodeUploadFailed, "attachment upload failed")
	appErr.Retryable = retryable
	return appErr
}

// IsRateLimited reports whether err is a rate-limit challenge response.
func IsRateLimited(err error) bool {
	return GetCode(err) == ErrCodeRateLimited
}

// RetryAfterHint extracts a server-supplied retry hint, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.RetryAfter != nil {
		return *appErr.RetryAfter, true
	}
	return 0, false
}
