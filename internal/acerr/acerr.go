// Package acerr provides structured error types for the access gate.
package acerr

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	ErrTimeout      = errors.New("operation timed out")
	ErrUnauthorized = errors.New("authentication rejected")
	ErrUnavailable  = errors.New("service unavailable")
	ErrNotFound     = errors.New("not found")
	ErrLostRace     = errors.New("lost transition race")
)

// APIError represents an error returned by a remote access-control system.
type APIError struct {
	System     string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s API error (status %d): %s: %v", e.System, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.System, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// NewAPIError creates a new API error.
func NewAPIError(system string, statusCode int, message string) *APIError {
	return &APIError{System: system, StatusCode: statusCode, Message: message}
}

// RemoteError marks a failure on the remote side that is not tied to an HTTP
// status: a missing named object, an exhausted PIN space, a malformed
// response. The state machine treats these as transient so that an
// administrative fix becomes effective on the next retry.
type RemoteError struct {
	Message string
	Err     error
}

func (e *RemoteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("remote error: %s: %v", e.Message, e.Err)
	}
	return "remote error: " + e.Message
}

func (e *RemoteError) Unwrap() error { return e.Err }

// NewRemoteError creates a RemoteError with the given message.
func NewRemoteError(format string, args ...any) *RemoteError {
	return &RemoteError{Message: fmt.Sprintf(format, args...)}
}

// ValidationError is returned by driver config validation. It is surfaced
// synchronously on admin writes and never reaches the state machine.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Message)
	}
	return "invalid config: " + e.Message
}

// NewValidationError creates a ValidationError for a config field.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsRetryable returns true if the error is likely transient and worth
// retrying on the usual backoff schedule. 401 counts as retryable because the
// driver drops its cached session token and re-authenticates on the next
// attempt.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 401, 408, 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		return true
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}
