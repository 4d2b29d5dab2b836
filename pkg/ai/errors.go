// Package ai holds the provider-facing pieces shared by the STT, TTS, LLM and
// VAD interfaces: error classification and retry with backoff.
package ai

import (
	"errors"
	"net/http"
)

var (
	// ErrRecoverable indicates a temporary provider failure that may succeed if retried.
	// Examples: network timeout, rate limiting, temporary service unavailability.
	ErrRecoverable = errors.New("recoverable AI provider error")

	// ErrFatal indicates a permanent provider failure.
	// Examples: invalid API key, unsupported format, malformed request.
	ErrFatal = errors.New("fatal AI provider error")
)

// IsRecoverable reports whether err is worth retrying.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrRecoverable)
}

// IsFatal reports whether err must not be retried.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// RetryableError wraps an underlying provider error with retry classification.
// errors.Is matches the classification sentinel; errors.As still reaches the
// underlying error through Cause.
type RetryableError struct {
	Underlying error
	Retryable  bool
	Message    string
}

func (e *RetryableError) Error() string {
	if e.Message != "" {
		if e.Underlying != nil {
			return e.Message + ": " + e.Underlying.Error()
		}
		return e.Message
	}
	if e.Underlying == nil {
		return "provider error"
	}
	return e.Underlying.Error()
}

func (e *RetryableError) Unwrap() []error {
	class := ErrFatal
	if e.Retryable {
		class = ErrRecoverable
	}
	if e.Underlying == nil {
		return []error{class}
	}
	return []error{class, e.Underlying}
}

// NewRecoverableError creates a recoverable error with context.
func NewRecoverableError(underlying error, message string) error {
	return &RetryableError{Underlying: underlying, Retryable: true, Message: message}
}

// NewFatalError creates a fatal error with context.
func NewFatalError(underlying error, message string) error {
	return &RetryableError{Underlying: underlying, Retryable: false, Message: message}
}

// ClassifyStatus wraps err as recoverable for 408, 429 and 5xx responses and
// as fatal otherwise.
func ClassifyStatus(status int, err error, message string) error {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return NewRecoverableError(err, message)
	default:
		return NewFatalError(err, message)
	}
}
