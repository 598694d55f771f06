// Package ai provides common types and utilities shared by the STT, LLM, TTS,
// and VAD provider implementations: standard error kinds, retry
// classification, and helpers for wrapping provider failures.
package ai

import (
	"context"
	"errors"
	"time"
)

// Error kinds surfaced by providers and interpreted by the session orchestrator.
var (
	// ErrProviderUnavailable indicates a connection or setup failure:
	// the provider could not be reached or refused the stream.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrProviderTimeout indicates the provider produced no delta within the
	// configured window.
	ErrProviderTimeout = errors.New("provider timeout")

	// ErrProviderStream indicates a mid-stream failure after the provider
	// already produced output.
	ErrProviderStream = errors.New("provider stream error")

	// ErrMalformedInput indicates input outside the expected format, such as
	// an audio frame with the wrong sample layout. Malformed frames are
	// dropped; ingestion continues.
	ErrMalformedInput = errors.New("malformed input")

	// ErrSessionClosed indicates an operation on a torn-down session.
	// It is fatal for the call.
	ErrSessionClosed = errors.New("session closed")
)

// RetryConfig configures retry behavior for recoverable provider errors.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig provides sensible defaults for provider retries.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:    1,
	InitialDelay:  100 * time.Millisecond,
	MaxDelay:      2 * time.Second,
	BackoffFactor: 2.0,
}

// IsRecoverable reports whether a stage call may be retried with a fresh
// provider stream. Timeouts and mid-stream failures qualify; setup failures
// and closed sessions do not.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrProviderTimeout) ||
		errors.Is(err, ErrProviderStream) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsFatal reports whether the error ends the session.
func IsFatal(err error) bool {
	return errors.Is(err, ErrSessionClosed)
}

// StageError wraps an underlying provider failure with the error kind the
// orchestrator's policy keys on.
type StageError struct {
	Kind       error // one of the sentinel error kinds above
	Underlying error
	Message    string
}

func (e *StageError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Underlying != nil {
		return e.Underlying.Error()
	}
	return e.Kind.Error()
}

func (e *StageError) Unwrap() error {
	return e.Kind
}

// NewUnavailableError wraps a connection/setup failure.
func NewUnavailableError(underlying error, message string) error {
	return &StageError{Kind: ErrProviderUnavailable, Underlying: underlying, Message: message}
}

// NewTimeoutError wraps a no-delta-within-window failure.
func NewTimeoutError(underlying error, message string) error {
	return &StageError{Kind: ErrProviderTimeout, Underlying: underlying, Message: message}
}

// NewStreamError wraps a mid-stream provider failure.
func NewStreamError(underlying error, message string) error {
	return &StageError{Kind: ErrProviderStream, Underlying: underlying, Message: message}
}
