package realtime

import (
	"errors"
	"fmt"
)

// Sentinel errors for the realtime package.
var (
	// ErrMissingAPIKey indicates the API key was not provided.
	ErrMissingAPIKey = errors.New("realtime: API key is required")

	// ErrNotConnected indicates the session has no open socket.
	ErrNotConnected = errors.New("realtime: not connected")

	// ErrAlreadyConnected indicates Connect was called on an open session.
	ErrAlreadyConnected = errors.New("realtime: already connected")

	// ErrConnectInProgress indicates Connect was called while a dial or the
	// reconnect sequence was running.
	ErrConnectInProgress = errors.New("realtime: connect already in progress")

	// ErrConnectTimeout indicates the socket did not open within ConnectTimeout.
	ErrConnectTimeout = errors.New("realtime: connect timed out")

	// ErrSessionClosed indicates the session was disconnected by the caller.
	ErrSessionClosed = errors.New("realtime: session closed")

	// ErrReconnectExhausted indicates every reconnect attempt failed.
	ErrReconnectExhausted = errors.New("realtime: reconnect attempts exhausted")

	// ErrDeliveryExhausted indicates a message was dropped after MaxSendAttempts.
	ErrDeliveryExhausted = errors.New("realtime: delivery attempts exhausted")

	// ErrRateLimited indicates sends are paused by a rate limit window.
	ErrRateLimited = errors.New("realtime: rate limited")

	// ErrWorkerCrashed indicates a background loop panicked and stopped.
	ErrWorkerCrashed = errors.New("realtime: background worker crashed")
)

// ConnectionError represents a WebSocket transport error.
type ConnectionError struct {
	// Reason describes what failed.
	Reason string

	// Cause is the underlying error.
	Cause error

	// Retryable indicates if reconnection should be attempted.
	Retryable bool
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("realtime: connection error: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("realtime: connection error: %s", e.Reason)
}

// Unwrap returns the underlying cause.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns true if reconnection should be attempted.
func (e *ConnectionError) IsRetryable() bool {
	return e.Retryable
}

// NewConnectionError creates a new ConnectionError.
func NewConnectionError(reason string, cause error, retryable bool) *ConnectionError {
	return &ConnectionError{
		Reason:    reason,
		Cause:     cause,
		Retryable: retryable,
	}
}

// DeliveryError reports an outbound message dropped by the queue.
type DeliveryError struct {
	// Type is the protocol message type, e.g. "input_audio_buffer.append".
	Type string

	// Attempts is how many sends were tried.
	Attempts int

	// Cause is the last send error.
	Cause error
}

// Error implements the error interface.
func (e *DeliveryError) Error() string {
	return fmt.Sprintf("realtime: dropped %s after %d attempts: %v", e.Type, e.Attempts, e.Cause)
}

// Unwrap lets errors.Is match both ErrDeliveryExhausted and the cause.
func (e *DeliveryError) Unwrap() []error {
	return []error{ErrDeliveryExhausted, e.Cause}
}

// Error checking helpers.

// IsNotConnected returns true if the error indicates no open socket.
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected) || errors.Is(err, ErrSessionClosed)
}

// IsRetryable returns true if the operation can be retried.
func IsRetryable(err error) bool {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return connErr.IsRetryable()
	}
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrConnectTimeout) || errors.Is(err, ErrNotConnected)
}

// IsRateLimited returns true if the error is due to rate limiting.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}
