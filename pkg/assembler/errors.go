package assembler

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidThreshold indicates a chunk threshold that is not a positive
	// whole number of PCM16 samples.
	ErrInvalidThreshold = errors.New("assembler: chunk threshold must be positive and even")

	// ErrMalformed indicates an inbound message that is not a JSON object.
	ErrMalformed = errors.New("assembler: malformed message")
)

// ProtocolError is a non-fatal problem with one inbound message: either an
// error reported by the service or a payload that could not be decoded.
// The session stays open and the response continues if possible.
type ProtocolError struct {
	// Type is the inbound message type.
	Type string

	// Code is the service error code, if any.
	Code string

	// Message is the service message or a decode description.
	Message string

	// Cause is the underlying decode error, if any.
	Cause error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	switch {
	case e.Code != "" && e.Cause != nil:
		return fmt.Sprintf("assembler: protocol error in %s (%s): %s: %v", e.Type, e.Code, e.Message, e.Cause)
	case e.Code != "":
		return fmt.Sprintf("assembler: protocol error in %s (%s): %s", e.Type, e.Code, e.Message)
	case e.Cause != nil:
		return fmt.Sprintf("assembler: protocol error in %s: %s: %v", e.Type, e.Message, e.Cause)
	default:
		return fmt.Sprintf("assembler: protocol error in %s: %s", e.Type, e.Message)
	}
}

// Unwrap returns the underlying cause.
func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

// IsProtocolError reports whether err is a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
