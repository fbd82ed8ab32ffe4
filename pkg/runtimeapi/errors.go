package runtimeapi

import (
	"errors"
	"fmt"
)

// Operation names used in ProtocolError.Op and in metrics labels.
const (
	OpNext      = "next"
	OpResponse  = "response"
	OpError     = "error"
	OpInitError = "init_error"
)

// ErrMissingRequestID is wrapped when a next-invocation response carries no request id.
var ErrMissingRequestID = errors.New("missing " + HeaderRequestID + " header")

// ProtocolError is the single error kind returned by Client. It covers
// transport failures, non-2xx statuses and malformed responses.
type ProtocolError struct {
	Op      string // one of the Op* constants
	Message string
	Status  int    // HTTP status, 0 when no response was received
	Body    string // response body text, if any
	Err     error  // underlying cause, if any
}

// Error implements error interface
func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap implements error unwrapping
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsProtocolError reports whether err is, or wraps, a ProtocolError
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

func statusError(op, action string, status int, body string) *ProtocolError {
	return &ProtocolError{
		Op:      op,
		Status:  status,
		Body:    body,
		Message: fmt.Sprintf("%s resulted in status code %d with message: '%s'", action, status, body),
	}
}

func transportError(op, action string, err error) *ProtocolError {
	return &ProtocolError{
		Op:      op,
		Message: fmt.Sprintf("%s resulted in %T", action, err),
		Err:     err,
	}
}
