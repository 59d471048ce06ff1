package dispatch

import (
	"errors"
	"fmt"
)

// Input errors: the caller must change the request.
var (
	ErrInvalidAddress         = errors.New("invalid recipient address")
	ErrEmptyMessage           = errors.New("message text or attachment is required")
	ErrInvalidMedia           = errors.New("invalid media")
	ErrRecipientNotRegistered = errors.New("recipient is not registered on the platform")
)

// Availability errors: the request may succeed later.
var (
	ErrNoActiveSession = errors.New("no active session")
	ErrRateLimited     = errors.New("send rate limit exceeded")
	ErrMediaFetch      = errors.New("failed to fetch media")
)

// NotConnectedError reports a session that exists but cannot send yet.
type NotConnectedError struct {
	State string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("session not connected (state: %s)", e.State)
}

// TransportError wraps a failure reported by the connector.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Retryable reports whether err means "try again later" rather than "fix
// the request".
func Retryable(err error) bool {
	var nc *NotConnectedError
	var te *TransportError
	switch {
	case errors.As(err, &nc), errors.As(err, &te):
		return true
	case errors.Is(err, ErrNoActiveSession), errors.Is(err, ErrRateLimited), errors.Is(err, ErrMediaFetch):
		return true
	}
	return false
}
