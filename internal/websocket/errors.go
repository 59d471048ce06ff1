package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timeout")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Registry-related errors
var (
	ErrNilConnection  = errors.New("connection cannot be nil")
	ErrTenantRequired = errors.New("tenant ID is required to join")
)

// Handler-related errors
var (
	ErrUnknownEvent   = errors.New("unknown client event")
	ErrInvalidPayload = errors.New("invalid event payload")
)
