package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timed out waiting for the send buffer")
	ErrBufferFull       = errors.New("send buffer is full")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Registry-related errors
var (
	ErrNilConnection   = errors.New("connection cannot be nil")
	ErrConnectionOwned = errors.New("connection is already registered to another user")
)

// Handler-related errors
var (
	ErrMissingPrincipal = errors.New("missing or invalid user identity")
)
