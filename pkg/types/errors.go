package types

import "errors"

// Frame validation errors
var (
	ErrInvalidUserID     = errors.New("user ID must be 1-64 characters, alphanumeric + underscore/hyphen/dot/colon/@ only")
	ErrInvalidFrameType  = errors.New("invalid frame type")
	ErrMissingRecipient  = errors.New("frame is missing a recipient")
	ErrTooManyRecipients = errors.New("too many recipients for a multicast frame")
	ErrInvalidStatus     = errors.New("status must be 1-32 characters")
	ErrDataTooLarge      = errors.New("frame data exceeds 64KB limit")
)
