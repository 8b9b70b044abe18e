package types

import (
	"regexp"
)

const (
	// MaxDataBytes caps the opaque data body of a frame.
	MaxDataBytes = 64 * 1024
	// MaxMulticastRecipients caps the explicit recipient list of a multicast frame.
	MaxMulticastRecipients = 256
	maxUserIDLength        = 64
	maxStatusLength        = 32
)

// Compiled once; user IDs arrive on every connection and every addressed frame.
var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:@-]+$`)

// IsValidUserID checks if a user ID meets format requirements
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > maxUserIDLength {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// IsValidFrameType checks if the frame type is one a client may send
func IsValidFrameType(frameType string) bool {
	switch frameType {
	case FramePing, FrameDirect, FrameMulticast, FrameBroadcast, FrameStatus:
		return true
	default:
		return false
	}
}

// IsValidStatus accepts the well-known states and short custom labels.
// "unknown" is reserved for missing presence records.
func IsValidStatus(status string) bool {
	if len(status) < 1 || len(status) > maxStatusLength {
		return false
	}
	return PresenceState(status) != StateUnknown
}

// Validate ensures the frame is well addressed for its type.
// The data body is size-checked but never interpreted.
func (f *Frame) Validate() error {
	if !IsValidFrameType(f.Type) {
		return ErrInvalidFrameType
	}
	if len(f.Data) > MaxDataBytes {
		return ErrDataTooLarge
	}

	switch f.Type {
	case FrameDirect:
		if f.To == "" {
			return ErrMissingRecipient
		}
		if !IsValidUserID(f.To) {
			return ErrInvalidUserID
		}
	case FrameMulticast:
		if len(f.ToUsers) == 0 {
			return ErrMissingRecipient
		}
		if len(f.ToUsers) > MaxMulticastRecipients {
			return ErrTooManyRecipients
		}
		for _, userID := range f.ToUsers {
			if !IsValidUserID(userID) {
				return ErrInvalidUserID
			}
		}
	case FrameStatus:
		if !IsValidStatus(f.Status) {
			return ErrInvalidStatus
		}
	}

	return nil
}
