package presence

import "errors"

var (
	// ErrStore wraps failures talking to the shared state store.
	ErrStore = errors.New("presence store failure")
	// ErrCorruptRecord is returned when a stored record cannot be decoded.
	ErrCorruptRecord = errors.New("presence record is corrupt")
)
