package interfaces

import "errors"

// Common interface errors used across components
var (
	// ErrPresenceNotFound is returned when a user has no presence record,
	// either because they never connected or because the record expired.
	ErrPresenceNotFound = errors.New("presence record not found")

	// ErrPresenceOffline is returned by UpdateLastSeen when the record exists
	// but is marked offline. Last-seen is still refreshed.
	ErrPresenceOffline = errors.New("presence record is offline")
)
