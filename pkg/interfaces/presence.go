package interfaces

import (
	"context"

	"fanout/pkg/types"
)

// PresenceTracker receives online/offline transitions and liveness
// heartbeats from the connection registry.
type PresenceTracker interface {
	// SetOnline upserts an online record with a bounded TTL.
	SetOnline(ctx context.Context, userID string, connectionCount int) error

	// SetOffline upserts an offline record kept for "last seen" display.
	SetOffline(ctx context.Context, userID string) error

	// UpdateLastSeen refreshes last-seen and the TTL without changing the
	// online flag. Returns ErrPresenceNotFound when no record exists and
	// ErrPresenceOffline when the record is marked offline.
	UpdateLastSeen(ctx context.Context, userID string) error
}

// StatusSetter records a detailed status independent of online/offline.
type StatusSetter interface {
	SetDetailedStatus(ctx context.Context, userID string, status types.PresenceState, metadata map[string]any) error
}
