package interfaces

import (
	"context"

	"fanout/pkg/types"
)

// FrameRouter turns a validated inbound frame into deliveries.
type FrameRouter interface {
	// RouteFrame delivers frame on behalf of sender. Errors are reported
	// back to the sender's connection by the caller; they never close it.
	RouteFrame(ctx context.Context, sender Connection, senderID string, frame *types.Frame) error
}

// ReplySender delivers a message to one connection and prunes it when the
// write fails.
type ReplySender interface {
	SendToConnection(conn Connection, payload interface{})
}
