package router

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"fanout/internal/metrics"
	"fanout/internal/websocket"
	"fanout/pkg/interfaces"
	"fanout/pkg/types"
)

// Options tunes the per-sender frame throttle.
type Options struct {
	FrameRate  float64
	FrameBurst int
	// IdleTTL evicts throttle buckets of senders quiet for this long.
	IdleTTL time.Duration
}

// Router turns inbound frames into registry deliveries. It implements
// interfaces.FrameRouter.
type Router struct {
	registry *websocket.Registry
	status   interfaces.StatusSetter
	throttle *FrameThrottle
	logger   zerolog.Logger
}

// NewRouter builds a router over registry. status may be nil, in which case
// status frames are rejected.
func NewRouter(registry *websocket.Registry, status interfaces.StatusSetter, opts Options, logger zerolog.Logger) *Router {
	return &Router{
		registry: registry,
		status:   status,
		throttle: NewFrameThrottle(opts.FrameRate, opts.FrameBurst, opts.IdleTTL),
		logger:   logger.With().Str("component", "router").Logger(),
	}
}

// Throttle exposes the per-sender throttle for periodic cleanup.
func (r *Router) Throttle() *FrameThrottle { return r.throttle }

// RouteFrame validates frame and delivers it on behalf of senderID.
// Recipients that are not connected are skipped silently.
func (r *Router) RouteFrame(ctx context.Context, sender interfaces.Connection, senderID string, frame *types.Frame) error {
	if frame == nil {
		return ErrNilFrame
	}
	if err := frame.Validate(); err != nil {
		return err
	}
	if sender != nil {
		if owner, ok := r.registry.OwnerOf(sender); !ok || owner != senderID {
			return ErrSenderNotConnected
		}
	}

	if !r.throttle.Allow(senderID) {
		metrics.FramesThrottled.Inc()
		return ErrRateLimited
	}

	switch frame.Type {
	case types.FramePing:
		r.registry.SendToConnection(sender, types.NewEnvelope(types.EventPong, nil))
		r.registry.Heartbeat(sender)
	case types.FrameDirect:
		r.registry.SendToUser(frame.To, relay(frame, senderID))
	case types.FrameMulticast:
		r.registry.BroadcastToUsers(relay(frame, senderID), frame.ToUsers)
	case types.FrameBroadcast:
		r.registry.Broadcast(relay(frame, senderID), senderID)
	case types.FrameStatus:
		return r.routeStatus(ctx, senderID, frame)
	default:
		return types.ErrInvalidFrameType
	}
	return nil
}

// routeStatus stores the detailed status, then tells everyone else.
func (r *Router) routeStatus(ctx context.Context, senderID string, frame *types.Frame) error {
	if r.status == nil {
		return ErrStatusUnavailable
	}
	state := types.PresenceState(frame.Status)
	if err := r.status.SetDetailedStatus(ctx, senderID, state, frame.Metadata); err != nil {
		r.logger.Warn().Err(err).Str("user_id", senderID).Msg("status update failed")
		return fmt.Errorf("%w: %v", ErrStatusUpdateFailed, err)
	}

	env := types.NewEnvelope(types.EventPresence, types.PresenceData{
		UserID:   senderID,
		Status:   state,
		Metadata: frame.Metadata,
	})
	env.From = senderID
	r.registry.Broadcast(env, senderID)
	return nil
}

// relay wraps the opaque frame data for delivery. Data is never decoded.
func relay(frame *types.Frame, senderID string) types.Envelope {
	var data any
	if len(frame.Data) > 0 {
		data = frame.Data
	}
	env := types.NewEnvelope(frame.Type, data)
	env.From = senderID
	return env
}
