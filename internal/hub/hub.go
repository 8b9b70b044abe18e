package hub

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fanout/internal/router"
	"fanout/pkg/interfaces"
	"fanout/pkg/types"
)

// DefaultQueueSize is the number of inbound frames buffered ahead of the loop.
const DefaultQueueSize = 1000

// Hub serializes inbound frames through one goroutine, so frames are routed
// in the order they were read and the router never runs concurrently.
type Hub struct {
	frames   chan *FrameContext
	shutdown chan struct{}
	done     chan struct{}

	router  interfaces.FrameRouter
	replies interfaces.ReplySender
	timeout time.Duration
	logger  zerolog.Logger

	running bool
	mu      sync.RWMutex
}

// FrameContext is a queued frame with its sender.
type FrameContext struct {
	Frame      *types.Frame
	Sender     interfaces.Connection
	SenderID   string
	ReceivedAt time.Time
}

// Options tunes the hub. Zero values take defaults.
type Options struct {
	QueueSize int
	// RouteTimeout bounds the context handed to the router per frame.
	RouteTimeout time.Duration
	// Replies carries error events back to senders, so a sender whose write
	// fails is deregistered like any other. Nil writes to the sender directly.
	Replies interfaces.ReplySender
}

func NewHub(r interfaces.FrameRouter, opts Options, logger zerolog.Logger) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.RouteTimeout <= 0 {
		opts.RouteTimeout = 5 * time.Second
	}
	return &Hub{
		frames:  make(chan *FrameContext, opts.QueueSize),
		router:  r,
		replies: opts.Replies,
		timeout: opts.RouteTimeout,
		logger:  logger.With().Str("component", "hub").Logger(),
	}
}

// Start runs the routing loop until Stop is called or ctx is done.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.shutdown = make(chan struct{})
	h.done = make(chan struct{})

	go h.run(ctx, h.shutdown, h.done)
	h.logger.Info().Msg("hub started")
	return nil
}

// Stop signals the loop and waits for the frame in flight to finish.
// Frames still queued are dropped.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdown)
	done := h.done
	h.mu.Unlock()

	<-done
	h.logger.Info().Msg("hub stopped")
	return nil
}

// Dispatch queues frame for routing without blocking.
func (h *Hub) Dispatch(sender interfaces.Connection, senderID string, frame *types.Frame) error {
	if frame == nil {
		return ErrNilFrame
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return ErrHubNotRunning
	}

	select {
	case h.frames <- &FrameContext{Frame: frame, Sender: sender, SenderID: senderID, ReceivedAt: time.Now()}:
		return nil
	default:
		return ErrFrameChannelFull
	}
}

// QueueLength reports the number of frames waiting for the loop.
func (h *Hub) QueueLength() int {
	return len(h.frames)
}

func (h *Hub) run(ctx context.Context, shutdown, done chan struct{}) {
	defer close(done)

	for {
		select {
		case fc := <-h.frames:
			h.handleFrame(ctx, fc)
		case <-shutdown:
			return
		case <-ctx.Done():
			h.mu.Lock()
			h.running = false
			h.mu.Unlock()
			return
		}
	}
}

// handleFrame routes one frame. Routing errors go back to the sender as an
// error event; the connection stays open.
func (h *Hub) handleFrame(ctx context.Context, fc *FrameContext) {
	rctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	err := h.router.RouteFrame(rctx, fc.Sender, fc.SenderID, fc.Frame)
	if err == nil {
		h.logger.Debug().Str("type", fc.Frame.Type).Str("from", fc.SenderID).
			Dur("queued", time.Since(fc.ReceivedAt)).Msg("frame routed")
		return
	}

	h.logger.Debug().Err(err).Str("type", fc.Frame.Type).Str("from", fc.SenderID).Msg("frame rejected")
	h.sendErrorToSender(fc, err)
}

func (h *Hub) sendErrorToSender(fc *FrameContext, routingErr error) {
	if fc.Sender == nil {
		return
	}
	env := types.ErrorEnvelope(router.ErrorCode(routingErr), routingErr.Error())
	if h.replies != nil {
		h.replies.SendToConnection(fc.Sender, env)
		return
	}
	if err := fc.Sender.WriteJSON(env); err != nil {
		h.logger.Debug().Err(err).Str("user_id", fc.SenderID).Msg("error reply not delivered")
	}
}
