package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fanout/internal/router"
	"fanout/internal/websocket"
	"fanout/pkg/interfaces"
	"fanout/pkg/types"
)

type routedFrame struct {
	senderID string
	frame    *types.Frame
}

type fakeRouter struct {
	mu      sync.Mutex
	routed  []routedFrame
	err     error
	block   chan struct{}
	started chan struct{}
}

func (r *fakeRouter) RouteFrame(_ context.Context, _ interfaces.Connection, senderID string, frame *types.Frame) error {
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routed = append(r.routed, routedFrame{senderID, frame})
	return r.err
}

func (r *fakeRouter) frames() []routedFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]routedFrame(nil), r.routed...)
}

type replyConn struct {
	mu     sync.Mutex
	sent   []types.Envelope
	fail   bool
	closed bool
}

func (c *replyConn) ID() string { return "c1" }
func (c *replyConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.sent = append(c.sent, v.(types.Envelope))
	return nil
}
func (c *replyConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *replyConn) replies() []types.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.Envelope(nil), c.sent...)
}

func TestHub_StartStop(t *testing.T) {
	h := NewHub(&fakeRouter{}, Options{}, zerolog.Nop())

	require.NoError(t, h.Start(context.Background()))
	assert.ErrorIs(t, h.Start(context.Background()), ErrHubAlreadyRunning)

	require.NoError(t, h.Stop())
	assert.ErrorIs(t, h.Stop(), ErrHubNotRunning)

	require.NoError(t, h.Start(context.Background()), "a stopped hub can be restarted")
	require.NoError(t, h.Stop())
}

func TestHub_DispatchRequiresRunning(t *testing.T) {
	h := NewHub(&fakeRouter{}, Options{}, zerolog.Nop())

	err := h.Dispatch(&replyConn{}, "alice", &types.Frame{Type: types.FramePing})
	assert.ErrorIs(t, err, ErrHubNotRunning)

	require.NoError(t, h.Start(context.Background()))
	defer h.Stop()
	assert.ErrorIs(t, h.Dispatch(&replyConn{}, "alice", nil), ErrNilFrame)
}

func TestHub_RoutesInOrder(t *testing.T) {
	r := &fakeRouter{}
	h := NewHub(r, Options{}, zerolog.Nop())
	require.NoError(t, h.Start(context.Background()))
	defer h.Stop()

	conn := &replyConn{}
	for i := 0; i < 20; i++ {
		require.NoError(t, h.Dispatch(conn, "alice", &types.Frame{Type: types.FrameBroadcast, To: string(rune('a' + i))}))
	}

	require.Eventually(t, func() bool { return len(r.frames()) == 20 }, 2*time.Second, 5*time.Millisecond)
	for i, rf := range r.frames() {
		assert.Equal(t, string(rune('a'+i)), rf.frame.To)
		assert.Equal(t, "alice", rf.senderID)
	}
	assert.Empty(t, conn.replies())
}

func TestHub_RoutingErrorRepliesToSender(t *testing.T) {
	r := &fakeRouter{err: router.ErrRateLimited}
	h := NewHub(r, Options{}, zerolog.Nop())
	require.NoError(t, h.Start(context.Background()))
	defer h.Stop()

	conn := &replyConn{}
	require.NoError(t, h.Dispatch(conn, "alice", &types.Frame{Type: types.FramePing}))

	require.Eventually(t, func() bool { return len(conn.replies()) == 1 }, 2*time.Second, 5*time.Millisecond)
	reply := conn.replies()[0]
	assert.Equal(t, types.EventError, reply.Type)
	assert.Equal(t, types.ErrorCodeRateLimited, reply.Data.(types.ErrorData).Code)

	r.mu.Lock()
	r.err = errors.New("boom")
	r.mu.Unlock()
	require.NoError(t, h.Dispatch(conn, "alice", &types.Frame{Type: types.FramePing}))
	require.Eventually(t, func() bool { return len(conn.replies()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, types.ErrorCodeDeliveryFailed, conn.replies()[1].Data.(types.ErrorData).Code)
}

func TestHub_FailedErrorReplyDeregistersSender(t *testing.T) {
	registry := websocket.NewRegistry(websocket.RegistryOptions{}, zerolog.Nop())
	conn := &replyConn{fail: true}
	require.NoError(t, registry.Register(conn, "alice"))

	h := NewHub(&fakeRouter{err: router.ErrRateLimited}, Options{Replies: registry}, zerolog.Nop())
	require.NoError(t, h.Start(context.Background()))
	defer h.Stop()

	require.NoError(t, h.Dispatch(conn, "alice", &types.Frame{Type: types.FramePing}))

	require.Eventually(t, func() bool { return !registry.IsOnline("alice") }, 2*time.Second, 5*time.Millisecond)
	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.True(t, conn.closed)
}

func TestHub_QueueFull(t *testing.T) {
	r := &fakeRouter{block: make(chan struct{}), started: make(chan struct{}, 1)}
	h := NewHub(r, Options{QueueSize: 2}, zerolog.Nop())
	require.NoError(t, h.Start(context.Background()))

	conn := &replyConn{}
	frame := &types.Frame{Type: types.FramePing}
	require.NoError(t, h.Dispatch(conn, "alice", frame))
	<-r.started // loop is now stuck inside the router

	require.NoError(t, h.Dispatch(conn, "alice", frame))
	require.NoError(t, h.Dispatch(conn, "alice", frame))
	assert.Equal(t, 2, h.QueueLength())
	assert.ErrorIs(t, h.Dispatch(conn, "alice", frame), ErrFrameChannelFull)

	r.started = nil
	close(r.block)
	require.NoError(t, h.Stop())
}

func TestHub_StopsWithContext(t *testing.T) {
	h := NewHub(&fakeRouter{}, Options{}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.Start(ctx))

	cancel()
	assert.Eventually(t, func() bool {
		return errors.Is(h.Dispatch(&replyConn{}, "alice", &types.Frame{Type: types.FramePing}), ErrHubNotRunning)
	}, time.Second, 5*time.Millisecond)
}
