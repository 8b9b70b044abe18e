package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fanout/pkg/interfaces"
	"fanout/pkg/types"
)

// fakeConn records everything written to it and can be told to fail.
type fakeConn struct {
	id     string
	mu     sync.Mutex
	sent   []interface{}
	fail   atomic.Bool
	closed atomic.Int32
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) WriteJSON(v interface{}) error {
	if f.fail.Load() || f.closed.Load() > 0 {
		return ErrConnectionClosed
	}
	f.mu.Lock()
	f.sent = append(f.sent, v)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Close() error {
	f.closed.Add(1)
	return nil
}

func (f *fakeConn) messages() []interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]interface{}(nil), f.sent...)
}

// presenceCall is one recorded tracker call.
type presenceCall struct {
	op     string
	userID string
	count  int
}

type fakePresence struct {
	mu       sync.Mutex
	calls    []presenceCall
	err      error
	notFound bool
}

func (p *fakePresence) record(c presenceCall) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, c)
	return p.err
}

func (p *fakePresence) SetOnline(_ context.Context, userID string, count int) error {
	return p.record(presenceCall{"online", userID, count})
}

func (p *fakePresence) SetOffline(_ context.Context, userID string) error {
	return p.record(presenceCall{"offline", userID, 0})
}

func (p *fakePresence) UpdateLastSeen(_ context.Context, userID string) error {
	if err := p.record(presenceCall{"seen", userID, 0}); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.notFound {
		return interfaces.ErrPresenceNotFound
	}
	return nil
}

func (p *fakePresence) history() []presenceCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]presenceCall(nil), p.calls...)
}

func newTestRegistry(p interfaces.PresenceTracker) *Registry {
	return NewRegistry(RegistryOptions{Presence: p}, zerolog.Nop())
}

// assertIndexConsistent checks that the forward and reverse maps are inverses.
func assertIndexConsistent(t *testing.T, r *Registry) {
	t.Helper()
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for userID, conns := range r.byUser {
		assert.NotEmpty(t, conns, "user %s present with no connections", userID)
		for connID := range conns {
			assert.Equal(t, userID, r.byConn[connID])
			total++
		}
	}
	assert.Equal(t, total, len(r.byConn))
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := newTestRegistry(nil)

	assert.ErrorIs(t, r.Register(nil, "alice"), ErrNilConnection)
	assert.ErrorIs(t, r.Register(newFakeConn("c1"), ""), types.ErrInvalidUserID)
	assert.ErrorIs(t, r.Register(newFakeConn("c1"), "bad user"), types.ErrInvalidUserID)
	assert.Equal(t, 0, r.OnlineCount())
}

func TestRegistry_RegisterAndDeregister(t *testing.T) {
	p := &fakePresence{}
	r := newTestRegistry(p)
	c1, c2 := newFakeConn("c1"), newFakeConn("c2")

	require.NoError(t, r.Register(c1, "alice"))
	require.NoError(t, r.Register(c2, "alice"))
	assertIndexConsistent(t, r)

	assert.True(t, r.IsOnline("alice"))
	assert.Equal(t, 2, r.ConnectionCountForUser("alice"))
	assert.Equal(t, 1, r.OnlineCount())
	assert.Equal(t, []string{"alice"}, r.OnlineUserIDs())

	r.Deregister(c1)
	assert.True(t, r.IsOnline("alice"), "one connection left")
	r.Deregister(c2)
	assert.False(t, r.IsOnline("alice"))
	assert.Equal(t, 0, r.ConnectionCountForUser("alice"))
	assertIndexConsistent(t, r)

	assert.Equal(t, []presenceCall{
		{"online", "alice", 1},
		{"online", "alice", 2},
		{"online", "alice", 1},
		{"offline", "alice", 0},
	}, p.history())
}

func TestRegistry_RegisterIsIdempotent(t *testing.T) {
	r := newTestRegistry(nil)
	c := newFakeConn("c1")

	require.NoError(t, r.Register(c, "alice"))
	require.NoError(t, r.Register(c, "alice"))
	assert.Equal(t, 1, r.ConnectionCountForUser("alice"))

	assert.ErrorIs(t, r.Register(c, "bob"), ErrConnectionOwned)
	assert.False(t, r.IsOnline("bob"))
	assertIndexConsistent(t, r)
}

func TestRegistry_DeregisterIsIdempotent(t *testing.T) {
	p := &fakePresence{}
	r := newTestRegistry(p)
	c := newFakeConn("c1")

	r.Deregister(c)
	r.Deregister(nil)
	assert.Empty(t, p.history(), "unknown connections produce no presence calls")

	require.NoError(t, r.Register(c, "alice"))
	r.Deregister(c)
	r.Deregister(c)

	assert.Len(t, p.history(), 2)
	assertIndexConsistent(t, r)
}

func TestRegistry_DeregisterIgnoresStaleInstance(t *testing.T) {
	r := newTestRegistry(nil)
	current := newFakeConn("c1")
	stale := newFakeConn("c1")

	require.NoError(t, r.Register(current, "alice"))
	r.Deregister(stale)

	assert.True(t, r.IsOnline("alice"))
}

func TestRegistry_SendToUser(t *testing.T) {
	r := newTestRegistry(nil)
	a1, a2, b := newFakeConn("a1"), newFakeConn("a2"), newFakeConn("b")
	require.NoError(t, r.Register(a1, "alice"))
	require.NoError(t, r.Register(a2, "alice"))
	require.NoError(t, r.Register(b, "bob"))

	r.SendToUser("alice", "hello")
	r.SendToUser("nobody", "ignored")

	assert.Equal(t, []interface{}{"hello"}, a1.messages())
	assert.Equal(t, []interface{}{"hello"}, a2.messages())
	assert.Empty(t, b.messages())
}

func TestRegistry_BroadcastExcludesUser(t *testing.T) {
	r := newTestRegistry(nil)
	a1, a2, b, c := newFakeConn("a1"), newFakeConn("a2"), newFakeConn("b"), newFakeConn("c")
	require.NoError(t, r.Register(a1, "alice"))
	require.NoError(t, r.Register(a2, "alice"))
	require.NoError(t, r.Register(b, "bob"))
	require.NoError(t, r.Register(c, "carol"))

	r.Broadcast("news", "alice")
	assert.Empty(t, a1.messages())
	assert.Empty(t, a2.messages())
	assert.Len(t, b.messages(), 1)
	assert.Len(t, c.messages(), 1)

	r.Broadcast("all", "")
	assert.Len(t, a1.messages(), 1)
	assert.Len(t, b.messages(), 2)
}

func TestRegistry_BroadcastToUsers(t *testing.T) {
	r := newTestRegistry(nil)
	a, b, c := newFakeConn("a"), newFakeConn("b"), newFakeConn("c")
	require.NoError(t, r.Register(a, "alice"))
	require.NoError(t, r.Register(b, "bob"))
	require.NoError(t, r.Register(c, "carol"))

	r.BroadcastToUsers("hi", []string{"alice", "bob", "alice", "ghost"})

	assert.Len(t, a.messages(), 1, "duplicates delivered once")
	assert.Len(t, b.messages(), 1)
	assert.Empty(t, c.messages())
}

func TestRegistry_FailedSendPrunesConnection(t *testing.T) {
	p := &fakePresence{}
	r := newTestRegistry(p)
	good, bad := newFakeConn("good"), newFakeConn("bad")
	require.NoError(t, r.Register(good, "alice"))
	require.NoError(t, r.Register(bad, "bob"))

	bad.fail.Store(true)
	r.Broadcast("ping", "")

	assert.Len(t, good.messages(), 1)
	assert.False(t, r.IsOnline("bob"))
	assert.EqualValues(t, 1, bad.closed.Load())
	assertIndexConsistent(t, r)

	calls := p.history()
	assert.Equal(t, presenceCall{"offline", "bob", 0}, calls[len(calls)-1])
}

func TestRegistry_SlowPeerDoesNotStallFanout(t *testing.T) {
	r := newTestRegistry(nil)

	// A connection with no writer draining its one-slot buffer.
	slow := &Connection{
		id:      "slow",
		opts:    ConnectionOptions{BufferSize: 1, WriteTimeout: time.Hour},
		writeCh: make(chan []byte, 1),
	}
	slow.ctx, slow.cancel = context.WithCancel(context.Background())
	slow.writeCh <- []byte(`"backlog"`)

	fast := newFakeConn("fast")
	require.NoError(t, r.Register(slow, "alice"))
	require.NoError(t, r.Register(fast, "bob"))

	done := make(chan struct{})
	go func() {
		r.Broadcast("hello", "")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a full send buffer")
	}

	assert.Len(t, fast.messages(), 1)
	assert.False(t, r.IsOnline("alice"), "the slow peer is pruned")
	assertIndexConsistent(t, r)
	select {
	case <-slow.Done():
	default:
		t.Fatal("slow peer was not closed")
	}
}

func TestRegistry_SendToConnection(t *testing.T) {
	r := newTestRegistry(nil)
	c := newFakeConn("c1")
	require.NoError(t, r.Register(c, "alice"))

	r.SendToConnection(c, "direct")
	r.SendToConnection(nil, "ignored")
	assert.Equal(t, []interface{}{"direct"}, c.messages())

	c.fail.Store(true)
	r.SendToConnection(c, "lost")
	assert.False(t, r.IsOnline("alice"))
}

func TestRegistry_PresenceFailureDoesNotBlockIndex(t *testing.T) {
	p := &fakePresence{err: errors.New("store down")}
	r := newTestRegistry(p)
	c := newFakeConn("c1")

	require.NoError(t, r.Register(c, "alice"))
	assert.True(t, r.IsOnline("alice"))

	r.Heartbeat(c)
	r.Deregister(c)
	assert.False(t, r.IsOnline("alice"))
	assert.Len(t, p.history(), 3)
}

func TestRegistry_HeartbeatRecreatesExpiredRecord(t *testing.T) {
	p := &fakePresence{}
	r := newTestRegistry(p)
	c := newFakeConn("c1")
	require.NoError(t, r.Register(c, "alice"))

	r.Heartbeat(c)
	p.mu.Lock()
	p.notFound = true
	p.mu.Unlock()
	r.Heartbeat(c)

	assert.Equal(t, []presenceCall{
		{"online", "alice", 1},
		{"seen", "alice", 0},
		{"seen", "alice", 0},
		{"online", "alice", 1},
	}, p.history())

	r.Heartbeat(newFakeConn("unknown"))
	assert.Len(t, p.history(), 4)
}

func TestRegistry_LastTransitionAndPrune(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(RegistryOptions{Now: func() time.Time { return now }}, zerolog.Nop())

	a, b := newFakeConn("a"), newFakeConn("b")
	require.NoError(t, r.Register(a, "alice"))
	require.NoError(t, r.Register(b, "bob"))

	at, ok := r.LastTransition("alice")
	require.True(t, ok)
	assert.Equal(t, now, at)

	now = now.Add(time.Hour)
	r.Deregister(a)
	at, _ = r.LastTransition("alice")
	assert.Equal(t, now, at)

	_, ok = r.LastTransition("nobody")
	assert.False(t, ok)

	removed := r.PruneTransitions(now.Add(time.Minute))
	assert.Equal(t, 1, removed, "only offline alice is pruned")
	_, ok = r.LastTransition("alice")
	assert.False(t, ok)
	_, ok = r.LastTransition("bob")
	assert.True(t, ok)
}

func TestRegistry_StatsAndCloseAll(t *testing.T) {
	p := &fakePresence{}
	r := newTestRegistry(p)
	conns := []*fakeConn{newFakeConn("a1"), newFakeConn("a2"), newFakeConn("b1")}
	require.NoError(t, r.Register(conns[0], "alice"))
	require.NoError(t, r.Register(conns[1], "alice"))
	require.NoError(t, r.Register(conns[2], "bob"))

	assert.Equal(t, map[string]int{"total_connections": 3, "online_users": 2}, r.GetStats())

	r.CloseAll()
	assert.Equal(t, map[string]int{"total_connections": 0, "online_users": 0}, r.GetStats())
	for _, c := range conns {
		assert.EqualValues(t, 1, c.closed.Load())
	}
}

func TestRegistry_ConcurrentChurn(t *testing.T) {
	p := &fakePresence{}
	r := newTestRegistry(p)

	var wg sync.WaitGroup
	for u := 0; u < 8; u++ {
		for k := 0; k < 5; k++ {
			wg.Add(1)
			go func(u, k int) {
				defer wg.Done()
				userID := fmt.Sprintf("user%d", u)
				c := newFakeConn(fmt.Sprintf("%s-%d", userID, k))
				for i := 0; i < 20; i++ {
					_ = r.Register(c, userID)
					r.Broadcast("tick", "")
					r.Deregister(c)
				}
			}(u, k)
		}
	}
	wg.Wait()

	assert.Equal(t, 0, r.OnlineCount())
	assertIndexConsistent(t, r)

	// The last presence call for each user must reflect the final index state.
	last := make(map[string]presenceCall)
	for _, c := range p.history() {
		last[c.userID] = c
	}
	for userID, c := range last {
		assert.Equal(t, "offline", c.op, "user %s", userID)
	}
}
