package websocket

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fanout/internal/presence"
)

// Two replicas share one store. A user connected to both must stay online
// when one of them drops its last local connection.
func TestRegistry_HeartbeatRepublishesAfterOtherReplicaOffline(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	tracker := presence.NewTracker(rdb, presence.Options{}, zerolog.Nop())

	replicaA := NewRegistry(RegistryOptions{Presence: tracker}, zerolog.Nop())
	replicaB := NewRegistry(RegistryOptions{Presence: tracker}, zerolog.Nop())

	onA, onB := newFakeConn("a1"), newFakeConn("b1")
	require.NoError(t, replicaA.Register(onA, "alice"))
	require.NoError(t, replicaB.Register(onB, "alice"))

	replicaA.Deregister(onA)
	st, err := tracker.GetStatus(context.Background(), "alice")
	require.NoError(t, err)
	require.False(t, st.Online, "replica A only sees its own connections")

	replicaB.Heartbeat(onB)

	st, err = tracker.GetStatus(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, st.Online)
	assert.Equal(t, 1, st.ConnectionCount)

	ids, err := tracker.OnlineUserIDs(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, ids)
}

func TestRegistry_HeartbeatIgnoresOfflineUserWithoutConnections(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	tracker := presence.NewTracker(rdb, presence.Options{}, zerolog.Nop())
	r := NewRegistry(RegistryOptions{Presence: tracker}, zerolog.Nop())

	conn := newFakeConn("c1")
	require.NoError(t, r.Register(conn, "alice"))
	r.Deregister(conn)

	// A late pong from a connection that is already gone must not revive alice.
	r.Heartbeat(conn)

	st, err := tracker.GetStatus(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, st.Online)
}
