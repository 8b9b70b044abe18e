package presence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fanout/pkg/interfaces"
	"fanout/pkg/types"
)

// fakeClock is a settable clock for last-seen stamps.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestTracker(t *testing.T) (*Tracker, *miniredis.Miniredis, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	tr := NewTracker(rdb, Options{
		OnlineTTL:        2 * time.Minute,
		OfflineRetention: time.Hour,
		StatusTTL:        10 * time.Minute,
		Now:              clock.Now,
	}, zerolog.Nop())
	return tr, mr, clock
}

func TestSetOnline_GetStatus(t *testing.T) {
	tr, mr, clock := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.SetOnline(ctx, "alice", 2))

	st, err := tr.GetStatus(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, types.StateOnline, st.Status)
	assert.True(t, st.Online)
	assert.Equal(t, 2, st.ConnectionCount)
	require.NotNil(t, st.LastSeen)
	assert.True(t, st.LastSeen.Equal(clock.Now()))

	assert.True(t, mr.Exists(userKey("alice")))
	assert.Equal(t, 2*time.Minute, mr.TTL(userKey("alice")))
	members, err := mr.Members(onlineSetKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, members)
}

func TestSetOnline_InvalidUser(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	assert.ErrorIs(t, tr.SetOnline(context.Background(), "bad user", 1), types.ErrInvalidUserID)
	assert.ErrorIs(t, tr.SetOffline(context.Background(), ""), types.ErrInvalidUserID)
}

func TestGetStatus_UnknownWhenMissing(t *testing.T) {
	tr, _, _ := newTestTracker(t)

	st, err := tr.GetStatus(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, types.StateUnknown, st.Status)
	assert.False(t, st.Online)
	assert.Nil(t, st.LastSeen)
}

func TestSetOffline_RetainsLastSeen(t *testing.T) {
	tr, mr, clock := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.SetOnline(ctx, "alice", 1))
	require.NoError(t, tr.SetDetailedStatus(ctx, "alice", types.StateBusy, nil))
	clock.Advance(30 * time.Second)
	require.NoError(t, tr.SetOffline(ctx, "alice"))

	st, err := tr.GetStatus(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, types.StateOffline, st.Status)
	assert.False(t, st.Online)
	assert.Zero(t, st.ConnectionCount)
	require.NotNil(t, st.LastSeen)
	assert.True(t, st.LastSeen.Equal(clock.Now()))

	assert.Equal(t, time.Hour, mr.TTL(userKey("alice")))
	assert.False(t, mr.Exists(detailKey("alice")))

	n, err := tr.OnlineCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPresenceTTL_ExpiresWithoutOffline(t *testing.T) {
	tr, mr, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.SetOnline(ctx, "alice", 1))
	mr.FastForward(2*time.Minute + time.Second)

	st, err := tr.GetStatus(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, types.StateUnknown, st.Status)
	assert.False(t, st.Online)
}

func TestUpdateLastSeen(t *testing.T) {
	tr, mr, clock := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.SetOnline(ctx, "alice", 1))
	mr.FastForward(90 * time.Second)
	clock.Advance(90 * time.Second)

	require.NoError(t, tr.UpdateLastSeen(ctx, "alice"))
	assert.Equal(t, 2*time.Minute, mr.TTL(userKey("alice")), "TTL renewed")

	mr.FastForward(90 * time.Second)
	st, err := tr.GetStatus(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, st.Online, "heartbeat kept the record alive past the original TTL")
	assert.True(t, st.LastSeen.Equal(clock.Now()))
}

func TestUpdateLastSeen_KeepsOfflineFlag(t *testing.T) {
	tr, mr, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.SetOffline(ctx, "alice"))
	assert.ErrorIs(t, tr.UpdateLastSeen(ctx, "alice"), interfaces.ErrPresenceOffline)

	st, err := tr.GetStatus(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, types.StateOffline, st.Status)
	assert.Equal(t, time.Hour, mr.TTL(userKey("alice")))
}

func TestUpdateLastSeen_Missing(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	err := tr.UpdateLastSeen(context.Background(), "ghost")
	assert.ErrorIs(t, err, interfaces.ErrPresenceNotFound)
}

func TestSetDetailedStatus(t *testing.T) {
	tr, mr, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.SetOnline(ctx, "alice", 1))
	require.NoError(t, tr.SetDetailedStatus(ctx, "alice", types.StateAway, map[string]any{"note": "lunch"}))

	st, err := tr.GetStatus(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, types.StateAway, st.Status)
	assert.Equal(t, "lunch", st.Metadata["note"])
	assert.Equal(t, 10*time.Minute, mr.TTL(detailKey("alice")))

	mr.FastForward(11 * time.Minute)
	require.NoError(t, tr.SetOnline(ctx, "alice", 1))
	st, err = tr.GetStatus(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, types.StateOnline, st.Status, "detailed status expires on its own TTL")

	assert.ErrorIs(t, tr.SetDetailedStatus(ctx, "alice", types.StateUnknown, nil), types.ErrInvalidStatus)
}

func TestGetStatuses(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.SetOnline(ctx, "a", 1))
	require.NoError(t, tr.SetOffline(ctx, "b"))

	got, err := tr.GetStatuses(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, types.StateOnline, got["a"].Status)
	assert.Equal(t, types.StateOffline, got["b"].Status)
	assert.Equal(t, types.StateUnknown, got["c"].Status)

	empty, err := tr.GetStatuses(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestOnlineUserIDs_Limit(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 250; i++ {
		require.NoError(t, tr.SetOnline(ctx, fmt.Sprintf("user-%03d", i), 1))
	}

	ids, err := tr.OnlineUserIDs(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, ids, 10)

	all, err := tr.OnlineUserIDs(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 250)

	n, err := tr.OnlineCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(250), n)
}

func TestCleanupStale(t *testing.T) {
	tr, mr, clock := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.SetOnline(ctx, "stale", 1))
	staleSeen := clock.Now()
	clock.Advance(10 * time.Minute)
	require.NoError(t, tr.SetOnline(ctx, "fresh", 1))

	// A member whose record vanished without SetOffline.
	mr.SAdd(onlineSetKey, "leaked")

	cleaned, err := tr.CleanupStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, cleaned)

	ids, err := tr.OnlineUserIDs(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, ids)

	st, err := tr.GetStatus(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, types.StateOffline, st.Status)
	require.NotNil(t, st.LastSeen)
	assert.True(t, st.LastSeen.Equal(staleSeen), "sweep keeps the original last-seen")
}

func TestCleanupStale_SparesRefreshedRecord(t *testing.T) {
	tr, _, clock := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.SetOnline(ctx, "alice", 1))
	clock.Advance(10 * time.Minute)
	cutoff := clock.Now().Add(-5 * time.Minute)

	// Another replica re-publishes alice after the sweep's batch read saw
	// her as stale; the guarded write must leave her online.
	require.NoError(t, tr.SetOnline(ctx, "alice", 1))
	swept, err := tr.sweepUser(ctx, "alice", cutoff)
	require.NoError(t, err)
	assert.False(t, swept)

	st, err := tr.GetStatus(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, st.Online)

	clock.Advance(10 * time.Minute)
	swept, err = tr.sweepUser(ctx, "alice", clock.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	assert.True(t, swept)

	// The batch read found bob's record expired, then bob reconnected.
	require.NoError(t, tr.SetOnline(ctx, "bob", 1))
	swept, err = tr.sweepUser(ctx, "bob", clock.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	assert.False(t, swept)

	ids, err := tr.OnlineUserIDs(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, ids)
}

func TestStoreOutage(t *testing.T) {
	tr, mr, _ := newTestTracker(t)
	ctx := context.Background()
	mr.Close()

	assert.ErrorIs(t, tr.SetOnline(ctx, "alice", 1), ErrStore)
	assert.ErrorIs(t, tr.SetOffline(ctx, "alice"), ErrStore)
	assert.ErrorIs(t, tr.UpdateLastSeen(ctx, "alice"), ErrStore)

	_, err := tr.GetStatus(ctx, "alice")
	assert.ErrorIs(t, err, ErrStore)
	_, err = tr.OnlineCount(ctx)
	assert.ErrorIs(t, err, ErrStore)
}
