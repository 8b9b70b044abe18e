package websocket

import (
	"context"
	"errors"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"fanout/internal/metrics"
	"fanout/pkg/interfaces"
	"fanout/pkg/types"
)

// presenceStripes is the number of per-user presence sync locks.
const presenceStripes = 64

// RegistryOptions configures the presence side effects of a Registry.
type RegistryOptions struct {
	// Presence receives online/offline transitions. Nil disables presence.
	Presence interfaces.PresenceTracker
	// PresenceTimeout bounds each presence call. Defaults to 2s.
	PresenceTimeout time.Duration
	// Now stamps transitions. Defaults to time.Now.
	Now func() time.Time
}

// Registry owns every live connection of this process and performs fanout.
//
// The forward map (user -> connections) and reverse map (connection -> user)
// are mutated under one lock and are always exact inverses. A user is present
// in the forward map only while they hold at least one connection.
//
// Sends never fail the caller: a connection that cannot be written to is
// closed and deregistered, which may cascade into an offline transition.
type Registry struct {
	mu             sync.RWMutex
	byUser         map[string]map[string]interfaces.Connection // userID -> connID -> conn
	byConn         map[string]string                           // connID -> userID
	lastTransition map[string]time.Time                        // userID -> last online/offline flip

	presence        interfaces.PresenceTracker
	presenceTimeout time.Duration
	presenceMu      [presenceStripes]sync.Mutex
	now             func() time.Time
	logger          zerolog.Logger
}

func NewRegistry(opts RegistryOptions, logger zerolog.Logger) *Registry {
	if opts.PresenceTimeout <= 0 {
		opts.PresenceTimeout = 2 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		byUser:          make(map[string]map[string]interfaces.Connection),
		byConn:          make(map[string]string),
		lastTransition:  make(map[string]time.Time),
		presence:        opts.Presence,
		presenceTimeout: opts.PresenceTimeout,
		now:             opts.Now,
		logger:          logger.With().Str("component", "registry").Logger(),
	}
}

// Register adds conn under userID. Registering the same connection for the
// same user again is a no-op; a connection never moves between users.
func (r *Registry) Register(conn interfaces.Connection, userID string) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !types.IsValidUserID(userID) {
		return types.ErrInvalidUserID
	}

	connID := conn.ID()

	r.mu.Lock()
	if owner, ok := r.byConn[connID]; ok {
		r.mu.Unlock()
		if owner == userID {
			return nil
		}
		return ErrConnectionOwned
	}

	conns, ok := r.byUser[userID]
	if !ok {
		conns = make(map[string]interfaces.Connection)
		r.byUser[userID] = conns
		r.lastTransition[userID] = r.now().UTC()
	}
	conns[connID] = conn
	r.byConn[connID] = userID
	first := len(conns) == 1
	r.mu.Unlock()

	metrics.ConnectionsActive.Inc()
	if first {
		metrics.UsersOnline.Inc()
	}
	r.logger.Debug().Str("user_id", userID).Str("conn_id", connID).Bool("first", first).Msg("connection registered")

	r.syncPresence(userID)
	return nil
}

// Deregister removes conn from the index. Unknown or already removed
// connections are ignored, so every failure path may call it.
func (r *Registry) Deregister(conn interfaces.Connection) {
	if conn == nil {
		return
	}
	connID := conn.ID()

	r.mu.Lock()
	userID, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	conns := r.byUser[userID]
	// Only the registered instance may remove itself.
	if registered, exists := conns[connID]; !exists || registered != conn {
		r.mu.Unlock()
		return
	}

	delete(r.byConn, connID)
	delete(conns, connID)
	last := len(conns) == 0
	if last {
		delete(r.byUser, userID)
		r.lastTransition[userID] = r.now().UTC()
	}
	r.mu.Unlock()

	metrics.ConnectionsActive.Dec()
	if last {
		metrics.UsersOnline.Dec()
	}
	r.logger.Debug().Str("user_id", userID).Str("conn_id", connID).Bool("last", last).Msg("connection deregistered")

	r.syncPresence(userID)
}

// syncPresence publishes the user's current index state. Calls for one user
// are serialized and read the index under that serialization, so the last
// call to finish always writes the latest state.
func (r *Registry) syncPresence(userID string) {
	if r.presence == nil {
		return
	}

	mu := &r.presenceMu[stripe(userID)]
	mu.Lock()
	defer mu.Unlock()

	count := r.ConnectionCountForUser(userID)

	ctx, cancel := context.WithTimeout(context.Background(), r.presenceTimeout)
	defer cancel()

	if count > 0 {
		if err := r.presence.SetOnline(ctx, userID, count); err != nil {
			r.presenceFailed("set_online", userID, err)
		}
		return
	}
	if err := r.presence.SetOffline(ctx, userID); err != nil {
		r.presenceFailed("set_offline", userID, err)
	}
}

func (r *Registry) presenceFailed(op, userID string, err error) {
	metrics.PresenceErrors.WithLabelValues(op).Inc()
	r.logger.Warn().Err(err).Str("op", op).Str("user_id", userID).Msg("presence update dropped")
}

func stripe(userID string) int {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return int(h.Sum32() % presenceStripes)
}

// Heartbeat records liveness for the owner of conn. A record that expired,
// or that another replica marked offline while this one still holds a
// connection, is re-published from the index.
func (r *Registry) Heartbeat(conn interfaces.Connection) {
	if r.presence == nil || conn == nil {
		return
	}
	userID, ok := r.OwnerOf(conn)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.presenceTimeout)
	err := r.presence.UpdateLastSeen(ctx, userID)
	cancel()

	switch {
	case err == nil:
	case errors.Is(err, interfaces.ErrPresenceNotFound), errors.Is(err, interfaces.ErrPresenceOffline):
		r.syncPresence(userID)
	default:
		r.presenceFailed("update_last_seen", userID, err)
	}
}

// SendToConnection delivers payload to one connection. A failed write closes
// and deregisters the connection; the error is not returned.
func (r *Registry) SendToConnection(conn interfaces.Connection, payload interface{}) {
	if conn == nil {
		return
	}
	if r.deliver(conn, payload) {
		metrics.Deliveries.WithLabelValues("connection").Inc()
	}
}

// SendToUser delivers payload to every connection of userID.
func (r *Registry) SendToUser(userID string, payload interface{}) {
	r.fanout("user", r.snapshotUser(userID), payload)
}

// Broadcast delivers payload to every connection except those owned by
// excludeUserID. An empty excludeUserID excludes nobody.
func (r *Registry) Broadcast(payload interface{}, excludeUserID string) {
	r.mu.RLock()
	targets := make([]interfaces.Connection, 0, len(r.byConn))
	for userID, conns := range r.byUser {
		if excludeUserID != "" && userID == excludeUserID {
			continue
		}
		for _, conn := range conns {
			targets = append(targets, conn)
		}
	}
	r.mu.RUnlock()

	r.fanout("broadcast", targets, payload)
}

// BroadcastToUsers delivers payload to every connection of the listed users.
// Duplicate ids are delivered once.
func (r *Registry) BroadcastToUsers(payload interface{}, userIDs []string) {
	seen := make(map[string]struct{}, len(userIDs))
	var targets []interfaces.Connection

	r.mu.RLock()
	for _, userID := range userIDs {
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		for _, conn := range r.byUser[userID] {
			targets = append(targets, conn)
		}
	}
	r.mu.RUnlock()

	r.fanout("multicast", targets, payload)
}

func (r *Registry) snapshotUser(userID string) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byUser[userID]
	out := make([]interfaces.Connection, 0, len(conns))
	for _, conn := range conns {
		out = append(out, conn)
	}
	return out
}

// fanout writes to a snapshot taken outside the lock. Connections added
// after the snapshot are skipped; removed ones fail and are pruned again.
func (r *Registry) fanout(scope string, targets []interfaces.Connection, payload interface{}) {
	delivered := 0
	for _, conn := range targets {
		if r.deliver(conn, payload) {
			delivered++
		}
	}
	if delivered > 0 {
		metrics.Deliveries.WithLabelValues(scope).Add(float64(delivered))
	}
}

// tryWriter is implemented by connections that can refuse a message instead
// of waiting for buffer space.
type tryWriter interface {
	TryWriteJSON(v interface{}) error
}

// deliver never waits on a full buffer: a peer that cannot keep up is
// treated like a failed write.
func (r *Registry) deliver(conn interfaces.Connection, payload interface{}) bool {
	var err error
	if tw, ok := conn.(tryWriter); ok {
		err = tw.TryWriteJSON(payload)
	} else {
		err = conn.WriteJSON(payload)
	}
	if err == nil {
		return true
	}

	metrics.SendFailures.Inc()
	r.logger.Debug().Err(err).Str("conn_id", conn.ID()).Msg("send failed, pruning connection")
	r.Deregister(conn)
	_ = conn.Close()
	return false
}

// OwnerOf returns the user a connection is registered under.
func (r *Registry) OwnerOf(conn interfaces.Connection) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.byConn[conn.ID()]
	return userID, ok
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byUser[userID]
	return ok
}

// OnlineUserIDs returns the users holding a connection here, sorted.
func (r *Registry) OnlineUserIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byUser))
	for userID := range r.byUser {
		ids = append(ids, userID)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

func (r *Registry) ConnectionCountForUser(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// LastTransition reports when userID last went online or offline on this
// process.
func (r *Registry) LastTransition(userID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.lastTransition[userID]
	return t, ok
}

// PruneTransitions forgets transition times of offline users older than
// before. Online users are always kept.
func (r *Registry) PruneTransitions(before time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for userID, t := range r.lastTransition {
		if _, online := r.byUser[userID]; online {
			continue
		}
		if t.Before(before) {
			delete(r.lastTransition, userID)
			removed++
		}
	}
	return removed
}

// GetStats returns registry counters for health reporting.
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]int{
		"total_connections": len(r.byConn),
		"online_users":      len(r.byUser),
	}
}

// CloseAll closes and deregisters every connection, marking their users
// offline. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	all := make([]interfaces.Connection, 0, len(r.byConn))
	for _, conns := range r.byUser {
		for _, conn := range conns {
			all = append(all, conn)
		}
	}
	r.mu.RUnlock()

	for _, conn := range all {
		if c, ok := conn.(*Connection); ok {
			_ = c.CloseWithReason(websocket.CloseGoingAway, "server shutting down")
		} else {
			_ = conn.Close()
		}
		r.Deregister(conn)
	}
	r.logger.Info().Int("connections", len(all)).Msg("closed all connections")
}
