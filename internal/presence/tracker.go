// Package presence mirrors per-user online state into Redis so any replica
// can answer "is this user online, and since when".
//
// Layout in the store:
//
//	presence:user:<id>    JSON Record, TTL = online TTL or offline retention
//	presence:detail:<id>  JSON detailed status, TTL = status TTL
//	presence:online       SET of user ids currently marked online
//
// The tracker keeps no local state. It is eventually consistent with the
// connection registry; a crashed replica's records age out through TTL or
// CleanupStale.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"fanout/pkg/interfaces"
	"fanout/pkg/types"
)

const (
	userKeyPrefix   = "presence:user:"
	detailKeyPrefix = "presence:detail:"
	onlineSetKey    = "presence:online"

	// watchRetries bounds optimistic-lock retries in UpdateLastSeen.
	watchRetries = 3
	scanBatch    = 100
)

// Record is the coarse presence state of one user.
type Record struct {
	UserID          string    `json:"user_id"`
	Online          bool      `json:"online"`
	LastSeen        time.Time `json:"last_seen"`
	ConnectionCount int       `json:"connection_count"`
}

type detail struct {
	Status    types.PresenceState `json:"status"`
	Metadata  map[string]any      `json:"metadata,omitempty"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Status is the read model returned to callers. LastSeen is nil when no
// record exists.
type Status struct {
	UserID          string              `json:"user_id"`
	Status          types.PresenceState `json:"status"`
	Online          bool                `json:"online"`
	LastSeen        *time.Time          `json:"last_seen,omitempty"`
	ConnectionCount int                 `json:"connection_count"`
	Metadata        map[string]any      `json:"metadata,omitempty"`
}

// Options configures record lifetimes.
type Options struct {
	OnlineTTL        time.Duration
	OfflineRetention time.Duration
	StatusTTL        time.Duration
	// Now is the clock used for last-seen stamps. Defaults to time.Now.
	Now func() time.Time
}

// Tracker implements interfaces.PresenceTracker and interfaces.StatusSetter
// against Redis.
type Tracker struct {
	rdb    redis.UniversalClient
	opts   Options
	logger zerolog.Logger
}

var (
	_ interfaces.PresenceTracker = (*Tracker)(nil)
	_ interfaces.StatusSetter    = (*Tracker)(nil)
)

func NewTracker(rdb redis.UniversalClient, opts Options, logger zerolog.Logger) *Tracker {
	if opts.OnlineTTL <= 0 {
		opts.OnlineTTL = 5 * time.Minute
	}
	if opts.OfflineRetention < opts.OnlineTTL {
		opts.OfflineRetention = 7 * 24 * time.Hour
	}
	if opts.StatusTTL <= 0 {
		opts.StatusTTL = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{
		rdb:    rdb,
		opts:   opts,
		logger: logger.With().Str("component", "presence").Logger(),
	}
}

func userKey(userID string) string   { return userKeyPrefix + userID }
func detailKey(userID string) string { return detailKeyPrefix + userID }

func (t *Tracker) now() time.Time { return t.opts.Now().UTC() }

// SetOnline upserts the user's record as online with the given connection
// count and renews its TTL.
func (t *Tracker) SetOnline(ctx context.Context, userID string, connectionCount int) error {
	if !types.IsValidUserID(userID) {
		return types.ErrInvalidUserID
	}
	rec := Record{
		UserID:          userID,
		Online:          true,
		LastSeen:        t.now(),
		ConnectionCount: connectionCount,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal presence record: %w", err)
	}

	_, err = t.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, userKey(userID), data, t.opts.OnlineTTL)
		pipe.SAdd(ctx, onlineSetKey, userID)
		// The set outlives any single record; stale members are swept by CleanupStale.
		pipe.Expire(ctx, onlineSetKey, t.opts.OnlineTTL*2)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: set online %s: %v", ErrStore, userID, err)
	}

	t.logger.Debug().Str("user_id", userID).Int("connections", connectionCount).Msg("user online")
	return nil
}

// SetOffline overwrites the record as offline with last-seen=now and the
// longer offline retention. The detailed status is dropped.
func (t *Tracker) SetOffline(ctx context.Context, userID string) error {
	if !types.IsValidUserID(userID) {
		return types.ErrInvalidUserID
	}
	if err := t.writeOffline(ctx, userID, t.now()); err != nil {
		return err
	}
	t.logger.Debug().Str("user_id", userID).Msg("user offline")
	return nil
}

func (t *Tracker) writeOffline(ctx context.Context, userID string, lastSeen time.Time) error {
	data, err := json.Marshal(Record{UserID: userID, LastSeen: lastSeen})
	if err != nil {
		return fmt.Errorf("failed to marshal presence record: %w", err)
	}

	_, err = t.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, userKey(userID), data, t.opts.OfflineRetention)
		pipe.SRem(ctx, onlineSetKey, userID)
		pipe.Del(ctx, detailKey(userID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: set offline %s: %v", ErrStore, userID, err)
	}
	return nil
}

// UpdateLastSeen refreshes last-seen and renews the TTL matching the current
// online flag. It returns interfaces.ErrPresenceNotFound when the record has
// already expired and interfaces.ErrPresenceOffline when it is marked
// offline, so a caller still holding connections can re-publish it.
func (t *Tracker) UpdateLastSeen(ctx context.Context, userID string) error {
	key := userKey(userID)

	update := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return interfaces.ErrPresenceNotFound
		}
		if err != nil {
			return err
		}

		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptRecord, err)
		}
		rec.LastSeen = t.now()

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		ttl := t.opts.OfflineRetention
		if rec.Online {
			ttl = t.opts.OnlineTTL
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, ttl)
			if rec.Online {
				pipe.SAdd(ctx, onlineSetKey, userID)
				pipe.Expire(ctx, onlineSetKey, t.opts.OnlineTTL*2)
			}
			return nil
		})
		if err == nil && !rec.Online {
			return interfaces.ErrPresenceOffline
		}
		return err
	}

	var err error
	for i := 0; i < watchRetries; i++ {
		err = t.rdb.Watch(ctx, update, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, interfaces.ErrPresenceNotFound),
		errors.Is(err, interfaces.ErrPresenceOffline),
		errors.Is(err, ErrCorruptRecord):
		return err
	default:
		return fmt.Errorf("%w: update last seen %s: %v", ErrStore, userID, err)
	}
}

// SetDetailedStatus records a richer status independent of the online flag.
func (t *Tracker) SetDetailedStatus(ctx context.Context, userID string, status types.PresenceState, metadata map[string]any) error {
	if !types.IsValidUserID(userID) {
		return types.ErrInvalidUserID
	}
	if !types.IsValidStatus(string(status)) {
		return types.ErrInvalidStatus
	}

	data, err := json.Marshal(detail{Status: status, Metadata: metadata, UpdatedAt: t.now()})
	if err != nil {
		return fmt.Errorf("failed to marshal presence status: %w", err)
	}
	if err := t.rdb.Set(ctx, detailKey(userID), data, t.opts.StatusTTL).Err(); err != nil {
		return fmt.Errorf("%w: set status %s: %v", ErrStore, userID, err)
	}
	return nil
}

// GetStatus returns the user's status. A missing record yields
// types.StateUnknown, not an error.
func (t *Tracker) GetStatus(ctx context.Context, userID string) (*Status, error) {
	statuses, err := t.GetStatuses(ctx, []string{userID})
	if err != nil {
		return nil, err
	}
	return statuses[userID], nil
}

// GetStatuses is GetStatus for many users in one round trip. Every requested
// id is present in the result.
func (t *Tracker) GetStatuses(ctx context.Context, userIDs []string) (map[string]*Status, error) {
	result := make(map[string]*Status, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}

	pipe := t.rdb.Pipeline()
	recCmds := make([]*redis.StringCmd, len(userIDs))
	detCmds := make([]*redis.StringCmd, len(userIDs))
	for i, id := range userIDs {
		recCmds[i] = pipe.Get(ctx, userKey(id))
		detCmds[i] = pipe.Get(ctx, detailKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: get statuses: %v", ErrStore, err)
	}

	for i, id := range userIDs {
		st := &Status{UserID: id, Status: types.StateUnknown}
		result[id] = st

		raw, err := recCmds[i].Bytes()
		if err != nil {
			// redis.Nil: never connected or expired.
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			t.logger.Warn().Err(err).Str("user_id", id).Msg("skipping corrupt presence record")
			continue
		}

		lastSeen := rec.LastSeen
		st.LastSeen = &lastSeen
		st.Online = rec.Online
		st.ConnectionCount = rec.ConnectionCount
		if !rec.Online {
			st.Status = types.StateOffline
			continue
		}

		st.Status = types.StateOnline
		if raw, err := detCmds[i].Bytes(); err == nil {
			var d detail
			if err := json.Unmarshal(raw, &d); err == nil {
				st.Status = d.Status
				st.Metadata = d.Metadata
			}
		}
	}

	return result, nil
}

// OnlineUserIDs returns up to limit members of the online set. A limit of
// zero or less returns every member.
func (t *Tracker) OnlineUserIDs(ctx context.Context, limit int) ([]string, error) {
	ids := make([]string, 0)
	err := t.scanOnline(ctx, func(batch []string) bool {
		for _, id := range batch {
			if limit > 0 && len(ids) >= limit {
				return false
			}
			ids = append(ids, id)
		}
		return limit <= 0 || len(ids) < limit
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// OnlineCount is the cardinality of the online set.
func (t *Tracker) OnlineCount(ctx context.Context) (int64, error) {
	n, err := t.rdb.SCard(ctx, onlineSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: online count: %v", ErrStore, err)
	}
	return n, nil
}

// CleanupStale marks offline every member of the online set whose last-seen
// is older than maxAge, keeping the original last-seen. Members whose record
// already expired are removed from the set. It returns how many users were
// transitioned or removed.
func (t *Tracker) CleanupStale(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := t.now().Add(-maxAge)
	cleaned := 0

	err := t.scanOnline(ctx, func(batch []string) bool {
		pipe := t.rdb.Pipeline()
		cmds := make([]*redis.StringCmd, len(batch))
		for i, id := range batch {
			cmds[i] = pipe.Get(ctx, userKey(id))
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			t.logger.Warn().Err(err).Msg("stale sweep batch failed")
			return true
		}

		for i, id := range batch {
			raw, err := cmds[i].Bytes()
			if err != nil && !errors.Is(err, redis.Nil) {
				continue
			}
			if err == nil {
				var rec Record
				if err := json.Unmarshal(raw, &rec); err != nil {
					t.logger.Warn().Err(err).Str("user_id", id).Msg("corrupt presence record during sweep")
					continue
				}
				if rec.Online && !rec.LastSeen.Before(cutoff) {
					continue
				}
			}
			swept, err := t.sweepUser(ctx, id, cutoff)
			if err != nil {
				t.logger.Warn().Err(err).Str("user_id", id).Msg("failed to mark stale user offline")
				continue
			}
			if swept {
				cleaned++
			}
		}
		return true
	})
	if err != nil {
		return cleaned, err
	}

	if cleaned > 0 {
		t.logger.Info().Int("cleaned", cleaned).Dur("max_age", maxAge).Msg("stale presence swept")
	}
	return cleaned, nil
}

// sweepUser re-reads userID's record under WATCH. A stale record is marked
// offline and an expired one is dropped from the online set. A SetOnline or
// heartbeat landing between the sweep's read and its write aborts the
// transaction instead of being overwritten.
func (t *Tracker) sweepUser(ctx context.Context, userID string, cutoff time.Time) (bool, error) {
	key := userKey(userID)
	swept := false

	sweep := func(tx *redis.Tx) error {
		swept = false
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			// Expired without SetOffline: only the set membership is left.
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.SRem(ctx, onlineSetKey, userID)
				return nil
			})
			swept = err == nil
			return err
		}
		if err != nil {
			return err
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptRecord, err)
		}
		if rec.Online && !rec.LastSeen.Before(cutoff) {
			return nil
		}

		data, err := json.Marshal(Record{UserID: userID, LastSeen: rec.LastSeen})
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, t.opts.OfflineRetention)
			pipe.SRem(ctx, onlineSetKey, userID)
			pipe.Del(ctx, detailKey(userID))
			return nil
		})
		if err == nil {
			swept = true
		}
		return err
	}

	var err error
	for i := 0; i < watchRetries; i++ {
		err = t.rdb.Watch(ctx, sweep, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil && !errors.Is(err, ErrCorruptRecord) {
		return false, fmt.Errorf("%w: sweep %s: %v", ErrStore, userID, err)
	}
	return swept, err
}

// scanOnline walks the online set with SSCAN, handing each batch to fn until
// fn returns false or the cursor wraps.
func (t *Tracker) scanOnline(ctx context.Context, fn func(batch []string) bool) error {
	var cursor uint64
	for {
		batch, next, err := t.rdb.SScan(ctx, onlineSetKey, cursor, "", scanBatch).Result()
		if err != nil {
			return fmt.Errorf("%w: scan online set: %v", ErrStore, err)
		}
		if len(batch) > 0 && !fn(batch) {
			return nil
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
