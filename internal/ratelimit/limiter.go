// Package ratelimit implements a sliding-window rate limiter backed by a
// Redis sorted set per key, with an in-process fallback while the store is
// unreachable.
//
// Each check runs as one MULTI/EXEC transaction:
//
//	ZREMRANGEBYSCORE key -inf (now-window
//	ZCARD key
//	ZRANGE key 0 0 WITHSCORES
//	ZADD key now member
//	EXPIRE key window+slack
//
// The request is denied when the ZCARD result, taken before the add, is at
// or above quota.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"fanout/internal/metrics"
)

const (
	ModeRedis  = "redis"
	ModeMemory = "memory"

	defaultKeyPrefix = "ratelimit:"
)

// Window is a quota over a trailing duration.
type Window struct {
	Quota  int
	Length time.Duration
}

func (w Window) validate() error {
	if w.Quota <= 0 || w.Length < time.Second {
		return ErrInvalidWindow
	}
	return nil
}

// Result is the outcome of a single check. RetryAfterSeconds is only set
// when Allowed is false and is then always at least 1.
type Result struct {
	Allowed           bool
	RetryAfterSeconds int
	// Remaining is the number of further requests allowed in the current
	// window, as seen by this check.
	Remaining int
	// Mode is ModeRedis or ModeMemory depending on which path decided.
	Mode string
}

type Options struct {
	// KeyPrefix namespaces store keys. Defaults to "ratelimit:".
	KeyPrefix string
	// Slack is added to the window when refreshing a key's expiry.
	Slack time.Duration
	// StoreTimeout bounds each store transaction; expiry counts as a store
	// failure and triggers the fallback.
	StoreTimeout time.Duration
	// PenalizeDenied keeps the entry of a denied request so retry storms
	// extend their own lockout. When false the entry is removed again.
	PenalizeDenied bool
	// MaxEntriesPerKey bounds the fallback list per key. Zero means twice the
	// quota; values at or below the quota are raised to quota+1.
	MaxEntriesPerKey int
	// Now is the decision clock. Defaults to time.Now.
	Now func() time.Time
}

// Limiter decides allow/deny for arbitrary keys. It is safe for concurrent
// use. A nil store client runs the limiter purely in-process.
type Limiter struct {
	rdb         redis.UniversalClient
	opts        Options
	memory      *memoryWindow
	logger      zerolog.Logger
	fallbackLog zerolog.Logger
	tracer      trace.Tracer
}

func New(rdb redis.UniversalClient, opts Options, logger zerolog.Logger) *Limiter {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = defaultKeyPrefix
	}
	if opts.Slack < 0 {
		opts.Slack = 0
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 250 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	logger = logger.With().Str("component", "ratelimit").Logger()
	return &Limiter{
		rdb:    rdb,
		opts:   opts,
		memory: newMemoryWindow(),
		logger: logger,
		// One warning per burst of store failures is enough during an outage.
		fallbackLog: logger.Sample(&zerolog.BurstSampler{Burst: 1, Period: 10 * time.Second}),
		tracer:      otel.Tracer("fanout/ratelimit"),
	}
}

// Check records a request against key and reports whether it is allowed.
// Store failures fall back to the in-process window and are never returned.
func (l *Limiter) Check(ctx context.Context, key string, w Window) Result {
	ctx, span := l.tracer.Start(ctx, "ratelimit.Check", trace.WithAttributes(
		attribute.Int("ratelimit.quota", w.Quota),
		attribute.Int64("ratelimit.window_ms", w.Length.Milliseconds()),
	))
	defer span.End()

	if err := w.validate(); err != nil {
		l.logger.Error().Err(err).Str("key", key).Msg("denying check with invalid window")
		return Result{Allowed: false, RetryAfterSeconds: 1, Mode: ModeMemory}
	}

	now := time.UnixMilli(l.opts.Now().UnixMilli())

	var res Result
	if l.rdb != nil {
		var err error
		res, err = l.checkStore(ctx, key, w, now)
		if err != nil {
			metrics.RateLimitFallbacks.Inc()
			span.RecordError(err)
			l.fallbackLog.Warn().Err(err).Str("key", key).Msg("rate limit store unavailable, using in-process window")
			res = l.checkMemory(key, w, now)
		}
	} else {
		res = l.checkMemory(key, w, now)
	}

	span.SetAttributes(
		attribute.Bool("ratelimit.allowed", res.Allowed),
		attribute.String("ratelimit.mode", res.Mode),
	)
	return res
}

func (l *Limiter) checkMemory(key string, w Window, now time.Time) Result {
	return l.memory.check(key, w, now, l.opts.PenalizeDenied, l.maxEntries(w.Quota))
}

func (l *Limiter) maxEntries(quota int) int {
	n := l.opts.MaxEntriesPerKey
	if n == 0 {
		n = 2 * quota
	}
	if n <= quota {
		n = quota + 1
	}
	return n
}

func (l *Limiter) checkStore(ctx context.Context, key string, w Window, now time.Time) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, l.opts.StoreTimeout)
	defer cancel()

	storeKey := l.opts.KeyPrefix + key
	nowMs := now.UnixMilli()
	windowStart := nowMs - w.Length.Milliseconds()
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString()

	var (
		countCmd  *redis.IntCmd
		oldestCmd *redis.ZSliceCmd
	)
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		// An entry exactly one window old has aged out.
		pipe.ZRemRangeByScore(ctx, storeKey, "-inf", strconv.FormatInt(windowStart, 10))
		countCmd = pipe.ZCard(ctx, storeKey)
		oldestCmd = pipe.ZRangeWithScores(ctx, storeKey, 0, 0)
		pipe.ZAdd(ctx, storeKey, redis.Z{Score: float64(nowMs), Member: member})
		pipe.Expire(ctx, storeKey, w.Length+l.opts.Slack)
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("sliding window transaction: %w", err)
	}

	count := int(countCmd.Val())
	if count < w.Quota {
		return Result{Allowed: true, Remaining: w.Quota - count - 1, Mode: ModeRedis}, nil
	}

	retryAfter := 1
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		retryAfter = retryAfterSeconds(time.UnixMilli(int64(oldest[0].Score)), w.Length, now)
	}

	if !l.opts.PenalizeDenied {
		if err := l.rdb.ZRem(ctx, storeKey, member).Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			l.logger.Debug().Err(err).Str("key", key).Msg("failed to drop denied entry")
		}
	}

	return Result{Allowed: false, RetryAfterSeconds: retryAfter, Mode: ModeRedis}, nil
}

// Prune drops idle in-process keys. It is a no-op for keys held in the store,
// which expire on their own.
func (l *Limiter) Prune() int {
	return l.memory.prune(l.opts.Now(), l.opts.Slack)
}

// retryAfterSeconds is the whole seconds until oldest leaves the window, plus
// one. The result is never below 1.
func retryAfterSeconds(oldest time.Time, window time.Duration, now time.Time) int {
	remaining := oldest.Add(window).Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return int(remaining/time.Second) + 1
}
