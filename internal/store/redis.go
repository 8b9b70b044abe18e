// Package store builds the client for the shared state store that presence
// and rate limiting run against.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"fanout/internal/config"
)

// ErrUnreachable reports a failed initial ping. The client returned with it
// is usable and reconnects on its own once the server is back.
var ErrUnreachable = errors.New("redis unreachable")

// NewRedisClient parses the configured URL, applies the DB override and
// pings the server once. Only a bad URL is fatal: on ping failure the client
// is returned together with an error wrapping ErrUnreachable.
func NewRedisClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.DB != 0 {
		opt.DB = cfg.DB
	}
	if cfg.DialTimeout > 0 {
		opt.DialTimeout = cfg.DialTimeout
	}

	client := redis.NewClient(opt)

	pingCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		return client, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	return client, nil
}
