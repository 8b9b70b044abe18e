package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fanout/internal/config"
)

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewRedisClient(context.Background(), &config.RedisConfig{
		URL:         "redis://" + mr.Addr() + "/0",
		DialTimeout: time.Second,
	})
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestNewRedisClient_DBOverride(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewRedisClient(context.Background(), &config.RedisConfig{
		URL: "redis://" + mr.Addr() + "/0",
		DB:  3,
	})
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	got, err := mr.DB(3).Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestNewRedisClient_Errors(t *testing.T) {
	_, err := NewRedisClient(context.Background(), &config.RedisConfig{URL: "not a url"})
	assert.ErrorContains(t, err, "parse")

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	client, err := NewRedisClient(context.Background(), &config.RedisConfig{
		URL:         "redis://" + addr,
		DialTimeout: 200 * time.Millisecond,
	})
	assert.ErrorIs(t, err, ErrUnreachable)
	require.NotNil(t, client, "an unreachable store still yields a client")
	client.Close()
}

func TestNewRedisClient_RecoversAfterOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	client, err := NewRedisClient(context.Background(), &config.RedisConfig{
		URL:         "redis://" + addr,
		DialTimeout: 200 * time.Millisecond,
	})
	require.ErrorIs(t, err, ErrUnreachable)
	defer client.Close()

	require.NoError(t, mr.Restart())
	assert.NoError(t, client.Ping(context.Background()).Err())
}
