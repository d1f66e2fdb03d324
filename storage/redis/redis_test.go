// Copyright (C) 2020 Audius, Inc.
// See LICENSE for copying information.

package redis_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audius.co/creatornode/internal/testcontext"
	"audius.co/creatornode/storage"
	"audius.co/creatornode/storage/redis"
	"audius.co/creatornode/storage/redis/redisserver"
)

func openClient(ctx *testcontext.Context, t *testing.T) (*redis.Client, *redisserver.Server) {
	server, err := redisserver.Start()
	require.NoError(t, err)

	client, err := redis.OpenClient(ctx, server.Addr(), "", 0)
	require.NoError(t, err)
	return client, server
}

func TestClientKeyValue(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	client, server := openClient(ctx, t)
	defer server.Close()
	defer ctx.Check(client.Close)

	key := storage.Key("node_sync:0xabc")

	_, err := client.Get(ctx, key)
	assert.True(t, storage.ErrKeyNotFound.Has(err))

	require.NoError(t, client.Put(ctx, key, storage.Value("held"), 0))
	value, err := client.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "held", string(value))

	require.NoError(t, client.Delete(ctx, key))
	_, err = client.Get(ctx, key)
	assert.True(t, storage.ErrKeyNotFound.Has(err))

	_, err = client.Get(ctx, storage.Key(""))
	assert.True(t, storage.ErrEmptyKey.Has(err))
}

func TestClientPutNX(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	client, server := openClient(ctx, t)
	defer server.Close()
	defer ctx.Check(client.Close)

	key := storage.Key("node_sync:0xdef")

	ok, err := client.PutNX(ctx, key, storage.Value("first"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.PutNX(ctx, key, storage.Value("second"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	value, err := client.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "first", string(value))
}

func TestClientTTLExpiry(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	client, server := openClient(ctx, t)
	defer server.Close()
	defer ctx.Check(client.Close)

	key := storage.Key("sync_request:::some-job")
	require.NoError(t, client.Put(ctx, key, storage.Value("IN_PROGRESS"), time.Minute))

	server.FastForward(2 * time.Minute)

	_, err := client.Get(ctx, key)
	assert.True(t, storage.ErrKeyNotFound.Has(err))
}

func TestClientIncrBy(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	client, server := openClient(ctx, t)
	defer server.Close()
	defer ctx.Check(client.Close)

	key := storage.Key("sync_failure_count:0xabc")

	count, err := client.IncrBy(ctx, key, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	count, err = client.IncrBy(ctx, key, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)
}

func TestClientQueueFIFO(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	client, server := openClient(ctx, t)
	defer server.Close()
	defer ctx.Check(client.Close)

	_, err := client.Dequeue(ctx, "sync_request")
	assert.True(t, storage.ErrEmptyQueue.Has(err))

	require.NoError(t, client.Enqueue(ctx, "sync_request", storage.Value("job-1")))
	require.NoError(t, client.Enqueue(ctx, "sync_request", storage.Value("job-2")))

	value, err := client.Dequeue(ctx, "sync_request")
	require.NoError(t, err)
	assert.Equal(t, "job-1", string(value))

	value, err = client.Dequeue(ctx, "sync_request")
	require.NoError(t, err)
	assert.Equal(t, "job-2", string(value))

	_, err = client.Dequeue(ctx, "sync_request")
	assert.True(t, storage.ErrEmptyQueue.Has(err))
}

func TestOpenClientFrom(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server, err := redisserver.Start()
	require.NoError(t, err)
	defer server.Close()

	client, err := redis.OpenClientFrom(ctx, "redis://"+server.Addr()+"?db=0")
	require.NoError(t, err)
	ctx.Check(client.Close)

	_, err = redis.OpenClientFrom(ctx, "http://not-redis")
	assert.Error(t, err)
}
