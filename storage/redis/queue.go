// Copyright (C) 2020 Audius, Inc.
// See LICENSE for copying information.

package redis

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"audius.co/creatornode/storage"
)

// Enqueue adds a FIFO element, for the storage.Queue interface.
func (client *Client) Enqueue(ctx context.Context, name string, value storage.Value) error {
	err := client.db.LPush(ctx, queueKey(name), []byte(value)).Err()
	if err != nil {
		return Error.New("enqueue error: %v", err)
	}
	return nil
}

// Dequeue removes a FIFO element, for the storage.Queue interface.
func (client *Client) Dequeue(ctx context.Context, name string) (storage.Value, error) {
	out, err := client.db.RPop(ctx, queueKey(name)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrEmptyQueue.New("")
		}
		return nil, Error.New("dequeue error: %v", err)
	}
	return storage.Value(out), nil
}

func queueKey(name string) string { return "queue:" + name }
