// Copyright (C) 2020 Audius, Inc.
// See LICENSE for copying information.

// Package teststore implements an in-memory coordination store for tests.
package teststore

import (
	"context"
	"strconv"
	"sync"
	"time"

	"audius.co/creatornode/storage"
)

// Client implements an in-memory key value store with TTL support.
type Client struct {
	mu     sync.Mutex
	items  map[string]item
	queues map[string][]storage.Value

	CallCount struct {
		Get     int
		Put     int
		PutNX   int
		IncrBy  int
		Delete  int
		Enqueue int
		Dequeue int
	}

	// now can be overridden by tests to control TTL expiry.
	now func() time.Time
}

type item struct {
	value   storage.Value
	expires time.Time
}

// New creates a new in-memory coordination store.
func New() *Client {
	return &Client{
		items:  map[string]item{},
		queues: map[string][]storage.Value{},
		now:    time.Now,
	}
}

// SetNow overrides the clock used for TTL expiry.
func (store *Client) SetNow(now func() time.Time) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.now = now
}

func (store *Client) expired(it item) bool {
	return !it.expires.IsZero() && store.now().After(it.expires)
}

func (store *Client) lookup(key storage.Key) (item, bool) {
	it, ok := store.items[key.String()]
	if !ok || store.expired(it) {
		delete(store.items, key.String())
		return item{}, false
	}
	return it, true
}

// Get returns the value stored at key.
func (store *Client) Get(ctx context.Context, key storage.Key) (storage.Value, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Get++
	if key.IsZero() {
		return nil, storage.ErrEmptyKey.New("")
	}

	it, ok := store.lookup(key)
	if !ok {
		return nil, storage.ErrKeyNotFound.New("%q", key)
	}
	return append(storage.Value(nil), it.value...), nil
}

// Put stores value at key.
func (store *Client) Put(ctx context.Context, key storage.Key, value storage.Value, ttl time.Duration) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Put++
	if key.IsZero() {
		return storage.ErrEmptyKey.New("")
	}

	store.items[key.String()] = store.newItem(value, ttl)
	return nil
}

// PutNX stores value at key when absent, reporting whether it was stored.
func (store *Client) PutNX(ctx context.Context, key storage.Key, value storage.Value, ttl time.Duration) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.PutNX++
	if key.IsZero() {
		return false, storage.ErrEmptyKey.New("")
	}

	if _, ok := store.lookup(key); ok {
		return false, nil
	}
	store.items[key.String()] = store.newItem(value, ttl)
	return true, nil
}

// IncrBy adds delta to the integer stored at key and returns the new value.
func (store *Client) IncrBy(ctx context.Context, key storage.Key, delta int64) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.IncrBy++
	if key.IsZero() {
		return 0, storage.ErrEmptyKey.New("")
	}

	var current int64
	if it, ok := store.lookup(key); ok {
		parsed, err := strconv.ParseInt(string(it.value), 10, 64)
		if err != nil {
			return 0, err
		}
		current = parsed
	}
	current += delta
	store.items[key.String()] = item{value: storage.Value(strconv.FormatInt(current, 10))}
	return current, nil
}

// Delete removes the key.
func (store *Client) Delete(ctx context.Context, key storage.Key) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Delete++
	if key.IsZero() {
		return storage.ErrEmptyKey.New("")
	}

	delete(store.items, key.String())
	return nil
}

// Enqueue appends value to the named queue.
func (store *Client) Enqueue(ctx context.Context, name string, value storage.Value) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Enqueue++

	store.queues[name] = append(store.queues[name], append(storage.Value(nil), value...))
	return nil
}

// Dequeue removes and returns the oldest element of the named queue.
func (store *Client) Dequeue(ctx context.Context, name string) (storage.Value, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Dequeue++

	queue := store.queues[name]
	if len(queue) == 0 {
		return nil, storage.ErrEmptyQueue.New("")
	}
	value := queue[0]
	store.queues[name] = queue[1:]
	return value, nil
}

// Close closes the store.
func (store *Client) Close() error { return nil }

func (store *Client) newItem(value storage.Value, ttl time.Duration) item {
	it := item{value: append(storage.Value(nil), value...)}
	if ttl > 0 {
		it.expires = store.now().Add(ttl)
	}
	return it
}
