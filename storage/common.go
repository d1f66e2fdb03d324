// Copyright (C) 2020 Audius, Inc.
// See LICENSE for copying information.

// Package storage defines the narrow coordination-store interfaces shared by
// the sync lock, job status records and job queues.
package storage

import (
	"context"
	"time"

	"github.com/zeebo/errs"
)

// Key is the type for the keys in a KeyValueStore.
type Key []byte

// Value is the type for the values in a KeyValueStore.
type Value []byte

var (
	// ErrKeyNotFound is returned when a get is issued for a missing key.
	ErrKeyNotFound = errs.Class("key not found")
	// ErrEmptyKey is returned when an empty key is passed to any operation.
	ErrEmptyKey = errs.Class("empty key restricted")
	// ErrEmptyQueue is returned when a dequeue is issued against an empty queue.
	ErrEmptyQueue = errs.Class("empty queue")
)

// KeyValueStore is a TTL-aware key/value store with last-writer-wins
// semantics, like redis. Values written with a zero TTL do not expire.
type KeyValueStore interface {
	// Get returns the value stored at key, or ErrKeyNotFound.
	Get(ctx context.Context, key Key) (Value, error)
	// Put stores value at key, overwriting any previous value.
	Put(ctx context.Context, key Key, value Value, ttl time.Duration) error
	// PutNX stores value at key only if the key does not exist and reports
	// whether it was stored. Used for lock acquisition.
	PutNX(ctx context.Context, key Key, value Value, ttl time.Duration) (bool, error)
	// IncrBy atomically adds delta to the integer stored at key, creating it
	// at zero when missing, and returns the new value.
	IncrBy(ctx context.Context, key Key, delta int64) (int64, error)
	// Delete removes the key.
	Delete(ctx context.Context, key Key) error

	Close() error
}

// Queue is a durable FIFO queue, one logical queue per name.
type Queue interface {
	// Enqueue appends value to the named queue.
	Enqueue(ctx context.Context, name string, value Value) error
	// Dequeue removes and returns the oldest element of the named queue,
	// or ErrEmptyQueue.
	Dequeue(ctx context.Context, name string) (Value, error)
}

// IsZero returns true if the key is its zero value.
func (k Key) IsZero() bool { return len(k) == 0 }

// String implements the Stringer interface.
func (k Key) String() string { return string(k) }
