// Copyright (C) 2020 Audius, Inc.
// See LICENSE for copying information.

package syncer

import (
	"context"
	"time"

	"github.com/google/uuid"

	"audius.co/creatornode/storage"
)

// DefaultLockTTL is the hard ceiling on how long a sync may hold a per-user
// lock. The TTL guards against a crashed holder wedging the user forever.
const DefaultLockTTL = 10 * time.Minute

// Locker provides exclusive per-user sync locks in the coordination store.
type Locker struct {
	store storage.KeyValueStore
	ttl   time.Duration
	id    string
}

// NewLocker creates a locker with the given TTL; zero selects the default.
func NewLocker(store storage.KeyValueStore, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &Locker{
		store: store,
		ttl:   ttl,
		id:    uuid.NewString(),
	}
}

// TTL returns the lock hard ceiling.
func (locker *Locker) TTL() time.Duration { return locker.ttl }

// Lock test-and-sets the per-user lock, returning a release function on
// success and ErrSyncInProgress when another holder has it.
func (locker *Locker) Lock(ctx context.Context, wallet string) (release func(), err error) {
	key := lockKey(wallet)

	ok, err := locker.store.PutNX(ctx, key, storage.Value(locker.id), locker.ttl)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if !ok {
		return nil, ErrSyncInProgress.New("wallet %s", wallet)
	}

	return func() {
		// release must succeed even when the sync's context is gone.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		// only this holder's value may be deleted: if the TTL lapsed and
		// another executor re-acquired the lock, the stale release must
		// leave the new holder's lock in place.
		value, err := locker.store.Get(ctx, key)
		if err != nil || string(value) != locker.id {
			return
		}
		_ = locker.store.Delete(ctx, key)
	}, nil
}

func lockKey(wallet string) storage.Key {
	return storage.Key("node_sync:" + wallet)
}
