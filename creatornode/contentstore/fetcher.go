// Copyright (C) 2020 Audius, Inc.
// See LICENSE for copying information.

package contentstore

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// ErrNotAvailable is returned when no peer could serve a multihash.
var ErrNotAvailable = errs.Class("content not available")

// DefaultAttemptTimeout bounds a single peer fetch attempt.
const DefaultAttemptTimeout = 1 * time.Second

// Fetcher pulls content-addressed blobs from peer creator nodes into a
// local store.
type Fetcher struct {
	log            *zap.Logger
	store          *Store
	client         *http.Client
	attemptTimeout time.Duration
}

// NewFetcher creates a fetcher writing into store. attemptTimeout bounds
// each per-peer attempt; zero selects the default.
func NewFetcher(log *zap.Logger, store *Store, attemptTimeout time.Duration) *Fetcher {
	if attemptTimeout <= 0 {
		attemptTimeout = DefaultAttemptTimeout
	}
	return &Fetcher{
		log:            log,
		store:          store,
		client:         &http.Client{},
		attemptTimeout: attemptTimeout,
	}
}

// Store returns the local store the fetcher writes into.
func (fetcher *Fetcher) Store() *Store { return fetcher.store }

// Fetch tries each peer in order until one serves remotePath, stores the
// bytes under multihash and returns the storage path. remotePath is the
// content path on the peer, e.g. "abc123" or "dirhash/filename" for files
// addressed through a directory.
func (fetcher *Fetcher) Fetch(ctx context.Context, multihash, remotePath string, peers []string) (path string, err error) {
	defer mon.Task()(&ctx)(&err)

	if fetcher.store.Has(multihash) {
		return fetcher.store.PathByHash(multihash)
	}

	var failures errs.Group
	for _, peer := range peers {
		path, err := fetcher.attempt(ctx, multihash, remotePath, peer)
		if err == nil {
			return path, nil
		}
		failures.Add(err)
		if ctx.Err() != nil {
			failures.Add(ctx.Err())
			break
		}
	}
	return "", ErrNotAvailable.New("%s: %v", multihash, failures.Err())
}

func (fetcher *Fetcher) attempt(ctx context.Context, multihash, remotePath, peer string) (_ string, err error) {
	ctx, cancel := context.WithTimeout(ctx, fetcher.attemptTimeout)
	defer cancel()

	endpoint, err := url.JoinPath(peer, "content", remotePath)
	if err != nil {
		return "", Error.Wrap(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", Error.Wrap(err)
	}

	resp, err := fetcher.client.Do(req)
	if err != nil {
		return "", Error.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", Error.New("peer %s returned %d for %s", peer, resp.StatusCode, remotePath)
	}

	path, err := fetcher.store.Put(ctx, multihash, resp.Body)
	if err != nil {
		fetcher.log.Debug("discarding fetched content",
			zap.String("multihash", multihash), zap.String("peer", peer), zap.Error(err))
		return "", err
	}
	return path, nil
}
