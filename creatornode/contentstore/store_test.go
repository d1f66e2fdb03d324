// Copyright (C) 2020 Audius, Inc.
// See LICENSE for copying information.

package contentstore_test

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"audius.co/creatornode/creatornode/contentstore"
	"audius.co/creatornode/internal/testcontext"
)

func TestStorePutAndOpen(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := contentstore.NewStore(zaptest.NewLogger(t), ctx.Dir("content"))

	data := []byte("some track metadata")
	multihash := contentstore.Hash(data)

	path, err := store.Put(ctx, multihash, bytes.NewReader(data))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, multihash))
	assert.True(t, store.Has(multihash))

	blob, err := store.Open(ctx, multihash)
	require.NoError(t, err)
	got, err := io.ReadAll(blob)
	require.NoError(t, err)
	require.NoError(t, blob.Close())
	assert.Equal(t, data, got)

	require.NoError(t, store.Verify(ctx, multihash))
}

func TestStoreRejectsHashMismatch(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := contentstore.NewStore(zaptest.NewLogger(t), ctx.Dir("content"))

	multihash := contentstore.Hash([]byte("expected bytes"))
	_, err := store.Put(ctx, multihash, strings.NewReader("tampered bytes"))
	assert.True(t, contentstore.ErrHashMismatch.Has(err))
	assert.False(t, store.Has(multihash))
}

func TestStoreWriteOnce(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := contentstore.NewStore(zaptest.NewLogger(t), ctx.Dir("content"))

	data := []byte("immutable blob")
	multihash := contentstore.Hash(data)

	path, err := store.Put(ctx, multihash, bytes.NewReader(data))
	require.NoError(t, err)

	// a second put leaves the stored blob untouched, without reading r
	_, err = store.Put(ctx, multihash, strings.NewReader("different bytes"))
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestStoreOpenMissing(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := contentstore.NewStore(zaptest.NewLogger(t), ctx.Dir("content"))
	_, err := store.Open(ctx, contentstore.Hash([]byte("never stored")))
	assert.True(t, contentstore.ErrNotFound.Has(err))
}

func TestStoreUsedPercent(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := contentstore.NewStore(zaptest.NewLogger(t), ctx.Dir("content"))
	used, err := store.UsedPercent()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, used, 0.0)
	assert.LessOrEqual(t, used, 100.0)
}

func TestFetcherTriesPeersInOrder(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	data := []byte("fetched content")
	multihash := contentstore.Hash(data)

	missing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer missing.Close()

	serving := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/content/"+multihash, r.URL.Path)
		_, _ = w.Write(data)
	}))
	defer serving.Close()

	store := contentstore.NewStore(zaptest.NewLogger(t), ctx.Dir("content"))
	fetcher := contentstore.NewFetcher(zaptest.NewLogger(t), store, 0)

	_, err := fetcher.Fetch(ctx, multihash, multihash, []string{missing.URL, serving.URL})
	require.NoError(t, err)
	assert.True(t, store.Has(multihash))
	require.NoError(t, store.Verify(ctx, multihash))
}

func TestFetcherNoPeerAvailable(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	missing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer missing.Close()

	store := contentstore.NewStore(zaptest.NewLogger(t), ctx.Dir("content"))
	fetcher := contentstore.NewFetcher(zaptest.NewLogger(t), store, 0)

	multihash := contentstore.Hash([]byte("unavailable"))
	_, err := fetcher.Fetch(ctx, multihash, multihash, []string{missing.URL})
	assert.True(t, contentstore.ErrNotAvailable.Has(err))
	assert.False(t, store.Has(multihash))
}

func TestFetcherRejectsCorruptPeer(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	corrupt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not the bytes you asked for"))
	}))
	defer corrupt.Close()

	store := contentstore.NewStore(zaptest.NewLogger(t), ctx.Dir("content"))
	fetcher := contentstore.NewFetcher(zaptest.NewLogger(t), store, 0)

	multihash := contentstore.Hash([]byte("real content"))
	_, err := fetcher.Fetch(ctx, multihash, multihash, []string{corrupt.URL})
	require.Error(t, err)
	assert.False(t, store.Has(multihash))
}

func TestFetcherSkipsAlreadyStored(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	data := []byte("already here")
	multihash := contentstore.Hash(data)

	store := contentstore.NewStore(zaptest.NewLogger(t), ctx.Dir("content"))
	_, err := store.Put(ctx, multihash, bytes.NewReader(data))
	require.NoError(t, err)

	fetcher := contentstore.NewFetcher(zaptest.NewLogger(t), store, 0)
	// no peers needed: the blob is already on disk
	path, err := fetcher.Fetch(ctx, multihash, multihash, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, path)
}
