// Copyright (C) 2020 Audius, Inc.
// See LICENSE for copying information.

// Package contentstore stores content-addressed blobs on disk.
package contentstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	// Error is the default contentstore error class.
	Error = errs.Class("contentstore")
	// ErrHashMismatch is returned when stored bytes do not hash to the
	// multihash they were stored under.
	ErrHashMismatch = errs.Class("hash mismatch")
	// ErrNotFound is returned when no blob exists for a multihash.
	ErrNotFound = errs.Class("content not found")

	mon = monkit.Package()
)

// Store keeps blobs under <dir>/<multihash[0:2]>/<multihash>.
// Writes are write-once and safe to perform concurrently across distinct
// multihashes.
type Store struct {
	log *zap.Logger
	dir string
}

// NewStore creates a content store rooted at dir.
func NewStore(log *zap.Logger, dir string) *Store {
	return &Store{log: log, dir: dir}
}

// PathByHash returns the on-disk path for a multihash.
func (store *Store) PathByHash(multihash string) (string, error) {
	if len(multihash) < 4 {
		return "", Error.New("invalid multihash length")
	}
	return filepath.Join(store.dir, multihash[0:2], multihash), nil
}

// Put writes the blob read from r, verifies it hashes to multihash and
// returns the storage path. An already stored blob is left untouched.
func (store *Store) Put(ctx context.Context, multihash string, r io.Reader) (path string, err error) {
	defer mon.Task()(&ctx)(&err)

	path, err = store.PathByHash(multihash)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", Error.Wrap(err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+multihash+".tmp")
	if err != nil {
		return "", Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hasher), r); err != nil {
		_ = tmp.Close()
		return "", Error.Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		return "", Error.Wrap(err)
	}

	if digest := hex.EncodeToString(hasher.Sum(nil)); digest != multihash {
		return "", ErrHashMismatch.New("got %s want %s", digest, multihash)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", Error.Wrap(err)
	}
	return path, nil
}

// Open opens the blob stored for multihash.
func (store *Store) Open(ctx context.Context, multihash string) (_ io.ReadCloser, err error) {
	defer mon.Task()(&ctx)(&err)

	path, err := store.PathByHash(multihash)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound.New("%s", multihash)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return file, nil
}

// Has reports whether a blob is stored for multihash.
func (store *Store) Has(multihash string) bool {
	path, err := store.PathByHash(multihash)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Verify re-reads the stored blob and checks it hashes to multihash.
func (store *Store) Verify(ctx context.Context, multihash string) (err error) {
	defer mon.Task()(&ctx)(&err)

	file, err := store.Open(ctx, multihash)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return Error.Wrap(err)
	}
	if digest := hex.EncodeToString(hasher.Sum(nil)); digest != multihash {
		return ErrHashMismatch.New("got %s want %s", digest, multihash)
	}
	return nil
}

// Hash returns the content address for a blob.
func Hash(data []byte) string {
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:])
}
