// Copyright (C) 2020 Audius, Inc.
// See LICENSE for copying information.

package contentstore

import (
	"os"
	"syscall"
)

// UsedPercent returns the used fraction of the filesystem holding the
// store, in percent.
func (store *Store) UsedPercent() (float64, error) {
	if err := os.MkdirAll(store.dir, 0700); err != nil {
		return 0, Error.Wrap(err)
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(store.dir, &stat); err != nil {
		return 0, Error.Wrap(err)
	}
	if stat.Blocks == 0 {
		return 0, Error.New("statfs reported zero blocks for %s", store.dir)
	}
	free := float64(stat.Bavail) / float64(stat.Blocks)
	return 100 * (1 - free), nil
}
