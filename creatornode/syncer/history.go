// Copyright (C) 2020 Audius, Inc.
// See LICENSE for copying information.

package syncer

import (
	"sync"
)

// History aggregates per-wallet sync outcomes for status probes and metrics.
type History struct {
	mu        sync.Mutex
	successes map[string]int
	failures  map[string]int
}

// NewHistory creates an empty aggregator.
func NewHistory() *History {
	return &History{
		successes: map[string]int{},
		failures:  map[string]int{},
	}
}

// Record records one sync outcome for a wallet.
func (history *History) Record(wallet string, ok bool) {
	history.mu.Lock()
	defer history.mu.Unlock()
	if ok {
		history.successes[wallet]++
		mon.Event("sync_succeeded")
	} else {
		history.failures[wallet]++
		mon.Event("sync_failed")
	}
}

// Outcome reports the recorded success and failure counts for a wallet.
func (history *History) Outcome(wallet string) (successes, failures int) {
	history.mu.Lock()
	defer history.mu.Unlock()
	return history.successes[wallet], history.failures[wallet]
}

// Totals reports aggregate success and failure counts.
func (history *History) Totals() (successes, failures int) {
	history.mu.Lock()
	defer history.mu.Unlock()
	for _, n := range history.successes {
		successes += n
	}
	for _, n := range history.failures {
		failures += n
	}
	return successes, failures
}
