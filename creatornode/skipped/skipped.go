// Copyright (C) 2020 Audius, Inc.
// See LICENSE for copying information.

// Package skipped re-attempts content fetches for files that were flagged
// skipped during sync.
package skipped

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"audius.co/creatornode/creatornode/chain"
	"audius.co/creatornode/creatornode/clocklog"
	"audius.co/creatornode/creatornode/contentstore"
	"audius.co/creatornode/internal/sync2"
)

var (
	// Error is the default skipped-retry error class.
	Error = errs.Class("skipped")

	mon = monkit.Package()
)

// Config contains configurable values for the retry loop.
type Config struct {
	Interval  time.Duration // scan cadence
	BatchSize int           // skipped files re-attempted per tick
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:  10 * time.Minute,
		BatchSize: 100,
	}
}

// Service is the background skipped-CID retry loop.
type Service struct {
	log     *zap.Logger
	db      *clocklog.DB
	fetcher *contentstore.Fetcher
	chain   chain.Client
	ident   *chain.Identity
	config  Config

	Loop *sync2.Cycle
}

// New creates the retry loop.
func New(log *zap.Logger, db *clocklog.DB, fetcher *contentstore.Fetcher, chainClient chain.Client, ident *chain.Identity, config Config) *Service {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	return &Service{
		log:     log,
		db:      db,
		fetcher: fetcher,
		chain:   chainClient,
		ident:   ident,
		config:  config,
		Loop:    sync2.NewCycle(config.Interval),
	}
}

// Run waits for identity bootstrap and then runs the retry loop.
func (service *Service) Run(ctx context.Context) error {
	if err := service.ident.Wait(ctx); err != nil {
		return err
	}
	return service.Loop.Run(ctx, func(ctx context.Context) error {
		if err := service.Tick(ctx); err != nil {
			service.log.Error("skipped retry tick failed", zap.Error(err))
		}
		return nil
	})
}

// Close stops the retry loop.
func (service *Service) Close() error {
	service.Loop.Close()
	return nil
}

// Tick re-attempts a bounded batch of skipped files. The owning user's
// replica set is re-resolved at attempt time; the skipped flag clears only
// after the content store verified the written bytes.
func (service *Service) Tick(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	selfSPID, err := service.ident.SPID()
	if err != nil {
		return err
	}

	files, err := service.db.ListSkippedFiles(ctx, service.config.BatchSize)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}

	peersByWallet := map[string][]string{}
	recovered := 0
	for _, file := range files {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		peers, ok := peersByWallet[file.Wallet]
		if !ok {
			peers, err = chain.PeerEndpoints(ctx, service.chain, file.Wallet, selfSPID)
			if err != nil {
				service.log.Debug("replica set lookup failed",
					zap.String("wallet", file.Wallet), zap.Error(err))
				continue
			}
			peersByWallet[file.Wallet] = peers
		}

		// Put inside Fetch verifies the bytes hash to the multihash, so a
		// cleared flag always points at valid content.
		if _, err := service.fetcher.Fetch(ctx, file.Multihash, file.ContentPath(), peers); err != nil {
			continue
		}
		if err := service.db.MarkFetched(ctx, file.FileUUID); err != nil {
			service.log.Error("failed to clear skipped flag",
				zap.String("file_uuid", file.FileUUID), zap.Error(err))
			continue
		}
		recovered++
	}

	if recovered > 0 {
		mon.IntVal("skipped_recovered").Observe(int64(recovered))
		service.log.Info("recovered skipped files",
			zap.Int("recovered", recovered), zap.Int("batch", len(files)))
	}
	return nil
}
