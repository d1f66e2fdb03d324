// Copyright (C) 2020 Audius, Inc.
// See LICENSE for copying information.

// Package creatornode assembles the replica-set synchronization subsystem:
// clock log, exporter, sync executor, job queue, snapback state machine,
// identity bootstrap, skipped-CID retry and the HTTP surface.
package creatornode

import (
	"context"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"audius.co/creatornode/creatornode/api"
	"audius.co/creatornode/creatornode/chain"
	"audius.co/creatornode/creatornode/clocklog"
	"audius.co/creatornode/creatornode/contentstore"
	"audius.co/creatornode/creatornode/export"
	"audius.co/creatornode/creatornode/jobq"
	"audius.co/creatornode/creatornode/skipped"
	"audius.co/creatornode/creatornode/snapback"
	"audius.co/creatornode/creatornode/syncer"
	"audius.co/creatornode/storage/redis"
)

// Error is the default creatornode peer error class.
var Error = errs.Class("creatornode")

// Peer is the creator node process: all subsystems wired together in
// dependency order.
type Peer struct {
	Log    *zap.Logger
	Config Config

	Store *redis.Client

	Database struct {
		ClockLog *clocklog.DB
	}

	Contents struct {
		Store   *contentstore.Store
		Fetcher *contentstore.Fetcher
	}

	Chain struct {
		Client   chain.Client
		Identity *chain.Identity
	}

	Jobs *jobq.Queue

	Export struct {
		Exporter *export.Exporter
		Client   *export.Client
	}

	Sync struct {
		Locker  *syncer.Locker
		Service *syncer.Service
	}

	Snapback *snapback.Service
	Skipped  *skipped.Service

	Server *api.Server
}

// New creates a creator node peer.
func New(ctx context.Context, log *zap.Logger, config Config) (peer *Peer, err error) {
	peer = &Peer{
		Log:    log,
		Config: config,
	}

	{ // coordination store
		peer.Store, err = redis.OpenClientFrom(ctx, config.Redis.Address)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
	}

	{ // clock log
		peer.Database.ClockLog, err = clocklog.Open(ctx, log.Named("clocklog"), config.Database.Path)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
	}

	{ // content store
		peer.Contents.Store = contentstore.NewStore(log.Named("contentstore"), config.Storage.Dir)
		peer.Contents.Fetcher = contentstore.NewFetcher(log.Named("fetcher"),
			peer.Contents.Store, config.Sync.FetchAttemptTimeout)
	}

	{ // chain
		peer.Chain.Client = chain.NewGatewayClient(config.Identity.ChainURL)
		peer.Chain.Identity = chain.NewIdentity(log.Named("identity"),
			peer.Chain.Client, config.Identity.Endpoint, config.Identity.DevMode)
	}

	{ // job queue
		peer.Jobs = jobq.New(log.Named("jobq"), peer.Store, peer.Store)
	}

	{ // export
		peer.Export.Exporter = export.NewExporter(log.Named("export"),
			peer.Database.ClockLog, config.Export.Window, nil)
		peer.Export.Client = export.NewClient(log.Named("export:client"), config.Identity.Endpoint)
	}

	{ // sync executor
		peer.Sync.Locker = syncer.NewLocker(peer.Store, config.Sync.LockTTL)
		peer.Sync.Service = syncer.New(log.Named("syncer"),
			peer.Database.ClockLog, peer.Store, peer.Export.Client,
			peer.Contents.Fetcher, peer.Chain.Client, peer.Chain.Identity,
			peer.Sync.Locker, config.Sync.service(config.Storage.MaxUsedPercent))
		peer.Sync.Service.Register(peer.Jobs)
	}

	{ // snapback
		peer.Snapback = snapback.New(log.Named("snapback"),
			peer.Database.ClockLog, peer.Store, peer.Jobs,
			peer.Chain.Client, peer.Chain.Identity,
			config.Identity.Endpoint, config.Identity.DelegateKey,
			config.Snapback.service())
		peer.Snapback.Register(peer.Jobs)
	}

	{ // skipped retry
		peer.Skipped = skipped.New(log.Named("skipped"),
			peer.Database.ClockLog, peer.Contents.Fetcher,
			peer.Chain.Client, peer.Chain.Identity, config.Skipped.service())
	}

	{ // http server
		peer.Server = api.NewServer(log.Named("api"),
			api.Config{
				Address:     config.Server.Address,
				DelegateKey: config.Identity.DelegateKey,
			},
			peer.Export.Exporter, peer.Database.ClockLog, peer.Contents.Store,
			peer.Jobs, peer.Chain.Client, peer.Chain.Identity)
	}

	return peer, nil
}

// Run runs all subsystems until the context is canceled or one fails.
func (peer *Peer) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return ignoreCancel(peer.Chain.Identity.Run(ctx))
	})
	group.Go(func() error {
		return ignoreCancel(peer.Jobs.Run(ctx))
	})
	group.Go(func() error {
		return ignoreCancel(peer.Snapback.Run(ctx))
	})
	group.Go(func() error {
		return ignoreCancel(peer.Skipped.Run(ctx))
	})
	group.Go(func() error {
		return ignoreCancel(peer.Server.Run(ctx))
	})

	return group.Wait()
}

func ignoreCancel(err error) error {
	if err == context.Canceled {
		return nil
	}
	return err
}

// Close closes all resources in reverse construction order.
func (peer *Peer) Close() error {
	var group errs.Group

	if peer.Server != nil {
		group.Add(peer.Server.Close())
	}
	if peer.Skipped != nil {
		group.Add(peer.Skipped.Close())
	}
	if peer.Snapback != nil {
		group.Add(peer.Snapback.Close())
	}
	if peer.Database.ClockLog != nil {
		group.Add(peer.Database.ClockLog.Close())
	}
	if peer.Store != nil {
		group.Add(peer.Store.Close())
	}

	return group.Err()
}
