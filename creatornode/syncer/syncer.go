// Copyright (C) 2020 Audius, Inc.
// See LICENSE for copying information.

// Package syncer executes sync jobs on the receiving side: it pulls an
// export from a peer, fetches the referenced content and commits the new
// state atomically under an exclusive per-user lock.
package syncer

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"audius.co/creatornode/creatornode/chain"
	"audius.co/creatornode/creatornode/clocklog"
	"audius.co/creatornode/creatornode/contentstore"
	"audius.co/creatornode/creatornode/export"
	"audius.co/creatornode/creatornode/jobq"
	"audius.co/creatornode/internal/sync2"
	"audius.co/creatornode/storage"
)

var (
	// Error is the default syncer error class.
	Error = errs.Class("syncer")
	// ErrExportInvalid flags a schema or HTTP error from the peer.
	ErrExportInvalid = errs.Class("export invalid")
	// ErrExportRegression flags a peer reporting a lower clock than local.
	ErrExportRegression = errs.Class("export regression")
	// ErrExportNonContiguous flags a gap in the exported clock sequence.
	ErrExportNonContiguous = errs.Class("export non-contiguous")
	// ErrContentFetchFailed flags failed CID fetches below the skip threshold.
	ErrContentFetchFailed = errs.Class("content fetch failed")
	// ErrSyncInProgress flags a sync already holding the user's lock.
	ErrSyncInProgress = errs.Class("sync in progress")
	// ErrStorageFull flags a node above its storage usage ceiling.
	ErrStorageFull = errs.Class("storage full")
	// ErrCommitFailed flags a rolled back database transaction.
	ErrCommitFailed = errs.Class("commit failed")

	mon = monkit.Package()
)

// TaskSync is the job-queue task type for sync requests.
const TaskSync = "sync_request"

// Request is a sync job's parameters.
type Request struct {
	Wallets             []string `json:"wallet"`
	CreatorNodeEndpoint string   `json:"creator_node_endpoint"`
	BlockNumber         *int64   `json:"block_number,omitempty"`
	ForceResync         bool     `json:"force_resync,omitempty"`
}

// Config contains configurable values for the sync executor.
type Config struct {
	MaxConcurrency            int     // concurrent sync jobs across users
	FileSaveMaxConcurrency    int     // concurrent content fetches within a job
	MaxFailureCountBeforeSkip int64   // failed attempts before files are marked skipped
	MaxStorageUsedPercent     float64 // refuse syncs above this disk usage, 0 disables

	// AllowedPeers, when non-empty, restricts sync sources to the listed
	// endpoints. DeniedPeers rejects the listed endpoints and wins over
	// AllowedPeers.
	AllowedPeers []string
	DeniedPeers  []string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:            100,
		FileSaveMaxConcurrency:    10,
		MaxFailureCountBeforeSkip: 3,
	}
}

// Service is the sync executor.
type Service struct {
	log     *zap.Logger
	db      *clocklog.DB
	store   storage.KeyValueStore
	exports *export.Client
	fetcher *contentstore.Fetcher
	chain   chain.Client
	ident   *chain.Identity
	locker  *Locker
	history *History
	config  Config
}

// New creates a sync executor.
func New(log *zap.Logger, db *clocklog.DB, store storage.KeyValueStore, exports *export.Client, fetcher *contentstore.Fetcher, chainClient chain.Client, ident *chain.Identity, locker *Locker, config Config) *Service {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	if config.FileSaveMaxConcurrency <= 0 {
		config.FileSaveMaxConcurrency = DefaultConfig().FileSaveMaxConcurrency
	}
	if config.MaxFailureCountBeforeSkip <= 0 {
		config.MaxFailureCountBeforeSkip = DefaultConfig().MaxFailureCountBeforeSkip
	}
	return &Service{
		log:     log,
		db:      db,
		store:   store,
		exports: exports,
		fetcher: fetcher,
		chain:   chainClient,
		ident:   ident,
		locker:  locker,
		history: NewHistory(),
		config:  config,
	}
}

// History returns the sync outcome aggregator.
func (service *Service) History() *History { return service.history }

// Register registers the sync handler on the job queue.
func (service *Service) Register(queue *jobq.Queue) {
	queue.Process(TaskSync, service.config.MaxConcurrency, service.HandleJob)
}

// HandleJob is the jobq handler for TaskSync.
func (service *Service) HandleJob(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req Request
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, Error.New("malformed sync request: %v", err)
	}
	if err := service.ProcessRequest(ctx, req); err != nil {
		return nil, err
	}
	return map[string]interface{}{"synced": req.Wallets}, nil
}

// ProcessRequest syncs every wallet in the request from the named peer.
// Wallets fail independently; the first error per wallet is collected.
func (service *Service) ProcessRequest(ctx context.Context, req Request) (err error) {
	defer mon.Task()(&ctx)(&err)

	if req.CreatorNodeEndpoint == "" {
		return Error.New("sync request missing creator_node_endpoint")
	}
	if !service.peerAllowed(req.CreatorNodeEndpoint) {
		return Error.New("peer %s not allowed as sync source", req.CreatorNodeEndpoint)
	}

	var group errs.Group
	for _, wallet := range req.Wallets {
		err := service.SyncWallet(ctx, wallet, req.CreatorNodeEndpoint, req.ForceResync)
		service.history.Record(wallet, err == nil)
		if err != nil {
			service.log.Warn("wallet sync failed",
				zap.String("wallet", wallet),
				zap.String("peer", req.CreatorNodeEndpoint),
				zap.Error(err))
			group.Add(err)
		}
	}
	return group.Err()
}

// SyncWallet runs the full sync pipeline for one wallet while holding its
// exclusive lock. The lock's TTL is the hard ceiling on the sync duration.
func (service *Service) SyncWallet(ctx context.Context, wallet, peer string, forceResync bool) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := service.checkStorage(); err != nil {
		return err
	}

	release, err := service.locker.Lock(ctx, wallet)
	if err != nil {
		return err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, service.locker.TTL())
	defer cancel()

	localClock := int64(-1)
	if forceResync {
		if err := service.db.Truncate(ctx, wallet); err != nil {
			return ErrCommitFailed.Wrap(err)
		}
	} else {
		localClock, err = service.db.Clock(ctx, wallet)
		if err != nil {
			return Error.Wrap(err)
		}
	}

	payload, err := service.exports.Fetch(ctx, peer, []string{wallet}, localClock+1)
	if err != nil {
		return ErrExportInvalid.Wrap(err)
	}
	bundle, ok := payload.CNodeUsers[wallet]
	if !ok {
		return ErrExportInvalid.New("peer %s has no record for wallet %s", peer, wallet)
	}

	if err := service.checkContiguity(&bundle, localClock); err != nil {
		return err
	}
	if bundle.User.Clock == localClock {
		service.log.Debug("wallet already in sync",
			zap.String("wallet", wallet), zap.Int64("clock", localClock))
		return nil
	}

	peers, err := service.peerSet(ctx, wallet, peer)
	if err != nil {
		return err
	}

	failedCIDs := service.fetchContent(ctx, bundle.Files, peers)

	skippedCIDs := map[string]bool{}
	if len(failedCIDs) > 0 {
		count, err := service.store.IncrBy(ctx, failureCountKey(wallet), 1)
		if err != nil {
			return Error.Wrap(err)
		}
		if count < service.config.MaxFailureCountBeforeSkip {
			return ErrContentFetchFailed.New("wallet %s: %d cids failed, attempt %d of %d",
				wallet, len(failedCIDs), count, service.config.MaxFailureCountBeforeSkip)
		}
		// threshold reached: import anyway, flag the missing files for the
		// retry loop and reset the counter.
		for _, cid := range failedCIDs {
			skippedCIDs[cid] = true
		}
		if err := service.store.Delete(ctx, failureCountKey(wallet)); err != nil {
			return Error.Wrap(err)
		}
		mon.IntVal("cids_skipped").Observe(int64(len(skippedCIDs)))
	}

	if err := service.db.ApplyExport(ctx, &bundle, skippedCIDs); err != nil {
		return ErrCommitFailed.Wrap(err)
	}

	service.log.Info("wallet synced",
		zap.String("wallet", wallet),
		zap.String("peer", peer),
		zap.Int64("from_clock", localClock),
		zap.Int64("to_clock", bundle.User.Clock),
		zap.Int("files", len(bundle.Files)),
		zap.Int("skipped", len(skippedCIDs)))
	return nil
}

// checkStorage refuses new sync work once the content store's filesystem
// is above the configured usage ceiling.
func (service *Service) checkStorage() error {
	if service.config.MaxStorageUsedPercent <= 0 {
		return nil
	}
	used, err := service.fetcher.Store().UsedPercent()
	if err != nil {
		return Error.Wrap(err)
	}
	if used >= service.config.MaxStorageUsedPercent {
		return ErrStorageFull.New("storage %.1f%% used, ceiling %.1f%%",
			used, service.config.MaxStorageUsedPercent)
	}
	return nil
}

func (service *Service) peerAllowed(endpoint string) bool {
	for _, denied := range service.config.DeniedPeers {
		if endpoint == denied {
			return false
		}
	}
	if len(service.config.AllowedPeers) == 0 {
		return true
	}
	for _, allowed := range service.config.AllowedPeers {
		if endpoint == allowed {
			return true
		}
	}
	return false
}

// checkContiguity validates the fetched bundle against the local clock.
func (service *Service) checkContiguity(bundle *clocklog.UserBundle, localClock int64) error {
	fetched := bundle.User.Clock

	switch {
	case fetched < localClock:
		return ErrExportRegression.New("peer clock %d below local %d", fetched, localClock)
	case fetched == localClock:
		return nil
	}

	if len(bundle.ClockRecords) == 0 {
		return ErrExportInvalid.New("peer clock %d ahead of local %d but no clock records", fetched, localClock)
	}
	if first := bundle.ClockRecords[0].Clock; first != localClock+1 {
		return ErrExportNonContiguous.New("first clock record %d, expected %d", first, localClock+1)
	}
	return nil
}

// peerSet returns content sources for the wallet: the sync source first,
// then the rest of the user's replica set excluding self, deduplicated.
func (service *Service) peerSet(ctx context.Context, wallet, sourcePeer string) ([]string, error) {
	selfSPID, err := service.ident.SPID()
	if err != nil {
		return nil, err
	}

	endpoints, err := chain.PeerEndpoints(ctx, service.chain, wallet, selfSPID)
	if err != nil {
		// the chain oracle is advisory for content sources; the sync source
		// alone still allows progress.
		service.log.Warn("replica set lookup failed",
			zap.String("wallet", wallet), zap.Error(err))
		return []string{sourcePeer}, nil
	}

	peers := []string{sourcePeer}
	for _, endpoint := range endpoints {
		if endpoint != sourcePeer {
			peers = append(peers, endpoint)
		}
	}
	return peers, nil
}

// fetchContent saves all exported files to the content store, track files
// after other files, batched at the configured fetch concurrency. It
// returns the multihashes that no peer could serve.
func (service *Service) fetchContent(ctx context.Context, files []clocklog.File, peers []string) (failedCIDs []string) {
	var trackFiles, otherFiles []clocklog.File
	for _, file := range files {
		switch {
		case file.Type == clocklog.FileTypeDir:
			// directory entries carry no payload
		case file.IsTrackFile():
			trackFiles = append(trackFiles, file)
		default:
			otherFiles = append(otherFiles, file)
		}
	}

	var mu sync.Mutex
	limiter := sync2.NewLimiter(service.config.FileSaveMaxConcurrency)

	for _, batch := range [][]clocklog.File{otherFiles, trackFiles} {
		for _, file := range batch {
			file := file
			limiter.Go(ctx, func() {
				if err := service.fetchFile(ctx, file, peers); err != nil {
					service.log.Debug("cid fetch failed",
						zap.String("multihash", file.Multihash), zap.Error(err))
					mu.Lock()
					failedCIDs = append(failedCIDs, file.Multihash)
					mu.Unlock()
				}
			})
		}
		limiter.Wait()
	}
	return failedCIDs
}

func (service *Service) fetchFile(ctx context.Context, file clocklog.File, peers []string) error {
	_, err := service.fetcher.Fetch(ctx, file.Multihash, file.ContentPath(), peers)
	return err
}

func failureCountKey(wallet string) storage.Key {
	return storage.Key("sync_failure_count:" + wallet)
}
