// Copyright (C) 2020 Audius, Inc.
// See LICENSE for copying information.

// Package snapback runs the periodic controller that re-converges
// secondaries to the primary and reconfigures replica sets around durably
// unhealthy peers.
package snapback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"audius.co/creatornode/creatornode/auth"
	"audius.co/creatornode/creatornode/chain"
	"audius.co/creatornode/creatornode/clocklog"
	"audius.co/creatornode/creatornode/jobq"
	"audius.co/creatornode/creatornode/syncer"
	"audius.co/creatornode/internal/sync2"
	"audius.co/creatornode/storage"
)

var (
	// Error is the default snapback error class.
	Error = errs.Class("snapback")

	mon = monkit.Package()
)

// TaskIssueSync is the job-queue task type for outbound sync triggers.
const TaskIssueSync = "issue_sync_request"

// Config contains configurable values for the snapback controller.
type Config struct {
	Interval           time.Duration // controller cadence
	BatchSize          int           // users inspected per tick
	UnhealthyThreshold int64         // consecutive failed probes before reconfig
	ProbeTimeout       time.Duration // per secondary clock probe
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:           60 * time.Second,
		BatchSize:          100,
		UnhealthyThreshold: 5,
		ProbeTimeout:       5 * time.Second,
	}
}

// issueSyncParams is the payload of a TaskIssueSync job.
type issueSyncParams struct {
	Wallet            string `json:"wallet"`
	SecondaryEndpoint string `json:"secondary_endpoint"`
}

// Service is the snapback state machine.
type Service struct {
	log   *zap.Logger
	db    *clocklog.DB
	store storage.KeyValueStore
	queue *jobq.Queue
	chain chain.Client
	ident *chain.Identity

	selfEndpoint string
	delegateKey  string
	config       Config

	Loop   *sync2.Cycle
	client *http.Client

	offset int
}

// New creates the snapback controller.
func New(log *zap.Logger, db *clocklog.DB, store storage.KeyValueStore, queue *jobq.Queue, chainClient chain.Client, ident *chain.Identity, selfEndpoint, delegateKey string, config Config) *Service {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.UnhealthyThreshold <= 0 {
		config.UnhealthyThreshold = def.UnhealthyThreshold
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = def.ProbeTimeout
	}
	return &Service{
		log:          log,
		db:           db,
		store:        store,
		queue:        queue,
		chain:        chainClient,
		ident:        ident,
		selfEndpoint: selfEndpoint,
		delegateKey:  delegateKey,
		config:       config,
		Loop:         sync2.NewCycle(config.Interval),
		client:       &http.Client{},
	}
}

// Register registers the outbound sync trigger handler on the job queue.
func (service *Service) Register(queue *jobq.Queue) {
	queue.Process(TaskIssueSync, 10, service.handleIssueSync)
}

// Run waits for identity bootstrap and then runs the controller loop.
func (service *Service) Run(ctx context.Context) (err error) {
	if err := service.ident.Wait(ctx); err != nil {
		return err
	}
	return service.Loop.Run(ctx, func(ctx context.Context) error {
		if err := service.Tick(ctx); err != nil {
			service.log.Error("snapback tick failed", zap.Error(err))
		}
		return nil
	})
}

// Close stops the controller loop.
func (service *Service) Close() error {
	service.Loop.Close()
	return nil
}

// Tick inspects one bounded batch of users for whom this node is primary
// and acts on divergence.
func (service *Service) Tick(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	selfSPID, err := service.ident.SPID()
	if err != nil {
		return err
	}

	users, err := service.db.ListUsers(ctx, service.config.BatchSize, service.offset)
	if err != nil {
		return err
	}
	if len(users) < service.config.BatchSize {
		service.offset = 0
	} else {
		service.offset += len(users)
	}

	for _, user := range users {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		service.inspectUser(ctx, selfSPID, user)
	}
	return nil
}

func (service *Service) inspectUser(ctx context.Context, selfSPID int, user clocklog.User) {
	replicaSet, err := service.chain.ReplicaSet(ctx, user.Wallet)
	if err != nil {
		service.log.Debug("no replica set for wallet",
			zap.String("wallet", user.Wallet), zap.Error(err))
		return
	}
	if replicaSet.Primary != selfSPID {
		return
	}

	service.confirmReconfig(ctx, user.Wallet, replicaSet)

	for _, secondary := range replicaSet.Secondaries() {
		if secondary == 0 {
			continue
		}
		service.inspectSecondary(ctx, user, replicaSet, secondary)
	}
}

func (service *Service) inspectSecondary(ctx context.Context, user clocklog.User, replicaSet chain.ReplicaSet, secondary int) {
	log := service.log.With(zap.String("wallet", user.Wallet), zap.Int("secondary", secondary))

	endpoint, err := service.chain.Endpoint(ctx, secondary)
	if err != nil {
		log.Warn("secondary endpoint lookup failed", zap.Error(err))
		return
	}

	clock, err := service.Probe(ctx, endpoint, user.Wallet)
	if err != nil {
		mon.Event("probe_unreachable")
		service.recordUnreachable(ctx, user.Wallet, replicaSet, secondary)
		return
	}

	// a reachable secondary resets its unhealthy streak.
	_ = service.store.Delete(ctx, unhealthyKey(user.Wallet, secondary))

	switch {
	case clock == user.Clock:
		mon.Event("probe_in_sync")
	case clock < user.Clock:
		mon.Event("probe_behind")
		log.Info("secondary behind, scheduling sync",
			zap.Int64("secondary_clock", clock), zap.Int64("primary_clock", user.Clock))
		service.enqueueSync(ctx, user.Wallet, endpoint)
	default:
		// secondary ahead of primary; the secondary's own sync will flag the
		// regression, nothing to schedule from here.
		log.Warn("secondary reports clock ahead of primary",
			zap.Int64("secondary_clock", clock), zap.Int64("primary_clock", user.Clock))
	}
}

// Probe asks a peer for its current clock for wallet.
func (service *Service) Probe(ctx context.Context, endpoint, wallet string) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	ctx, cancel := context.WithTimeout(ctx, service.config.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		endpoint+"/users/clock_status/"+wallet, nil)
	if err != nil {
		return -1, Error.Wrap(err)
	}

	resp, err := service.client.Do(req)
	if err != nil {
		return -1, Error.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return -1, Error.New("probe of %s returned %d", endpoint, resp.StatusCode)
	}

	var out struct {
		Clock int64 `json:"clock"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return -1, Error.Wrap(err)
	}
	return out.Clock, nil
}

func (service *Service) enqueueSync(ctx context.Context, wallet, secondaryEndpoint string) {
	_, err := service.queue.Enqueue(ctx, TaskIssueSync, issueSyncParams{
		Wallet:            wallet,
		SecondaryEndpoint: secondaryEndpoint,
	})
	if err != nil {
		service.log.Error("failed to enqueue sync trigger",
			zap.String("wallet", wallet), zap.Error(err))
	}
}

// handleIssueSync delivers a signed sync trigger to a behind secondary.
func (service *Service) handleIssueSync(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p issueSyncParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, Error.Wrap(err)
	}

	body, err := json.Marshal(syncer.Request{
		Wallets:             []string{p.Wallet},
		CreatorNodeEndpoint: service.selfEndpoint,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.SecondaryEndpoint+"/sync", bytes.NewReader(body))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.Header, auth.Sign(service.delegateKey, body))

	resp, err := service.client.Do(req)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, Error.New("secondary %s rejected sync trigger: %d", p.SecondaryEndpoint, resp.StatusCode)
	}
	return map[string]string{"secondary": p.SecondaryEndpoint}, nil
}

// recordUnreachable advances the unhealthy streak for (wallet, secondary)
// and proposes a reconfiguration once the threshold is reached.
func (service *Service) recordUnreachable(ctx context.Context, wallet string, replicaSet chain.ReplicaSet, secondary int) {
	count, err := service.store.IncrBy(ctx, unhealthyKey(wallet, secondary), 1)
	if err != nil {
		service.log.Error("unhealthy counter update failed",
			zap.String("wallet", wallet), zap.Error(err))
		return
	}
	if count < service.config.UnhealthyThreshold {
		return
	}
	service.proposeReconfig(ctx, wallet, replicaSet, secondary)
}

// proposeReconfig swaps the unhealthy secondary for a healthy random peer.
// The proposal is recorded in the coordination store and not re-issued until
// the chain confirms a replica set without the unhealthy node.
func (service *Service) proposeReconfig(ctx context.Context, wallet string, replicaSet chain.ReplicaSet, unhealthy int) {
	marker := reconfigKey(wallet)
	placed, err := service.store.PutNX(ctx, marker, storage.Value(strconv.Itoa(unhealthy)), 0)
	if err != nil {
		service.log.Error("reconfig marker check failed",
			zap.String("wallet", wallet), zap.Error(err))
		return
	}
	if !placed {
		// proposal already pending chain confirmation
		return
	}

	replacement, err := service.pickReplacement(ctx, replicaSet)
	if err != nil {
		service.log.Warn("no healthy replacement available",
			zap.String("wallet", wallet), zap.Int("unhealthy", unhealthy), zap.Error(err))
		_ = service.store.Delete(ctx, marker)
		return
	}

	proposed := replicaSet
	if proposed.Secondary1 == unhealthy {
		proposed.Secondary1 = replacement
	} else {
		proposed.Secondary2 = replacement
	}

	if err := service.chain.ProposeReplicaSet(ctx, wallet, proposed); err != nil {
		service.log.Error("replica set proposal failed",
			zap.String("wallet", wallet), zap.Error(err))
		_ = service.store.Delete(ctx, marker)
		return
	}

	mon.Event("reconfig_proposed")
	service.log.Info("proposed replica set reconfiguration",
		zap.String("wallet", wallet),
		zap.Int("unhealthy", unhealthy),
		zap.Int("replacement", replacement))
	_ = service.store.Delete(ctx, unhealthyKey(wallet, unhealthy))
}

// confirmReconfig clears a pending reconfig marker once the chain reports a
// replica set that no longer contains the swapped-out secondary. Probes then
// resume against the replacement through the normal path.
func (service *Service) confirmReconfig(ctx context.Context, wallet string, replicaSet chain.ReplicaSet) {
	value, err := service.store.Get(ctx, reconfigKey(wallet))
	if storage.ErrKeyNotFound.Has(err) {
		return
	}
	if err != nil {
		service.log.Error("reconfig marker read failed",
			zap.String("wallet", wallet), zap.Error(err))
		return
	}

	unhealthy, err := strconv.Atoi(string(value))
	if err != nil {
		_ = service.store.Delete(ctx, reconfigKey(wallet))
		return
	}
	if replicaSet.Contains(unhealthy) {
		// proposal not yet confirmed on chain
		return
	}

	mon.Event("reconfig_confirmed")
	service.log.Info("replica set reconfiguration confirmed",
		zap.String("wallet", wallet), zap.Int("replaced", unhealthy))
	_ = service.store.Delete(ctx, reconfigKey(wallet))
	_ = service.store.Delete(ctx, unhealthyKey(wallet, unhealthy))
}

func (service *Service) pickReplacement(ctx context.Context, replicaSet chain.ReplicaSet) (int, error) {
	selfSPID, err := service.ident.SPID()
	if err != nil {
		return 0, err
	}

	providers, err := service.chain.ServiceProviders(ctx)
	if err != nil {
		return 0, Error.Wrap(err)
	}

	var candidates []int
	for _, provider := range providers {
		if provider.SPID == selfSPID || replicaSet.Contains(provider.SPID) {
			continue
		}
		candidates = append(candidates, provider.SPID)
	}
	if len(candidates) == 0 {
		return 0, Error.New("no candidate peers outside the replica set")
	}
	return candidates[rand.Intn(len(candidates))], nil
}

func unhealthyKey(wallet string, spID int) storage.Key {
	return storage.Key(fmt.Sprintf("snapback:unhealthy:%s:%d", wallet, spID))
}

func reconfigKey(wallet string) storage.Key {
	return storage.Key("snapback:reconfig:" + wallet)
}
