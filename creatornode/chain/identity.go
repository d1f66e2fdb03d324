// Copyright (C) 2020 Audius, Inc.
// See LICENSE for copying information.

package chain

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	spIDRetryInterval     = 5 * time.Second
	registryPollInterval  = 10 * time.Minute
	registryPollDev       = 10 * time.Second
	registerRetryInterval = 10 * time.Second
)

// Identity binds a node instance to its on-chain service-provider identity.
// It starts in the bootstrapping state; chain-dependent services gate on
// Ready and receive ErrBootstrapPending before completion.
type Identity struct {
	log      *zap.Logger
	client   Client
	endpoint string
	devMode  bool

	// retry intervals, overridable in tests
	spIDRetry     time.Duration
	registryPoll  time.Duration
	registerRetry time.Duration

	mu    sync.Mutex
	spID  int
	ready chan struct{}
}

// NewIdentity creates a bootstrapping identity for the node advertised at
// endpoint.
func NewIdentity(log *zap.Logger, client Client, endpoint string, devMode bool) *Identity {
	registryPoll := registryPollInterval
	if devMode {
		registryPoll = registryPollDev
	}
	return &Identity{
		log:      log,
		client:   client,
		endpoint: endpoint,
		devMode:  devMode,

		spIDRetry:     spIDRetryInterval,
		registryPoll:  registryPoll,
		registerRetry: registerRetryInterval,

		ready: make(chan struct{}),
	}
}

// SPID returns the service-provider id, or ErrBootstrapPending while the
// bootstrap loop is still running.
func (ident *Identity) SPID() (int, error) {
	ident.mu.Lock()
	defer ident.mu.Unlock()
	if ident.spID == 0 {
		return 0, ErrBootstrapPending.New("service-provider id not yet resolved")
	}
	return ident.spID, nil
}

// Ready returns a channel closed once bootstrap completed.
func (ident *Identity) Ready() <-chan struct{} { return ident.ready }

// Wait blocks until bootstrap completed or the context is canceled.
func (ident *Identity) Wait(ctx context.Context) error {
	select {
	case <-ident.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes the bootstrap loop: resolve the sp id, wait for the registry
// contract, register self. Each phase retries indefinitely with its
// configured backoff until the context is canceled.
func (ident *Identity) Run(ctx context.Context) error {
	spID, err := ident.resolveSPID(ctx)
	if err != nil {
		return err
	}
	ident.log.Info("resolved service-provider id", zap.Int("sp_id", spID))

	if err := ident.waitForRegistry(ctx); err != nil {
		return err
	}

	if err := ident.register(ctx, spID); err != nil {
		return err
	}
	ident.log.Info("registered on replica-set registry", zap.Int("sp_id", spID))

	ident.mu.Lock()
	ident.spID = spID
	ident.mu.Unlock()
	close(ident.ready)

	<-ctx.Done()
	return ctx.Err()
}

func (ident *Identity) resolveSPID(ctx context.Context) (int, error) {
	for {
		spID, err := ident.client.ServiceProviderID(ctx, ident.endpoint)
		if err == nil && spID != 0 {
			return spID, nil
		}
		if err != nil {
			ident.log.Warn("sp id lookup failed", zap.Error(err))
		} else {
			ident.log.Info("endpoint not yet registered as service provider",
				zap.String("endpoint", ident.endpoint))
		}
		if err := sleep(ctx, ident.spIDRetry); err != nil {
			return 0, err
		}
	}
}

func (ident *Identity) waitForRegistry(ctx context.Context) error {
	for {
		deployed, err := ident.client.RegistryDeployed(ctx)
		if err == nil && deployed {
			return nil
		}
		if err != nil {
			ident.log.Warn("registry deployment check failed", zap.Error(err))
		}
		if err := sleep(ctx, ident.registryPoll); err != nil {
			return err
		}
	}
}

func (ident *Identity) register(ctx context.Context, spID int) error {
	for {
		err := ident.client.Register(ctx, spID, ident.endpoint)
		if err == nil {
			return nil
		}
		ident.log.Warn("registry registration failed", zap.Error(err))
		if err := sleep(ctx, ident.registerRetry); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
