// Copyright (C) 2020 Audius, Inc.
// See LICENSE for copying information.

// Package chaintest provides an in-memory chain oracle for tests.
package chaintest

import (
	"context"
	"sync"

	"audius.co/creatornode/creatornode/chain"
)

// Oracle is an in-memory chain.Client whose state tests mutate directly.
type Oracle struct {
	mu sync.Mutex

	SPIDs       map[string]int             // endpoint -> sp id
	Endpoints   map[int]string             // sp id -> endpoint
	ReplicaSets map[string]chain.ReplicaSet // wallet -> replica set
	Deployed    bool
	Registered  map[int]string // sp id -> endpoint

	Proposals []Proposal
}

// Proposal records one replica-set reconfiguration proposal.
type Proposal struct {
	Wallet   string
	Proposed chain.ReplicaSet
}

// New creates an empty oracle.
func New() *Oracle {
	return &Oracle{
		SPIDs:       map[string]int{},
		Endpoints:   map[int]string{},
		ReplicaSets: map[string]chain.ReplicaSet{},
		Registered:  map[int]string{},
	}
}

// AddProvider registers a service provider in the oracle.
func (oracle *Oracle) AddProvider(spID int, endpoint string) {
	oracle.mu.Lock()
	defer oracle.mu.Unlock()
	oracle.SPIDs[endpoint] = spID
	oracle.Endpoints[spID] = endpoint
}

// SetReplicaSet sets the replica set for a wallet.
func (oracle *Oracle) SetReplicaSet(wallet string, rs chain.ReplicaSet) {
	oracle.mu.Lock()
	defer oracle.mu.Unlock()
	oracle.ReplicaSets[wallet] = rs
}

// ServiceProviderID implements chain.Client.
func (oracle *Oracle) ServiceProviderID(ctx context.Context, endpoint string) (int, error) {
	oracle.mu.Lock()
	defer oracle.mu.Unlock()
	return oracle.SPIDs[endpoint], nil
}

// ServiceProviders implements chain.Client.
func (oracle *Oracle) ServiceProviders(ctx context.Context) ([]chain.ServiceProvider, error) {
	oracle.mu.Lock()
	defer oracle.mu.Unlock()
	var providers []chain.ServiceProvider
	for spID, endpoint := range oracle.Endpoints {
		providers = append(providers, chain.ServiceProvider{SPID: spID, Endpoint: endpoint})
	}
	return providers, nil
}

// Endpoint implements chain.Client.
func (oracle *Oracle) Endpoint(ctx context.Context, spID int) (string, error) {
	oracle.mu.Lock()
	defer oracle.mu.Unlock()
	endpoint, ok := oracle.Endpoints[spID]
	if !ok {
		return "", chain.Error.New("unknown sp id %d", spID)
	}
	return endpoint, nil
}

// ReplicaSet implements chain.Client.
func (oracle *Oracle) ReplicaSet(ctx context.Context, wallet string) (chain.ReplicaSet, error) {
	oracle.mu.Lock()
	defer oracle.mu.Unlock()
	rs, ok := oracle.ReplicaSets[wallet]
	if !ok {
		return chain.ReplicaSet{}, chain.Error.New("no replica set for wallet %s", wallet)
	}
	return rs, nil
}

// ProposeReplicaSet implements chain.Client. The proposal is applied
// immediately, standing in for chain confirmation.
func (oracle *Oracle) ProposeReplicaSet(ctx context.Context, wallet string, proposed chain.ReplicaSet) error {
	oracle.mu.Lock()
	defer oracle.mu.Unlock()
	oracle.Proposals = append(oracle.Proposals, Proposal{Wallet: wallet, Proposed: proposed})
	oracle.ReplicaSets[wallet] = proposed
	return nil
}

// RegistryDeployed implements chain.Client.
func (oracle *Oracle) RegistryDeployed(ctx context.Context) (bool, error) {
	oracle.mu.Lock()
	defer oracle.mu.Unlock()
	return oracle.Deployed, nil
}

// Register implements chain.Client.
func (oracle *Oracle) Register(ctx context.Context, spID int, endpoint string) error {
	oracle.mu.Lock()
	defer oracle.mu.Unlock()
	oracle.Registered[spID] = endpoint
	return nil
}
