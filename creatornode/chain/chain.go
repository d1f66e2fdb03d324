// Copyright (C) 2020 Audius, Inc.
// See LICENSE for copying information.

// Package chain defines the chain oracle consumed by the sync subsystem and
// the identity bootstrap binding a node to its service-provider id.
package chain

import (
	"context"

	"github.com/zeebo/errs"
)

var (
	// Error is the default chain error class.
	Error = errs.Class("chain")
	// ErrBootstrapPending is returned when an operation requires the
	// service-provider identity before bootstrap completed.
	ErrBootstrapPending = errs.Class("bootstrap pending")
)

// ReplicaSet is the ordered triple of service providers holding a user's
// data. The primary accepts writes; both secondaries converge to it.
type ReplicaSet struct {
	Primary    int `json:"primary"`
	Secondary1 int `json:"secondary1"`
	Secondary2 int `json:"secondary2"`
}

// Secondaries returns the secondary sp ids.
func (rs ReplicaSet) Secondaries() []int {
	return []int{rs.Secondary1, rs.Secondary2}
}

// Contains reports whether spID is a member of the replica set.
func (rs ReplicaSet) Contains(spID int) bool {
	return rs.Primary == spID || rs.Secondary1 == spID || rs.Secondary2 == spID
}

// ServiceProvider is a registered creator node.
type ServiceProvider struct {
	SPID     int    `json:"sp_id"`
	Endpoint string `json:"endpoint"`
}

// Client is the read-mostly oracle over on-chain state. Implementations are
// expected to be safe for concurrent use.
type Client interface {
	// ServiceProviderID resolves an advertised endpoint to its sp id.
	// Zero means the endpoint is not registered.
	ServiceProviderID(ctx context.Context, endpoint string) (int, error)

	// ServiceProviders lists all registered creator nodes.
	ServiceProviders(ctx context.Context) ([]ServiceProvider, error)

	// Endpoint resolves an sp id to its advertised endpoint.
	Endpoint(ctx context.Context, spID int) (string, error)

	// ReplicaSet returns the current replica set for a wallet.
	ReplicaSet(ctx context.Context, wallet string) (ReplicaSet, error)

	// ProposeReplicaSet proposes a reconfigured replica set for a wallet.
	// The proposal is idempotent on chain; callers may re-submit.
	ProposeReplicaSet(ctx context.Context, wallet string, proposed ReplicaSet) error

	// RegistryDeployed reports whether the replica-set registry contract
	// has been deployed.
	RegistryDeployed(ctx context.Context) (bool, error)

	// Register registers this node on the replica-set registry.
	Register(ctx context.Context, spID int, endpoint string) error
}

// PeerEndpoints resolves the endpoints of a wallet's replica set, excluding
// selfSPID and deduplicating.
func PeerEndpoints(ctx context.Context, client Client, wallet string, selfSPID int) ([]string, error) {
	replicaSet, err := client.ReplicaSet(ctx, wallet)
	if err != nil {
		return nil, err
	}

	seen := map[int]bool{selfSPID: true}
	var endpoints []string
	for _, spID := range []int{replicaSet.Primary, replicaSet.Secondary1, replicaSet.Secondary2} {
		if spID == 0 || seen[spID] {
			continue
		}
		seen[spID] = true

		endpoint, err := client.Endpoint(ctx, spID)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, endpoint)
	}
	return endpoints, nil
}
