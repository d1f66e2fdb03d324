// Copyright (C) 2020 Audius, Inc.
// See LICENSE for copying information.

package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
)

var mon = monkit.Package()

const gatewayTimeout = 30 * time.Second

// GatewayClient implements Client against an HTTP chain gateway that fronts
// the registry contracts. The gateway is treated as an opaque oracle.
type GatewayClient struct {
	base   string
	client *http.Client
}

// NewGatewayClient creates a client for the gateway at base.
func NewGatewayClient(base string) *GatewayClient {
	return &GatewayClient{
		base:   base,
		client: &http.Client{Timeout: gatewayTimeout},
	}
}

// ServiceProviderID resolves an advertised endpoint to its sp id.
func (gw *GatewayClient) ServiceProviderID(ctx context.Context, endpoint string) (_ int, err error) {
	defer mon.Task()(&ctx)(&err)

	var out struct {
		SPID int `json:"sp_id"`
	}
	err = gw.get(ctx, "/sp_id?endpoint="+url.QueryEscape(endpoint), &out)
	if err != nil {
		return 0, err
	}
	return out.SPID, nil
}

// ServiceProviders lists all registered creator nodes.
func (gw *GatewayClient) ServiceProviders(ctx context.Context) (_ []ServiceProvider, err error) {
	defer mon.Task()(&ctx)(&err)

	var out struct {
		ServiceProviders []ServiceProvider `json:"service_providers"`
	}
	err = gw.get(ctx, "/service_providers", &out)
	if err != nil {
		return nil, err
	}
	return out.ServiceProviders, nil
}

// Endpoint resolves an sp id to its advertised endpoint.
func (gw *GatewayClient) Endpoint(ctx context.Context, spID int) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	var out struct {
		Endpoint string `json:"endpoint"`
	}
	err = gw.get(ctx, "/endpoint?sp_id="+strconv.Itoa(spID), &out)
	if err != nil {
		return "", err
	}
	return out.Endpoint, nil
}

// ReplicaSet returns the current replica set for a wallet.
func (gw *GatewayClient) ReplicaSet(ctx context.Context, wallet string) (_ ReplicaSet, err error) {
	defer mon.Task()(&ctx)(&err)

	var out ReplicaSet
	err = gw.get(ctx, "/replica_set?wallet="+url.QueryEscape(wallet), &out)
	return out, err
}

// ProposeReplicaSet proposes a reconfigured replica set for a wallet.
func (gw *GatewayClient) ProposeReplicaSet(ctx context.Context, wallet string, proposed ReplicaSet) (err error) {
	defer mon.Task()(&ctx)(&err)

	return gw.post(ctx, "/replica_set/propose", map[string]interface{}{
		"wallet":      wallet,
		"replica_set": proposed,
	})
}

// RegistryDeployed reports whether the replica-set registry contract has
// been deployed.
func (gw *GatewayClient) RegistryDeployed(ctx context.Context) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	var out struct {
		Deployed bool `json:"deployed"`
	}
	err = gw.get(ctx, "/registry/deployed", &out)
	if err != nil {
		return false, err
	}
	return out.Deployed, nil
}

// Register registers this node on the replica-set registry.
func (gw *GatewayClient) Register(ctx context.Context, spID int, endpoint string) (err error) {
	defer mon.Task()(&ctx)(&err)

	return gw.post(ctx, "/registry/register", map[string]interface{}{
		"sp_id":    spID,
		"endpoint": endpoint,
	})
}

func (gw *GatewayClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, gw.base+path, nil)
	if err != nil {
		return Error.Wrap(err)
	}

	resp, err := gw.client.Do(req)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Error.New("gateway %s returned %d", path, resp.StatusCode)
	}
	return Error.Wrap(json.NewDecoder(resp.Body).Decode(out))
}

func (gw *GatewayClient) post(ctx context.Context, path string, body interface{}) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return Error.Wrap(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gw.base+path, bytes.NewReader(encoded))
	if err != nil {
		return Error.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := gw.client.Do(req)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Error.New("gateway %s returned %d", path, resp.StatusCode)
	}
	return nil
}
