// Copyright (C) 2020 Audius, Inc.
// See LICENSE for copying information.

package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audius.co/creatornode/internal/testcontext"
)

func newGatewayStub(t *testing.T) (*httptest.Server, *GatewayClient) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sp_id", func(w http.ResponseWriter, r *http.Request) {
		spID := 0
		if r.URL.Query().Get("endpoint") == "http://node-a.test" {
			spID = 3
		}
		_ = json.NewEncoder(w).Encode(map[string]int{"sp_id": spID})
	})
	mux.HandleFunc("/service_providers", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"service_providers": []ServiceProvider{
				{SPID: 3, Endpoint: "http://node-a.test"},
				{SPID: 4, Endpoint: "http://node-b.test"},
			},
		})
	})
	mux.HandleFunc("/endpoint", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("sp_id") != "4" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"endpoint": "http://node-b.test"})
	})
	mux.HandleFunc("/replica_set", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "0xwallet", r.URL.Query().Get("wallet"))
		_ = json.NewEncoder(w).Encode(ReplicaSet{Primary: 3, Secondary1: 4})
	})
	mux.HandleFunc("/replica_set/propose", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Wallet     string     `json:"wallet"`
			ReplicaSet ReplicaSet `json:"replica_set"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "0xwallet", body.Wallet)
	})
	mux.HandleFunc("/registry/deployed", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]bool{"deployed": true})
	})
	mux.HandleFunc("/registry/register", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			SPID     int    `json:"sp_id"`
			Endpoint string `json:"endpoint"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, 3, body.SPID)
	})

	srv := httptest.NewServer(mux)
	return srv, NewGatewayClient(srv.URL)
}

func TestGatewayClient(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	srv, gw := newGatewayStub(t)
	defer srv.Close()

	spID, err := gw.ServiceProviderID(ctx, "http://node-a.test")
	require.NoError(t, err)
	assert.Equal(t, 3, spID)

	spID, err = gw.ServiceProviderID(ctx, "http://unregistered.test")
	require.NoError(t, err)
	assert.Zero(t, spID)

	providers, err := gw.ServiceProviders(ctx)
	require.NoError(t, err)
	assert.Len(t, providers, 2)

	endpoint, err := gw.Endpoint(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, "http://node-b.test", endpoint)

	_, err = gw.Endpoint(ctx, 99)
	assert.Error(t, err)

	rs, err := gw.ReplicaSet(ctx, "0xwallet")
	require.NoError(t, err)
	assert.Equal(t, ReplicaSet{Primary: 3, Secondary1: 4}, rs)

	require.NoError(t, gw.ProposeReplicaSet(ctx, "0xwallet", ReplicaSet{Primary: 3, Secondary1: 5}))

	deployed, err := gw.RegistryDeployed(ctx)
	require.NoError(t, err)
	assert.True(t, deployed)

	require.NoError(t, gw.Register(ctx, 3, "http://node-a.test"))
}

func TestPeerEndpoints(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	client := &staticClient{
		endpoints: map[int]string{1: "http://a", 2: "http://b", 3: "http://c"},
		replicas:  map[string]ReplicaSet{"0xw": {Primary: 1, Secondary1: 2, Secondary2: 3}},
	}

	endpoints, err := PeerEndpoints(ctx, client, "0xw", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://a", "http://c"}, endpoints)

	_, err = PeerEndpoints(ctx, client, "0xunknown", 2)
	assert.Error(t, err)
}

type staticClient struct {
	bootstrapClient
	endpoints map[int]string
	replicas  map[string]ReplicaSet
}

func (c *staticClient) Endpoint(ctx context.Context, spID int) (string, error) {
	endpoint, ok := c.endpoints[spID]
	if !ok {
		return "", Error.New("unknown sp id %d", spID)
	}
	return endpoint, nil
}

func (c *staticClient) ReplicaSet(ctx context.Context, wallet string) (ReplicaSet, error) {
	rs, ok := c.replicas[wallet]
	if !ok {
		return ReplicaSet{}, Error.New("no replica set for %s", wallet)
	}
	return rs, nil
}
