// Copyright (C) 2020 Audius, Inc.
// See LICENSE for copying information.

package export

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// FetchTimeout bounds a whole export request.
const FetchTimeout = 5 * time.Minute

// Client fetches exports from peer creator nodes.
type Client struct {
	log          *zap.Logger
	client       *http.Client
	selfEndpoint string
}

// NewClient creates an export client identifying itself as selfEndpoint.
func NewClient(log *zap.Logger, selfEndpoint string) *Client {
	return &Client{
		log:          log,
		client:       &http.Client{Timeout: FetchTimeout},
		selfEndpoint: selfEndpoint,
	}
}

// Fetch requests an export for the wallets starting at clockMin from peer.
// Every returned bundle has passed ValidateBundle.
func (client *Client) Fetch(ctx context.Context, peer string, wallets []string, clockMin int64) (_ *Payload, err error) {
	defer mon.Task()(&ctx)(&err)

	query := url.Values{}
	for _, wallet := range wallets {
		query.Add("wallet_public_key", wallet)
	}
	query.Set("clock_range_min", strconv.FormatInt(clockMin, 10))
	query.Set("source_endpoint", client.selfEndpoint)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, peer+"/export?"+query.Encode(), nil)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	resp, err := client.client.Do(req)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, ErrMalformed.New("peer %s returned %d", peer, resp.StatusCode)
	}

	var envelope Envelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, ErrMalformed.New("undecodable payload from %s: %v", peer, err)
	}
	if envelope.Data.CNodeUsers == nil {
		return nil, ErrMalformed.New("payload from %s missing cnode_users", peer)
	}

	for wallet, bundle := range envelope.Data.CNodeUsers {
		bundle := bundle
		if err := ValidateBundle(&bundle, clockMin); err != nil {
			return nil, err
		}
		if bundle.User.Wallet != wallet {
			return nil, ErrMalformed.New("bundle keyed %s carries wallet %s", wallet, bundle.User.Wallet)
		}
	}

	client.log.Debug("fetched export",
		zap.String("peer", peer),
		zap.Int("users", len(envelope.Data.CNodeUsers)),
		zap.Int64("clock_range_min", clockMin))
	return &envelope.Data, nil
}
