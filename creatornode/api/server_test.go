// Copyright (C) 2020 Audius, Inc.
// See LICENSE for copying information.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"audius.co/creatornode/creatornode/auth"
	"audius.co/creatornode/creatornode/chain"
	"audius.co/creatornode/creatornode/chain/chaintest"
	"audius.co/creatornode/creatornode/clocklog"
	"audius.co/creatornode/creatornode/contentstore"
	"audius.co/creatornode/creatornode/export"
	"audius.co/creatornode/creatornode/jobq"
	"audius.co/creatornode/creatornode/syncer"
	"audius.co/creatornode/internal/testcontext"
	"audius.co/creatornode/storage/teststore"
)

const (
	testWallet   = "0xapiwallet"
	selfEndpoint = "http://self.test"
	delegateKey  = "api-delegate-key"
)

type apiEnv struct {
	db       *clocklog.DB
	contents *contentstore.Store
	queue    *jobq.Queue
	oracle   *chaintest.Oracle
	srv      *httptest.Server
}

func newAPIEnv(ctx *testcontext.Context, t *testing.T) (*apiEnv, func()) {
	log := zaptest.NewLogger(t)

	db, err := clocklog.Open(ctx, log.Named("clocklog"), ctx.File("db", "clocklog.db"))
	require.NoError(t, err)

	oracle := chaintest.New()
	oracle.AddProvider(1, selfEndpoint)
	oracle.Deployed = true

	ident := chain.NewIdentity(log.Named("identity"), oracle, selfEndpoint, true)
	runCtx, cancel := context.WithCancel(ctx)
	ctx.Go(func() error {
		err := ident.Run(runCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	require.NoError(t, ident.Wait(ctx))

	store := teststore.New()
	env := &apiEnv{
		db:       db,
		contents: contentstore.NewStore(log.Named("contents"), ctx.Dir("content")),
		queue:    jobq.New(log.Named("jobq"), store, store),
		oracle:   oracle,
	}

	server := NewServer(log.Named("api"),
		Config{Address: "127.0.0.1:0", DelegateKey: delegateKey},
		export.NewExporter(log.Named("export"), db, 0, nil),
		db, env.contents, env.queue, oracle, ident)

	env.srv = httptest.NewServer(server.http.Handler)
	return env, func() {
		env.srv.Close()
		cancel()
		_ = db.Close()
	}
}

func (env *apiEnv) seedUser(ctx *testcontext.Context, t *testing.T, multihashes ...string) {
	var mutations []clocklog.Mutation
	for _, multihash := range multihashes {
		mutations = append(mutations, clocklog.Mutation{
			File: &clocklog.File{
				Multihash:   multihash,
				StoragePath: "/file_storage/" + multihash,
				Type:        clocklog.FileTypeMetadata,
			},
		})
	}
	_, err := env.db.Append(ctx, testWallet, mutations)
	require.NoError(t, err)
}

func getJSON(t *testing.T, url string, out interface{}) int {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestClockStatus(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env, done := newAPIEnv(ctx, t)
	defer done()
	env.seedUser(ctx, t, "aa01", "aa02")

	var out struct {
		Clock int64 `json:"clock"`
	}
	status := getJSON(t, env.srv.URL+"/users/clock_status/"+testWallet, &out)
	assert.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, out.Clock)

	status = getJSON(t, env.srv.URL+"/users/clock_status/0xunknown", &out)
	assert.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, -1, out.Clock)
}

func TestExportEndpoint(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env, done := newAPIEnv(ctx, t)
	defer done()
	env.seedUser(ctx, t, "bb01", "bb02", "bb03")

	var envelope export.Envelope
	status := getJSON(t, env.srv.URL+"/export?wallet_public_key="+testWallet+"&clock_range_min=0", &envelope)
	require.Equal(t, http.StatusOK, status)

	bundle, ok := envelope.Data.CNodeUsers[testWallet]
	require.True(t, ok)
	assert.EqualValues(t, 2, bundle.User.Clock)
	assert.Len(t, bundle.ClockRecords, 3)
	require.NoError(t, export.ValidateBundle(&bundle, 0))

	// missing wallet parameter
	status = getJSON(t, env.srv.URL+"/export", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	// invalid clock_range_min
	status = getJSON(t, env.srv.URL+"/export?wallet_public_key="+testWallet+"&clock_range_min=-2", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestExportMembershipCheck(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env, done := newAPIEnv(ctx, t)
	defer done()
	env.seedUser(ctx, t, "cc01")

	env.oracle.AddProvider(2, "http://secondary.test")
	env.oracle.SetReplicaSet(testWallet, chain.ReplicaSet{Primary: 1, Secondary1: 2})

	status := getJSON(t, env.srv.URL+"/export?wallet_public_key="+testWallet+
		"&source_endpoint=http://secondary.test", nil)
	assert.Equal(t, http.StatusOK, status)

	status = getJSON(t, env.srv.URL+"/export?wallet_public_key="+testWallet+
		"&source_endpoint=http://stranger.test", nil)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestSyncEndpoint(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env, done := newAPIEnv(ctx, t)
	defer done()

	body, err := json.Marshal(syncer.Request{
		Wallets:             []string{testWallet},
		CreatorNodeEndpoint: "http://primary.test",
	})
	require.NoError(t, err)

	post := func(body []byte, signature string) (*http.Response, error) {
		req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/sync", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		if signature != "" {
			req.Header.Set(auth.Header, signature)
		}
		return http.DefaultClient.Do(req)
	}

	// unsigned requests are rejected
	resp, err := post(body, "")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// wrong key
	resp, err = post(body, auth.Sign("wrong-key", body))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// properly signed request enqueues a job
	resp, err = post(body, auth.Sign(delegateKey, body))
	require.NoError(t, err)
	var out struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, out.JobID)

	// the job is visible through the status probe
	var jobStatus jobq.JobStatus
	status := getJSON(t, env.srv.URL+"/async_processing_status?uuid="+out.JobID, &jobStatus)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, jobq.StatusInProgress, jobStatus.Status)

	// incomplete request body
	empty, err := json.Marshal(syncer.Request{})
	require.NoError(t, err)
	resp, err = post(empty, auth.Sign(delegateKey, empty))
	require.NoError(t, err)
	var badRequest errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&badRequest))
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "BadRequest", badRequest.Error.Kind)
}

func TestStatusEndpointUnknown(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env, done := newAPIEnv(ctx, t)
	defer done()

	var notFound errorBody
	status := getJSON(t, env.srv.URL+"/async_processing_status?uuid=no-such-job", &notFound)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "JobNotFound", notFound.Error.Kind)

	var badRequest errorBody
	status = getJSON(t, env.srv.URL+"/async_processing_status", &badRequest)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "BadRequest", badRequest.Error.Kind)
}

func TestContentEndpoints(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env, done := newAPIEnv(ctx, t)
	defer done()

	data := []byte("served bytes")
	multihash := contentstore.Hash(data)
	_, err := env.contents.Put(ctx, multihash, bytes.NewReader(data))
	require.NoError(t, err)

	dirHash := "ddee"
	fileName := "art.jpg"
	_, err = env.db.Append(ctx, testWallet, []clocklog.Mutation{{
		File: &clocklog.File{
			Multihash:    multihash,
			StoragePath:  "/file_storage/" + multihash,
			Type:         clocklog.FileTypeImage,
			DirMultihash: &dirHash,
			FileName:     &fileName,
		},
	}})
	require.NoError(t, err)

	resp, err := http.Get(env.srv.URL + "/content/" + multihash)
	require.NoError(t, err)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, data, got)

	// directory-form address resolves through the clock log
	resp, err = http.Get(env.srv.URL + "/content/" + dirHash + "/" + fileName)
	require.NoError(t, err)
	got, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, data, got)

	status := getJSON(t, env.srv.URL+"/content/"+contentstore.Hash([]byte("missing")), nil)
	assert.Equal(t, http.StatusNotFound, status)

	status = getJSON(t, env.srv.URL+"/content/"+dirHash+"/missing.jpg", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestHealthCheck(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	env, done := newAPIEnv(ctx, t)
	defer done()

	var out map[string]interface{}
	status := getJSON(t, env.srv.URL+"/health_check", &out)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, out["healthy"])
	assert.EqualValues(t, 1, out["sp_id"])
}
