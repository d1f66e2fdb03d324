// Copyright (C) 2020 Audius, Inc.
// See LICENSE for copying information.

package export_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"audius.co/creatornode/creatornode/clocklog"
	"audius.co/creatornode/creatornode/export"
	"audius.co/creatornode/internal/testcontext"
)

const testWallet = "0xdeadbeef"

func openSeededDB(ctx *testcontext.Context, t *testing.T, entries int) *clocklog.DB {
	db, err := clocklog.Open(ctx, zaptest.NewLogger(t), ctx.File("db", "clocklog.db"))
	require.NoError(t, err)

	var mutations []clocklog.Mutation
	for i := 0; i < entries; i++ {
		mutations = append(mutations, clocklog.Mutation{
			File: &clocklog.File{
				Multihash:   "mh" + string(rune('a'+i)),
				StoragePath: "/file_storage/x",
				Type:        clocklog.FileTypeMetadata,
			},
		})
	}
	_, err = db.Append(ctx, testWallet, mutations)
	require.NoError(t, err)
	return db
}

func TestExporterOmitsUnknownWallets(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openSeededDB(ctx, t, 3)
	defer ctx.Check(db.Close)

	exporter := export.NewExporter(zaptest.NewLogger(t), db, 0, nil)
	payload, err := exporter.Export(ctx, []string{testWallet, "0xunknown"}, 0, "http://peer")
	require.NoError(t, err)

	require.Len(t, payload.CNodeUsers, 1)
	bundle := payload.CNodeUsers[testWallet]
	assert.EqualValues(t, 2, bundle.User.Clock)
	assert.Len(t, bundle.ClockRecords, 3)
	require.NoError(t, export.ValidateBundle(&bundle, 0))
}

func TestExporterAlreadyUpToDate(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openSeededDB(ctx, t, 2)
	defer ctx.Check(db.Close)

	exporter := export.NewExporter(zaptest.NewLogger(t), db, 0, nil)
	payload, err := exporter.Export(ctx, []string{testWallet}, 2, "http://peer")
	require.NoError(t, err)

	bundle := payload.CNodeUsers[testWallet]
	assert.Empty(t, bundle.ClockRecords)
	assert.EqualValues(t, 1, bundle.User.Clock)
}

func TestExporterWindowed(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openSeededDB(ctx, t, 6)
	defer ctx.Check(db.Close)

	exporter := export.NewExporter(zaptest.NewLogger(t), db, 3, nil)
	payload, err := exporter.Export(ctx, []string{testWallet}, 0, "http://peer")
	require.NoError(t, err)

	bundle := payload.CNodeUsers[testWallet]
	assert.EqualValues(t, 3, bundle.User.Clock)
	assert.Len(t, bundle.ClockRecords, 4)
	require.NoError(t, export.ValidateBundle(&bundle, 0))
}

func TestValidateBundle(t *testing.T) {
	now := time.Now().UTC()
	record := func(clock int64) clocklog.ClockRecord {
		return clocklog.ClockRecord{UserUUID: "u", Clock: clock, SourceTable: "files", SourceRowID: "r", CreatedAt: now}
	}
	base := func() *clocklog.UserBundle {
		return &clocklog.UserBundle{
			User:         clocklog.User{UserUUID: "u", Wallet: testWallet, Clock: 2},
			ClockRecords: []clocklog.ClockRecord{record(0), record(1), record(2)},
		}
	}

	require.NoError(t, export.ValidateBundle(base(), 0))

	missingUser := base()
	missingUser.User.Wallet = ""
	assert.True(t, export.ErrMalformed.Has(export.ValidateBundle(missingUser, 0)))

	nonDense := base()
	nonDense.ClockRecords = []clocklog.ClockRecord{record(0), record(2)}
	assert.True(t, export.ErrMalformed.Has(export.ValidateBundle(nonDense, 0)))

	outOfRange := base()
	outOfRange.ClockRecords = []clocklog.ClockRecord{record(0), record(1), record(2), record(3)}
	assert.True(t, export.ErrMalformed.Has(export.ValidateBundle(outOfRange, 0)))

	truncated := base()
	truncated.ClockRecords = []clocklog.ClockRecord{record(0), record(1)}
	assert.True(t, export.ErrMalformed.Has(export.ValidateBundle(truncated, 0)))

	belowMin := base()
	assert.True(t, export.ErrMalformed.Has(export.ValidateBundle(belowMin, 1)))
}

func TestClientFetch(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openSeededDB(ctx, t, 3)
	defer ctx.Check(db.Close)

	exporter := export.NewExporter(zaptest.NewLogger(t), db, 0, nil)
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/export", r.URL.Path)
		assert.Equal(t, "http://self", r.URL.Query().Get("source_endpoint"))

		payload, err := exporter.Export(r.Context(),
			r.URL.Query()["wallet_public_key"], 0, r.URL.Query().Get("source_endpoint"))
		require.NoError(t, err)
		require.NoError(t, json.NewEncoder(w).Encode(export.Envelope{Data: *payload}))
	}))
	defer peer.Close()

	client := export.NewClient(zaptest.NewLogger(t), "http://self")
	payload, err := client.Fetch(ctx, peer.URL, []string{testWallet}, 0)
	require.NoError(t, err)

	bundle, ok := payload.CNodeUsers[testWallet]
	require.True(t, ok)
	assert.EqualValues(t, 2, bundle.User.Clock)
}

func TestClientRejectsMalformedPayloads(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	client := export.NewClient(zaptest.NewLogger(t), "http://self")

	serve := func(handler http.HandlerFunc) error {
		peer := httptest.NewServer(handler)
		defer peer.Close()
		_, err := client.Fetch(ctx, peer.URL, []string{testWallet}, 0)
		return err
	}

	err := serve(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	assert.True(t, export.ErrMalformed.Has(err))

	err = serve(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	})
	assert.True(t, export.ErrMalformed.Has(err))

	err = serve(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{}}`))
	})
	assert.True(t, export.ErrMalformed.Has(err))

	// bundle keyed under the wrong wallet
	err = serve(func(w http.ResponseWriter, r *http.Request) {
		envelope := export.Envelope{Data: export.Payload{
			CNodeUsers: map[string]clocklog.UserBundle{
				testWallet: {User: clocklog.User{UserUUID: "u", Wallet: "0xother", Clock: 0}},
			},
		}}
		require.NoError(t, json.NewEncoder(w).Encode(envelope))
	})
	assert.True(t, export.ErrMalformed.Has(err))
}
