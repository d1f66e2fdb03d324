// Copyright (C) 2020 Audius, Inc.
// See LICENSE for copying information.

// Package api exposes the creator node's HTTP surface: export, clock
// probes, sync triggers, job status and content serving.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"audius.co/creatornode/creatornode/auth"
	"audius.co/creatornode/creatornode/chain"
	"audius.co/creatornode/creatornode/clocklog"
	"audius.co/creatornode/creatornode/contentstore"
	"audius.co/creatornode/creatornode/export"
	"audius.co/creatornode/creatornode/jobq"
	"audius.co/creatornode/creatornode/snapback"
	"audius.co/creatornode/creatornode/syncer"
)

var (
	// Error is the default api error class.
	Error = errs.Class("api")

	mon = monkit.Package()
)

// Config contains configurable values for the HTTP server.
type Config struct {
	Address     string // listen address
	DelegateKey string // shared signature key for /sync
}

// Server serves the creator node wire protocol.
type Server struct {
	log      *zap.Logger
	config   Config
	exporter *export.Exporter
	db       *clocklog.DB
	contents *contentstore.Store
	queue    *jobq.Queue
	chain    chain.Client
	ident    *chain.Identity

	http http.Server
}

// NewServer creates the HTTP server.
func NewServer(log *zap.Logger, config Config, exporter *export.Exporter, db *clocklog.DB, contents *contentstore.Store, queue *jobq.Queue, chainClient chain.Client, ident *chain.Identity) *Server {
	server := &Server{
		log:      log,
		config:   config,
		exporter: exporter,
		db:       db,
		contents: contents,
		queue:    queue,
		chain:    chainClient,
		ident:    ident,
	}

	router := mux.NewRouter()
	router.HandleFunc("/export", server.handleExport).Methods(http.MethodGet)
	router.HandleFunc("/users/clock_status/{wallet}", server.handleClockStatus).Methods(http.MethodGet)
	router.HandleFunc("/sync", server.handleSync).Methods(http.MethodPost)
	router.HandleFunc("/async_processing_status", server.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/content/{multihash}", server.handleContent).Methods(http.MethodGet)
	router.HandleFunc("/content/{dir}/{name}", server.handleDirContent).Methods(http.MethodGet)
	router.HandleFunc("/health_check", server.handleHealthCheck).Methods(http.MethodGet)

	server.http = http.Server{
		Addr:    config.Address,
		Handler: handlers.RecoveryHandler()(handlers.CompressHandler(router)),
	}
	return server
}

// Run serves requests until the context is canceled.
func (server *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", server.config.Address)
	if err != nil {
		return Error.Wrap(err)
	}

	shutdown := make(chan struct{})
	go func() {
		defer close(shutdown)
		<-ctx.Done()
		timeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.http.Shutdown(timeout)
	}()

	server.log.Info("http server listening", zap.String("address", listener.Addr().String()))
	err = server.http.Serve(listener)
	<-shutdown
	if err == http.ErrServerClosed {
		return nil
	}
	return Error.Wrap(err)
}

// Close shuts the server down.
func (server *Server) Close() error {
	return server.http.Close()
}

func (server *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	query := r.URL.Query()
	wallets := query["wallet_public_key"]
	if len(wallets) == 0 {
		writeError(w, http.StatusBadRequest, "BadRequest", "missing wallet_public_key")
		return
	}

	clockMin := int64(0)
	if raw := query.Get("clock_range_min"); raw != "" {
		clockMin, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || clockMin < 0 {
			writeError(w, http.StatusBadRequest, "BadRequest", "invalid clock_range_min")
			return
		}
	}
	source := query.Get("source_endpoint")

	if status, kind, message := server.checkPeerMembership(ctx, wallets, source); kind != "" {
		writeError(w, status, kind, message)
		return
	}

	payload, err := server.exporter.Export(ctx, wallets, clockMin, source)
	if err != nil {
		server.log.Error("export failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal", "export failed")
		return
	}
	writeJSON(w, http.StatusOK, export.Envelope{Data: *payload})
}

// checkPeerMembership enforces that export callers belong to the replica
// set of every wallet they request. The check is best effort: while the
// node is bootstrapping or the oracle has no record, the export proceeds.
func (server *Server) checkPeerMembership(ctx context.Context, wallets []string, source string) (status int, kind, message string) {
	if source == "" {
		return 0, "", ""
	}
	if _, err := server.ident.SPID(); err != nil {
		return 0, "", ""
	}

	for _, wallet := range wallets {
		replicaSet, err := server.chain.ReplicaSet(ctx, wallet)
		if err != nil {
			continue
		}
		member := false
		for _, spID := range []int{replicaSet.Primary, replicaSet.Secondary1, replicaSet.Secondary2} {
			if spID == 0 {
				continue
			}
			endpoint, err := server.chain.Endpoint(ctx, spID)
			if err == nil && endpoint == source {
				member = true
				break
			}
		}
		if !member {
			return http.StatusForbidden, "Forbidden",
				"caller is not in the replica set of wallet " + wallet
		}
	}
	return 0, "", ""
}

func (server *Server) handleClockStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	wallet := mux.Vars(r)["wallet"]
	clock, err := server.db.Clock(ctx, wallet)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal", "clock lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"clock": clock})
}

func (server *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", "unreadable body")
		return
	}

	if !auth.Verify(server.config.DelegateKey, body, r.Header.Get(auth.Header)) {
		writeError(w, http.StatusUnauthorized, "Unauthorized", "bad signature")
		return
	}

	var req syncer.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", "malformed sync request")
		return
	}
	if len(req.Wallets) == 0 || req.CreatorNodeEndpoint == "" {
		writeError(w, http.StatusBadRequest, "BadRequest", "wallet and creator_node_endpoint required")
		return
	}

	jobID, err := server.queue.Enqueue(ctx, syncer.TaskSync, req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal", "enqueue failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID})
}

func (server *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	requestID := r.URL.Query().Get("uuid")
	if requestID == "" {
		writeError(w, http.StatusBadRequest, "BadRequest", "missing uuid")
		return
	}

	tasks := []string{syncer.TaskSync, snapback.TaskIssueSync}
	if task := r.URL.Query().Get("task"); task != "" {
		tasks = []string{task}
	}

	for _, task := range tasks {
		status, err := server.queue.Status(ctx, task, requestID)
		if jobq.ErrJobNotFound.Has(err) {
			continue
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Internal", "status lookup failed")
			return
		}
		writeJSON(w, http.StatusOK, status)
		return
	}
	writeError(w, http.StatusNotFound, "JobNotFound", "no status for uuid "+requestID)
}

func (server *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	server.serveContent(ctx, w, mux.Vars(r)["multihash"])
}

func (server *Server) handleDirContent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	vars := mux.Vars(r)
	file, err := server.db.GetFileByDir(ctx, vars["dir"], vars["name"])
	if err != nil {
		writeError(w, http.StatusNotFound, "NotFound", "unknown content")
		return
	}
	server.serveContent(ctx, w, file.Multihash)
}

func (server *Server) serveContent(ctx context.Context, w http.ResponseWriter, multihash string) {
	blob, err := server.contents.Open(ctx, multihash)
	if err != nil {
		writeError(w, http.StatusNotFound, "NotFound", "unknown content")
		return
	}
	defer func() { _ = blob.Close() }()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, blob)
}

func (server *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	spID, err := server.ident.SPID()
	healthy := map[string]interface{}{"healthy": true}
	if err == nil {
		healthy["sp_id"] = spID
	} else {
		healthy["bootstrapping"] = true
	}
	writeJSON(w, http.StatusOK, healthy)
}

type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	var body errorBody
	body.Error.Kind = kind
	body.Error.Message = message
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
