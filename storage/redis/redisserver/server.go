// Copyright (C) 2020 Audius, Inc.
// See LICENSE for copying information.

// Package redisserver starts a redis server for tests.
package redisserver

import (
	"time"

	"github.com/alicebob/miniredis/v2"
)

// Server is a running test redis server.
type Server struct {
	mini *miniredis.Miniredis
}

// Start starts an in-process miniredis server.
func Start() (*Server, error) {
	mini, err := miniredis.Run()
	if err != nil {
		return nil, err
	}
	return &Server{mini: mini}, nil
}

// Addr returns the address the server listens on.
func (server *Server) Addr() string { return server.mini.Addr() }

// FastForward advances the server's notion of time, expiring TTLs.
func (server *Server) FastForward(d time.Duration) { server.mini.FastForward(d) }

// Close shuts the server down.
func (server *Server) Close() { server.mini.Close() }
