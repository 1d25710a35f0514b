// Copyright (c) Slipway Authors.
// SPDX-License-Identifier: BSD-3-Clause

// Package admin serves the local operations endpoint. Deliberately small:
// the connection plane never depends on it, and hot restart can close it
// at any time via the shutdown-admin RPC.
package admin

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"time"

	"slipway.dev/stats"
)

type Server struct {
	store *stats.Store
	http  *http.Server
	ln    net.Listener

	startTime time.Time
	version   string

	quit func()
}

// New binds the admin endpoint. quit is invoked on /quitquitquit.
func New(address string, store *stats.Store, version string, quit func()) (*Server, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("bind admin endpoint %s: %w", address, err)
	}

	s := &Server{
		store:     store,
		ln:        ln,
		startTime: time.Now(),
		version:   version,
		quit:      quit,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/server_info", s.handleServerInfo)
	mux.HandleFunc("/quitquitquit", s.handleQuit)

	s.http = &http.Server{Handler: mux}
	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("admin endpoint failed", "err", err)
		}
	}()

	slog.Info("admin endpoint listening", "address", ln.Addr())
	return s, nil
}

func (s *Server) Addr() net.Addr { return s.ln.Addr() }

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	type kv struct {
		name  string
		value uint64
	}
	var all []kv
	s.store.Each(func(name string, value uint64) {
		all = append(all, kv{name, value})
	})
	sort.Slice(all, func(i, j int) bool { return all[i].name < all[j].name })
	for _, e := range all {
		fmt.Fprintf(w, "%s: %d\n", e.name, e.value)
	}
}

func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "version: %s\nuptime: %s\n", s.version, time.Since(s.startTime).Round(time.Second))
}

func (s *Server) handleQuit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	fmt.Fprintln(w, "OK")
	go s.quit()
}

// Close tears the endpoint down. Safe to call more than once.
func (s *Server) Close() {
	if s.http != nil {
		s.http.Close()
		s.http = nil
	}
}
