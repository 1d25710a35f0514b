// Copyright (c) Slipway Authors.
// SPDX-License-Identifier: BSD-3-Clause

// Package server owns the per-worker connection handler, the worker pool,
// and the process-level Server that wires configuration, hot restart and
// the admin endpoint together.
package server

import (
	"container/list"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"

	"slipway.dev/event"
	"slipway.dev/network"
	"slipway.dev/stats"
)

const (
	watchdogInterval   = 100 * time.Millisecond
	watchdogMissAt     = 200 * time.Millisecond
	watchdogMegaMissAt = 1000 * time.Millisecond
)

// Handler is the per-worker registry of listeners and live connections.
// Everything runs on the worker's dispatcher.
type Handler struct {
	d     *event.Dispatcher
	store *stats.Store

	listeners   []*ActiveListener
	connections *list.List

	numConnections atomic.Uint64

	watchdogTimer    *event.Timer
	lastWatchdogTime time.Time
	watchdogMiss     stats.Counter
	watchdogMegaMiss stats.Counter
}

func NewHandler(d *event.Dispatcher, store *stats.Store) *Handler {
	return &Handler{
		d:                d,
		store:            store,
		connections:      list.New(),
		watchdogMiss:     store.Counter("server.watchdog_miss"),
		watchdogMegaMiss: store.Counter("server.watchdog_mega_miss"),
	}
}

func (h *Handler) Dispatcher() *event.Dispatcher { return h.d }

// NumConnections is read by the hot restart stats RPC from the main
// thread.
func (h *Handler) NumConnections() uint64 { return h.numConnections.Load() }

type listenerStats struct {
	cxTotal    stats.Counter
	cxActive   stats.Gauge
	cxDestroy  stats.Counter
	cxLengthMs stats.Timer
}

func newListenerStats(store *stats.Store, addr netip.AddrPort) listenerStats {
	prefix := "listener." + addr.String() + "."
	return listenerStats{
		cxTotal:    store.Counter(prefix + "downstream_cx_total"),
		cxActive:   store.Gauge(prefix + "downstream_cx_active"),
		cxDestroy:  store.Counter(prefix + "downstream_cx_destroy"),
		cxLengthMs: store.Timer(prefix + "downstream_cx_length_ms"),
	}
}

// ActiveListener pairs a platform listener with the filter chain factory
// and the stats bundle keyed by the listener's address.
type ActiveListener struct {
	handler  *Handler
	listener *network.Listener
	factory  network.FilterChainFactory
	addr     netip.AddrPort
	stats    listenerStats
}

// AddListener creates a listener for socket on this worker. transport is
// nil for plain TCP or an ssl transport factory for TLS promotion.
func (h *Handler) AddListener(factory network.FilterChainFactory, socket *network.ListenSocket, transport network.TransportFactory, opts network.ListenerOptions) (*ActiveListener, error) {
	al := &ActiveListener{
		handler: h,
		factory: factory,
		addr:    socket.LocalAddr(),
		stats:   newListenerStats(h.store, socket.LocalAddr()),
	}
	l, err := network.NewListener(h.d, h, socket, al, transport, opts)
	if err != nil {
		return nil, err
	}
	al.listener = l
	h.listeners = append(h.listeners, al)
	return al, nil
}

// FindListenerByAddress returns the exact IP:port match if present,
// otherwise the wildcard listener on the same port, otherwise nil. Linear:
// the listener count is small and configuration-bounded.
func (h *Handler) FindListenerByAddress(addr netip.AddrPort) *network.Listener {
	for _, al := range h.listeners {
		if al.listener != nil && al.addr == addr {
			return al.listener
		}
	}
	for _, al := range h.listeners {
		if al.listener != nil && al.addr.Addr().IsUnspecified() && al.addr.Port() == addr.Port() {
			return al.listener
		}
	}
	return nil
}

// OnNewConnection implements network.ListenerCallbacks.
func (al *ActiveListener) OnNewConnection(conn *network.Connection) {
	h := al.handler
	slog.Debug("new connection", "connection", conn)

	empty := !al.factory.CreateFilterChain(conn)
	if conn.State() == network.StateClosed {
		return
	}
	if empty || !conn.InitializeReadFilters() {
		// Nothing to do with this connection; don't leave it open.
		slog.Debug("closing connection: no filters", "connection", conn)
		conn.Close(network.CloseNoFlush)
		return
	}
	if conn.State() == network.StateClosed {
		// A filter rejected the connection while initializing.
		return
	}

	ac := &ActiveConnection{handler: h, conn: conn, stats: al.stats}
	ac.element = h.connections.PushBack(ac)
	h.numConnections.Add(1)

	// We just universally set no delay. Nobody has asked for it to be
	// configurable yet.
	conn.NoDelay(true)
	conn.AddConnectionCallbacks(ac)
	al.stats.cxTotal.Inc()
	al.stats.cxActive.Inc()
	ac.span = al.stats.cxLengthMs.AllocateSpan()
}

// ActiveConnection is a node on the handler's worker-local connection
// list. Removal schedules deferred deletion.
type ActiveConnection struct {
	handler *Handler
	conn    *network.Connection
	stats   listenerStats
	span    *stats.Span
	element *list.Element
}

// OnEvent implements network.ConnectionCallbacks. Any terminal transition
// removes the connection.
func (ac *ActiveConnection) OnEvent(ev network.ConnectionEvent) {
	if ev == network.EventLocalClose || ev == network.EventRemoteClose {
		ac.handler.removeConnection(ac)
	}
}

// Delete implements event.Deletable.
func (ac *ActiveConnection) Delete() {
	ac.stats.cxActive.Dec()
	ac.stats.cxDestroy.Inc()
	ac.span.Complete()
}

func (h *Handler) removeConnection(ac *ActiveConnection) {
	if ac.element == nil {
		return
	}
	slog.Debug("adding connection to cleanup list", "connection", ac.conn)
	h.connections.Remove(ac.element)
	ac.element = nil
	h.numConnections.Add(^uint64(0))
	h.d.DeferredDelete(ac)
}

// StartWatchdog arms the heartbeat that detects event loop stalls without
// needing a second thread.
func (h *Handler) StartWatchdog() {
	h.lastWatchdogTime = time.Now()
	h.watchdogTimer = h.d.CreateTimer(func() {
		delta := time.Since(h.lastWatchdogTime)
		if delta > watchdogMissAt {
			h.watchdogMiss.Inc()
		}
		if delta > watchdogMegaMissAt {
			h.watchdogMegaMiss.Inc()
		}
		h.lastWatchdogTime = time.Now()
		h.watchdogTimer.EnableTimer(watchdogInterval)
	})
	h.watchdogTimer.EnableTimer(watchdogInterval)
}

// CloseConnections force-closes every active connection and flushes the
// deferred delete lists. Shutdown path.
func (h *Handler) CloseConnections() {
	for h.connections.Len() > 0 {
		ac := h.connections.Front().Value.(*ActiveConnection)
		ac.conn.Close(network.CloseNoFlush)
	}
	h.d.ClearDeferredDeleteList()
}

// CloseListeners stops accepting on every listener but leaves existing
// connections alone.
func (h *Handler) CloseListeners() {
	for _, al := range h.listeners {
		if al.listener != nil {
			al.listener.Destroy()
			al.listener = nil
		}
	}
}
