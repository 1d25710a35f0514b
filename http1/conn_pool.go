// Copyright (c) Slipway Authors.
// SPDX-License-Identifier: BSD-3-Clause

package http1

import (
	"container/list"
	"log/slog"
	"time"

	"slipway.dev/event"
	"slipway.dev/network"
	"slipway.dev/stats"
)

type PoolFailureReason int

const (
	FailureOverflow PoolFailureReason = iota
	FailureConnectionFailure
)

// PoolCallbacks is how a caller learns the outcome of NewStream.
type PoolCallbacks interface {
	OnPoolReady(encoder RequestEncoder, host string)
	OnPoolFailure(reason PoolFailureReason, host string)
}

// Cancellable lets a caller abandon a stream before it binds. After Cancel
// returns, the caller's callbacks will never be invoked.
type Cancellable interface {
	Cancel()
}

// ResourceLimits are the per-host admission limits, inherited from the
// cluster configuration.
type ResourceLimits struct {
	MaxConnections           uint64
	MaxPendingRequests       uint64
	MaxRequestsPerConnection uint64
	ConnectTimeout           time.Duration
}

type poolStats struct {
	cxTotal               stats.Counter
	cxActive              stats.Gauge
	cxConnectMs           stats.Timer
	cxConnectFail         stats.Counter
	cxConnectTimeout      stats.Counter
	cxDestroy             stats.Counter
	cxDestroyWithActiveRq stats.Counter
	cxMaxRequests         stats.Counter
	cxOverflow            stats.Counter
	rqTotal               stats.Counter
	rqPendingOverflow     stats.Counter
	rqPendingFailureEject stats.Counter
}

func newPoolStats(store *stats.Store, prefix string) poolStats {
	return poolStats{
		cxTotal:               store.Counter(prefix + "upstream_cx_total"),
		cxActive:              store.Gauge(prefix + "upstream_cx_active"),
		cxConnectMs:           store.Timer(prefix + "upstream_cx_connect_ms"),
		cxConnectFail:         store.Counter(prefix + "upstream_cx_connect_fail"),
		cxConnectTimeout:      store.Counter(prefix + "upstream_cx_connect_timeout"),
		cxDestroy:             store.Counter(prefix + "upstream_cx_destroy"),
		cxDestroyWithActiveRq: store.Counter(prefix + "upstream_cx_destroy_with_active_rq"),
		cxMaxRequests:         store.Counter(prefix + "upstream_cx_max_requests"),
		cxOverflow:            store.Counter(prefix + "upstream_cx_overflow"),
		rqTotal:               store.Counter(prefix + "upstream_rq_total"),
		rqPendingOverflow:     store.Counter(prefix + "upstream_rq_pending_overflow"),
		rqPendingFailureEject: store.Counter(prefix + "upstream_rq_pending_failure_eject"),
	}
}

// ConnPool multiplexes requests over a bounded set of persistent upstream
// HTTP/1 connections. All methods run on the owning dispatcher.
type ConnPool struct {
	d      *event.Dispatcher
	host   string
	limits ResourceLimits
	dial   network.DialFunc
	stats  poolStats

	ready   *list.List // idle *activeClient, usable immediately
	busy    *list.List // *activeClient carrying a request or still connecting
	pending *list.List // *pendingRequest in arrival order

	connecting int

	drainedCbs []func()
}

func NewConnPool(d *event.Dispatcher, host string, limits ResourceLimits, store *stats.Store, prefix string, dial network.DialFunc) *ConnPool {
	if limits.ConnectTimeout <= 0 {
		limits.ConnectTimeout = 5 * time.Second
	}
	return &ConnPool{
		d:       d,
		host:    host,
		limits:  limits,
		dial:    dial,
		stats:   newPoolStats(store, prefix),
		ready:   list.New(),
		busy:    list.New(),
		pending: list.New(),
	}
}

type pendingRequest struct {
	pool      *ConnPool
	decoder   ResponseDecoder
	callbacks PoolCallbacks
	element   *list.Element
	cancelled bool
}

func (p *pendingRequest) Cancel() {
	if p.cancelled || p.element == nil {
		return
	}
	p.cancelled = true
	p.pool.pending.Remove(p.element)
	p.element = nil
	p.pool.checkForDrained()
}

// NewStream requests a bound codec client. A nil return means the caller's
// callbacks were already invoked synchronously (ready or failure); a
// non-nil handle may be cancelled until OnPoolReady fires.
func (pool *ConnPool) NewStream(decoder ResponseDecoder, callbacks PoolCallbacks) Cancellable {
	if e := pool.ready.Front(); e != nil {
		client := pool.ready.Remove(e).(*activeClient)
		pool.attachClient(client, decoder, callbacks)
		return nil
	}

	if uint64(pool.busy.Len()) < pool.limits.MaxConnections {
		req := pool.enqueue(decoder, callbacks)
		if pool.connecting == 0 {
			pool.createClient()
		}
		return req
	}

	// Requests already matched to an in-flight connect don't count against
	// the pending budget; only the queue beyond that does.
	queued := pool.pending.Len() - pool.connecting
	if queued < 0 {
		queued = 0
	}
	if uint64(queued) < pool.limits.MaxPendingRequests {
		pool.stats.cxOverflow.Inc()
		return pool.enqueue(decoder, callbacks)
	}

	pool.stats.rqPendingOverflow.Inc()
	callbacks.OnPoolFailure(FailureOverflow, pool.host)
	return nil
}

func (pool *ConnPool) enqueue(decoder ResponseDecoder, callbacks PoolCallbacks) *pendingRequest {
	req := &pendingRequest{pool: pool, decoder: decoder, callbacks: callbacks}
	req.element = pool.pending.PushBack(req)
	return req
}

func (pool *ConnPool) attachClient(client *activeClient, decoder ResponseDecoder, callbacks PoolCallbacks) {
	client.element = pool.busy.PushBack(client)
	client.inBusy = true
	if client.remaining > 0 {
		client.remaining--
	}
	pool.stats.rqTotal.Inc()
	encoder := client.codec.NewStream(decoder)
	callbacks.OnPoolReady(encoder, pool.host)
}

// AddDrainedCallback registers cb to fire whenever the pool becomes empty
// of clients and pending requests. Fires synchronously when already empty.
func (pool *ConnPool) AddDrainedCallback(cb func()) {
	if pool.empty() {
		cb()
	}
	pool.drainedCbs = append(pool.drainedCbs, cb)
}

func (pool *ConnPool) empty() bool {
	return pool.ready.Len() == 0 && pool.busy.Len() == 0 && pool.pending.Len() == 0
}

func (pool *ConnPool) checkForDrained() {
	if !pool.empty() {
		return
	}
	for _, cb := range pool.drainedCbs {
		cb()
	}
}

// CloseConnections drains the pool forcibly. Shutdown path.
func (pool *ConnPool) CloseConnections() {
	// Closing removes clients from these lists, so snapshot first.
	var clients []*activeClient
	for e := pool.ready.Front(); e != nil; e = e.Next() {
		clients = append(clients, e.Value.(*activeClient))
	}
	for e := pool.busy.Front(); e != nil; e = e.Next() {
		clients = append(clients, e.Value.(*activeClient))
	}
	for _, c := range clients {
		c.codec.Close()
	}
}

type activeClient struct {
	pool         *ConnPool
	codec        *CodecClient
	connectTimer *event.Timer
	connectSpan  *stats.Span

	element   *list.Element
	inBusy    bool
	connected bool
	destroyed bool

	// Requests this client may still serve before draining. Only consulted
	// when MaxRequestsPerConnection is set; a limit of 0 means unlimited.
	remaining uint64
}

func (pool *ConnPool) createClient() {
	conn := network.NewClientConnection(pool.d, pool.host, pool.dial)
	client := &activeClient{
		pool:      pool,
		remaining: pool.limits.MaxRequestsPerConnection,
	}
	client.codec = NewCodecClient(conn, client)
	client.connectTimer = pool.d.CreateTimer(func() { client.onConnectTimeout() })
	client.connectTimer.EnableTimer(pool.limits.ConnectTimeout)
	client.connectSpan = pool.stats.cxConnectMs.AllocateSpan()

	pool.stats.cxTotal.Inc()
	pool.stats.cxActive.Inc()
	pool.connecting++

	client.element = pool.busy.PushBack(client)
	client.inBusy = true

	conn.AddConnectionCallbacks(client)
	conn.Connect()
}

// OnEvent implements network.ConnectionCallbacks.
func (c *activeClient) OnEvent(ev network.ConnectionEvent) {
	if c.destroyed {
		return
	}
	switch ev {
	case network.EventConnected:
		c.onConnected()
	case network.EventRemoteClose, network.EventLocalClose:
		c.onClose()
	}
}

func (c *activeClient) onConnected() {
	c.connectSpan.Complete()
	c.connectTimer.DisableTimer()
	c.connected = true
	c.pool.connecting--
	c.pool.processIdleClient(c)
}

func (c *activeClient) onClose() {
	pool := c.pool

	if c.codec.HasActiveStream() {
		// Upstream died mid-exchange.
		pool.stats.cxDestroyWithActiveRq.Inc()
		c.codec.ResetStream(ResetConnectionTermination)
	}

	if !c.connected {
		// Connect failure: the remote end (or the dial itself) gave up
		// before we were established.
		pool.connecting--
		pool.stats.cxConnectFail.Inc()
		if pool.failHeadPending() {
			pool.stats.rqPendingFailureEject.Inc()
		}
	}

	pool.removeClient(c)
}

func (c *activeClient) onConnectTimeout() {
	pool := c.pool
	slog.Debug("upstream connect timeout", "host", pool.host)
	pool.stats.cxConnectTimeout.Inc()
	pool.stats.cxConnectFail.Inc()
	pool.connecting--
	c.destroyed = true // silence the close event below
	pool.failHeadPending()
	pool.removeClient(c)
	c.codec.Close()
}

// OnResponseComplete implements CodecClientCallbacks.
func (c *activeClient) OnResponseComplete(closeConnection bool) {
	pool := c.pool

	maxedOut := pool.limits.MaxRequestsPerConnection > 0 && c.remaining == 0
	if maxedOut {
		pool.stats.cxMaxRequests.Inc()
	}
	if closeConnection || maxedOut {
		c.destroyed = true
		pool.removeClient(c)
		c.codec.Close()
		return
	}

	pool.busy.Remove(c.element)
	c.inBusy = false
	c.element = pool.ready.PushBack(c)
	pool.processIdleClient(c)
}

// OnDecodeError implements CodecClientCallbacks.
func (c *activeClient) OnDecodeError(err error) {
	slog.Debug("upstream response decode error", "host", c.pool.host, "err", err)
	c.codec.Close() // close event tears the client down
}

// processIdleClient binds the oldest pending request to client, or parks it
// on the ready list.
func (pool *ConnPool) processIdleClient(client *activeClient) {
	if e := pool.pending.Front(); e != nil {
		req := pool.pending.Remove(e).(*pendingRequest)
		req.element = nil
		pool.detach(client)
		pool.attachClient(client, req.decoder, req.callbacks)
		return
	}
	if client.inBusy {
		pool.busy.Remove(client.element)
		client.inBusy = false
		client.element = pool.ready.PushBack(client)
	}
	pool.checkForDrained()
}

func (pool *ConnPool) detach(client *activeClient) {
	if client.element != nil {
		if client.inBusy {
			pool.busy.Remove(client.element)
		} else {
			pool.ready.Remove(client.element)
		}
		client.element = nil
		client.inBusy = false
	}
}

func (pool *ConnPool) failHeadPending() bool {
	e := pool.pending.Front()
	if e == nil {
		return false
	}
	req := pool.pending.Remove(e).(*pendingRequest)
	req.element = nil
	req.callbacks.OnPoolFailure(FailureConnectionFailure, pool.host)
	return true
}

func (pool *ConnPool) removeClient(client *activeClient) {
	client.destroyed = true
	client.connectTimer.DisableTimer()
	pool.detach(client)
	pool.stats.cxActive.Dec()
	pool.stats.cxDestroy.Inc()
	pool.d.DeferredDelete(client)

	// Pending work may still be serviceable on a fresh connection.
	if pool.pending.Len() > 0 && pool.connecting == 0 &&
		uint64(pool.busy.Len()) < pool.limits.MaxConnections {
		pool.createClient()
	}
	pool.checkForDrained()
}

// Delete implements event.Deletable.
func (c *activeClient) Delete() {
	if c.codec.Conn.State() != network.StateClosed {
		c.codec.Close()
	}
}
