// Copyright (c) Slipway Authors.
// SPDX-License-Identifier: BSD-3-Clause

package http1

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"slipway.dev/event"
	"slipway.dev/stats"
)

type poolHarness struct {
	t    *testing.T
	d    *event.Dispatcher
	pool *ConnPool

	dials    atomic.Int32
	upstream chan net.Conn // server halves of dialed pipes
	block    bool          // dials hang until cancelled
	dialErr  bool          // dials fail immediately
}

func newPoolHarness(t *testing.T, limits ResourceLimits) *poolHarness {
	t.Helper()
	d, err := event.NewDispatcher()
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	h := &poolHarness{t: t, d: d, upstream: make(chan net.Conn, 16)}
	store := stats.NewStore(nil)
	h.pool = NewConnPool(d, "10.0.0.1:80", limits, store, "cluster.test.", h.dial)

	go d.Run()
	t.Cleanup(func() {
		h.onLoop(func() { h.pool.CloseConnections() })
		h.onLoop(func() { d.ClearDeferredDeleteList() })
		d.Exit()
		time.Sleep(10 * time.Millisecond)
		d.Close()
	})
	return h
}

func (h *poolHarness) dial(ctx context.Context, address string) (net.Conn, error) {
	h.dials.Add(1)
	if h.dialErr {
		return nil, fmt.Errorf("connection refused")
	}
	if h.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	client, server := net.Pipe()
	h.upstream <- server
	return client, nil
}

// onLoop runs fn on the dispatcher and waits for it.
func (h *poolHarness) onLoop(fn func()) {
	h.t.Helper()
	done := make(chan struct{})
	h.d.Post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		h.t.Fatal("dispatcher stuck")
	}
}

// waitFor polls cond on the loop until it holds.
func (h *poolHarness) waitFor(what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var ok bool
		h.onLoop(func() { ok = cond() })
		if ok {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	h.t.Fatalf("timed out waiting for %s", what)
}

// serveOne reads one request off the upstream half and writes resp.
func (h *poolHarness) serveOne(server net.Conn, resp string) {
	h.serveN(server, 1, resp)
}

// serveN answers n sequential requests on one upstream half with resp. A
// single reader owns the connection so pipelined requests aren't torn.
func (h *poolHarness) serveN(server net.Conn, n int, resp string) {
	go func() {
		r := bufio.NewReader(server)
		for i := 0; i < n; i++ {
			for {
				line, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if line == "\r\n" {
					break
				}
			}
			if _, err := server.Write([]byte(resp)); err != nil {
				return
			}
		}
	}()
}

type poolDecoder struct {
	status   int
	body     strings.Builder
	complete bool
	resets   []StreamResetReason
}

func (d *poolDecoder) DecodeHeaders(status int, headers map[string]string, endStream bool) {
	d.status = status
	if endStream {
		d.complete = true
	}
}

func (d *poolDecoder) DecodeData(data []byte, endStream bool) {
	d.body.Write(data)
	if endStream {
		d.complete = true
	}
}

func (d *poolDecoder) OnResetStream(reason StreamResetReason) {
	d.resets = append(d.resets, reason)
}

type poolCallbacks struct {
	encoders  []RequestEncoder
	failures  []PoolFailureReason
	onReady   func(enc RequestEncoder)
	onFailure func()
}

func (c *poolCallbacks) OnPoolReady(enc RequestEncoder, host string) {
	c.encoders = append(c.encoders, enc)
	if c.onReady != nil {
		c.onReady(enc)
	}
}

func (c *poolCallbacks) OnPoolFailure(reason PoolFailureReason, host string) {
	c.failures = append(c.failures, reason)
	if c.onFailure != nil {
		c.onFailure()
	}
}

func sendRequest(enc RequestEncoder) {
	enc.EncodeHeaders("GET", "/", map[string]string{"host": "test"}, true)
}

const okResponse = "HTTP/1.1 200 OK\r\ncontent-length: 5\r\n\r\nhello"

// Two sequential streams with generous limits must share one upstream
// connection: the second binds to the client the first freed.
func TestPoolReuse(t *testing.T) {
	h := newPoolHarness(t, ResourceLimits{MaxConnections: 1024, MaxPendingRequests: 1024, ConnectTimeout: 5 * time.Second})

	decoder1, cbs1 := new(poolDecoder), &poolCallbacks{onReady: sendRequest}
	h.onLoop(func() {
		if handle := h.pool.NewStream(decoder1, cbs1); handle == nil {
			t.Error("first stream should be pending, got synchronous result")
		}
	})
	server := <-h.upstream
	h.serveN(server, 2, okResponse)
	h.waitFor("first response", func() bool { return decoder1.complete })

	if got := decoder1.body.String(); got != "hello" {
		t.Fatalf("first response body: got %q", got)
	}

	decoder2, cbs2 := new(poolDecoder), &poolCallbacks{onReady: sendRequest}
	h.onLoop(func() {
		if handle := h.pool.NewStream(decoder2, cbs2); handle != nil {
			t.Error("second stream should bind synchronously to the idle client")
		}
		if len(cbs2.encoders) != 1 {
			t.Error("second stream did not fire pool ready synchronously")
		}
	})
	h.waitFor("second response", func() bool { return decoder2.complete })

	if got := h.dials.Load(); got != 1 {
		t.Fatalf("pool dialed %d times, want 1 (reuse)", got)
	}
}

// Admission: one connection, one extra pending slot. The third caller gets
// a synchronous failure and the overflow counter.
func TestPendingOverflow(t *testing.T) {
	h := newPoolHarness(t, ResourceLimits{MaxConnections: 1, MaxPendingRequests: 1, ConnectTimeout: time.Hour})
	h.block = true

	var handles []Cancellable
	cbs := []*poolCallbacks{{}, {}, {}}
	h.onLoop(func() {
		for i := 0; i < 3; i++ {
			handles = append(handles, h.pool.NewStream(new(poolDecoder), cbs[i]))
		}
	})

	if handles[0] == nil {
		t.Fatal("call 1 should kick off a connect and queue")
	}
	if handles[1] == nil {
		t.Fatal("call 2 should queue")
	}
	if handles[2] != nil {
		t.Fatal("call 3 should fail synchronously")
	}
	if len(cbs[2].failures) != 1 || cbs[2].failures[0] != FailureOverflow {
		t.Fatalf("call 3 failures: got %v, want one overflow", cbs[2].failures)
	}

	var overflow, pendingOverflow uint64
	h.onLoop(func() {
		overflow = h.pool.stats.cxOverflow.Value()
		pendingOverflow = h.pool.stats.rqPendingOverflow.Value()
	})
	if overflow != 1 {
		t.Errorf("upstream_cx_overflow: got %d, want 1", overflow)
	}
	if pendingOverflow != 1 {
		t.Errorf("upstream_rq_pending_overflow: got %d, want 1", pendingOverflow)
	}

	h.onLoop(func() {
		handles[0].Cancel()
		handles[1].Cancel()
	})
}

// Connect timeouts cascade: the failure callback for the first caller
// issues a second stream, whose connect also times out.
func TestConnectTimeoutCascade(t *testing.T) {
	h := newPoolHarness(t, ResourceLimits{MaxConnections: 1024, MaxPendingRequests: 1024, ConnectTimeout: 30 * time.Millisecond})
	h.block = true

	decoder1, cbs1 := new(poolDecoder), new(poolCallbacks)
	decoder0, cbs0 := new(poolDecoder), new(poolCallbacks)
	cbs0.onFailure = func() {
		// Re-enter the pool from inside the failure callback.
		h.pool.NewStream(decoder1, cbs1)
	}

	h.onLoop(func() { h.pool.NewStream(decoder0, cbs0) })

	h.waitFor("both failures", func() bool {
		return len(cbs0.failures) == 1 && len(cbs1.failures) == 1
	})

	var timeouts, fails uint64
	h.onLoop(func() {
		timeouts = h.pool.stats.cxConnectTimeout.Value()
		fails = h.pool.stats.cxConnectFail.Value()
	})
	if timeouts != 2 {
		t.Errorf("upstream_cx_connect_timeout: got %d, want 2", timeouts)
	}
	if fails != 2 {
		t.Errorf("upstream_cx_connect_fail: got %d, want 2", fails)
	}
}

// Pending requests bind to freed clients in the order newStream was
// called.
func TestPendingBindOrder(t *testing.T) {
	h := newPoolHarness(t, ResourceLimits{MaxConnections: 1, MaxPendingRequests: 16, ConnectTimeout: 5 * time.Second})

	var order []int
	mkcbs := func(i int) *poolCallbacks {
		cbs := new(poolCallbacks)
		cbs.onReady = func(enc RequestEncoder) {
			order = append(order, i)
			sendRequest(enc)
		}
		return cbs
	}

	decoders := []*poolDecoder{new(poolDecoder), new(poolDecoder), new(poolDecoder)}
	h.onLoop(func() {
		for i, dec := range decoders {
			h.pool.NewStream(dec, mkcbs(i))
		}
	})

	server := <-h.upstream
	h.serveN(server, len(decoders), okResponse)
	h.waitFor("all responses", func() bool {
		return decoders[0].complete && decoders[1].complete && decoders[2].complete
	})

	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Fatalf("bind order: got %v, want [0 1 2]", order)
	}
	if got := h.dials.Load(); got != 1 {
		t.Fatalf("pool dialed %d times, want 1", got)
	}
}

// The drained callback fires synchronously on an empty pool and again when
// the pool transitions back to empty.
func TestDrainedCallbacks(t *testing.T) {
	h := newPoolHarness(t, ResourceLimits{MaxConnections: 8, MaxPendingRequests: 8, ConnectTimeout: 5 * time.Second})

	fired := 0
	h.onLoop(func() { h.pool.AddDrainedCallback(func() { fired++ }) })
	if fired != 1 {
		t.Fatalf("drained callback on empty pool: fired %d times, want 1", fired)
	}

	decoder, cbs := new(poolDecoder), &poolCallbacks{onReady: sendRequest}
	h.onLoop(func() { h.pool.NewStream(decoder, cbs) })
	h.serveOne(<-h.upstream, okResponse)
	h.waitFor("response", func() bool { return decoder.complete })

	h.onLoop(func() { h.pool.CloseConnections() })
	h.waitFor("drain after close", func() bool { return fired >= 2 })
}

// A client that has served max_requests_per_connection drains instead of
// returning to the ready list.
func TestMaxRequestsPerConnection(t *testing.T) {
	h := newPoolHarness(t, ResourceLimits{MaxConnections: 8, MaxPendingRequests: 8, MaxRequestsPerConnection: 1, ConnectTimeout: 5 * time.Second})

	decoder1, cbs1 := new(poolDecoder), &poolCallbacks{onReady: sendRequest}
	h.onLoop(func() { h.pool.NewStream(decoder1, cbs1) })
	h.serveOne(<-h.upstream, okResponse)
	h.waitFor("first response", func() bool { return decoder1.complete })

	h.waitFor("client drained", func() bool {
		return h.pool.ready.Len() == 0 && h.pool.busy.Len() == 0
	})

	var maxed uint64
	h.onLoop(func() { maxed = h.pool.stats.cxMaxRequests.Value() })
	if maxed != 1 {
		t.Fatalf("upstream_cx_max_requests: got %d, want 1", maxed)
	}

	decoder2, cbs2 := new(poolDecoder), &poolCallbacks{onReady: sendRequest}
	h.onLoop(func() { h.pool.NewStream(decoder2, cbs2) })
	h.serveOne(<-h.upstream, okResponse)
	h.waitFor("second response", func() bool { return decoder2.complete })

	if got := h.dials.Load(); got != 2 {
		t.Fatalf("pool dialed %d times, want 2", got)
	}
}

// Connection: close responses tear the client down after completion, and
// that clean teardown must not count as destroy-with-active-request.
func TestConnectionCloseResponse(t *testing.T) {
	h := newPoolHarness(t, ResourceLimits{MaxConnections: 8, MaxPendingRequests: 8, ConnectTimeout: 5 * time.Second})

	decoder, cbs := new(poolDecoder), &poolCallbacks{onReady: sendRequest}
	h.onLoop(func() { h.pool.NewStream(decoder, cbs) })
	h.serveOne(<-h.upstream, "HTTP/1.1 200 OK\r\nConnection: close\r\ncontent-length: 2\r\n\r\nhi")
	h.waitFor("response", func() bool { return decoder.complete })

	h.waitFor("client torn down", func() bool {
		return h.pool.ready.Len() == 0 && h.pool.busy.Len() == 0
	})

	var withActive uint64
	h.onLoop(func() { withActive = h.pool.stats.cxDestroyWithActiveRq.Value() })
	if withActive != 0 {
		t.Fatalf("upstream_cx_destroy_with_active_rq: got %d, want 0 on clean close", withActive)
	}
}

// An immediate dial error surfaces as a connection failure for the head
// pending request.
func TestConnectFailure(t *testing.T) {
	h := newPoolHarness(t, ResourceLimits{MaxConnections: 8, MaxPendingRequests: 8, ConnectTimeout: time.Hour})
	h.dialErr = true

	decoder, cbs := new(poolDecoder), new(poolCallbacks)
	h.onLoop(func() { h.pool.NewStream(decoder, cbs) })
	h.waitFor("failure", func() bool { return len(cbs.failures) == 1 })

	if cbs.failures[0] != FailureConnectionFailure {
		t.Fatalf("failure reason: got %v, want connection failure", cbs.failures[0])
	}

	var fails, ejects uint64
	h.onLoop(func() {
		fails = h.pool.stats.cxConnectFail.Value()
		ejects = h.pool.stats.rqPendingFailureEject.Value()
	})
	if fails != 1 {
		t.Errorf("upstream_cx_connect_fail: got %d, want 1", fails)
	}
	if ejects != 1 {
		t.Errorf("upstream_rq_pending_failure_eject: got %d, want 1", ejects)
	}
}

// Cancelling before binding guarantees the caller's callbacks never fire.
func TestCancelBeforeBound(t *testing.T) {
	h := newPoolHarness(t, ResourceLimits{MaxConnections: 8, MaxPendingRequests: 8, ConnectTimeout: 30 * time.Millisecond})
	h.block = true

	decoder, cbs := new(poolDecoder), new(poolCallbacks)
	var handle Cancellable
	h.onLoop(func() { handle = h.pool.NewStream(decoder, cbs) })
	if handle == nil {
		t.Fatal("expected a cancellable handle")
	}
	h.onLoop(func() { handle.Cancel() })

	// Let the connect timeout fire; nobody should hear about it.
	h.waitFor("client cleanup", func() bool { return h.pool.busy.Len() == 0 })
	h.onLoop(func() {
		if len(cbs.failures) != 0 || len(cbs.encoders) != 0 {
			t.Errorf("cancelled caller saw callbacks: ready=%d failures=%d", len(cbs.encoders), len(cbs.failures))
		}
	})
}

// Upstream disconnect while a request is bound resets the stream with
// connection-termination and counts the destroy-with-active-request stat.
func TestDisconnectWhileBound(t *testing.T) {
	h := newPoolHarness(t, ResourceLimits{MaxConnections: 8, MaxPendingRequests: 8, ConnectTimeout: 5 * time.Second})

	decoder, cbs := new(poolDecoder), &poolCallbacks{onReady: sendRequest}
	h.onLoop(func() { h.pool.NewStream(decoder, cbs) })

	server := <-h.upstream
	h.waitFor("stream bound", func() bool { return len(cbs.encoders) == 1 })
	go func() {
		// Swallow the request bytes, then die without responding.
		buf := make([]byte, 4096)
		server.Read(buf)
		server.Close()
	}()

	h.waitFor("stream reset", func() bool { return len(decoder.resets) == 1 })
	if decoder.resets[0] != ResetConnectionTermination {
		t.Fatalf("reset reason: got %v, want connection termination", decoder.resets[0])
	}

	var withActive uint64
	h.onLoop(func() { withActive = h.pool.stats.cxDestroyWithActiveRq.Value() })
	if withActive != 1 {
		t.Fatalf("upstream_cx_destroy_with_active_rq: got %d, want 1", withActive)
	}
}
