// Copyright (c) Slipway Authors.
// SPDX-License-Identifier: BSD-3-Clause

// Package network implements the worker-local connection plane: listen
// sockets, listeners, and buffered flow-controlled connections carrying a
// filter chain. All exported methods on Connection must be called on the
// owning dispatcher goroutine; I/O itself runs on internal pump goroutines
// that feed results back through Dispatcher.Post, so filter and event
// callbacks always execute serially on the loop.
package network

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"
	"slipway.dev/event"
)

const DefaultBufferLimitBytes = 1 << 20

type ConnectionEvent int

const (
	EventConnected ConnectionEvent = iota
	EventRemoteClose
	EventLocalClose
)

type CloseType int

const (
	// CloseNoFlush discards pending writes and closes immediately.
	CloseNoFlush CloseType = iota
	// CloseFlushWrite drains the write buffer before closing.
	CloseFlushWrite
)

type State int

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

type ConnectionCallbacks interface {
	OnEvent(ev ConnectionEvent)
}

// Handshaker is implemented by transports that need a handshake before the
// connection is usable (tls.Conn). The read pump runs it first and fires
// EventConnected only on success.
type Handshaker interface {
	Handshake() error
}

type Connection struct {
	ID uuid.UUID

	d          *event.Dispatcher
	raw        net.Conn
	tcp        *net.TCPConn // underlying transport socket, for socket options
	localAddr  net.Addr
	remoteAddr net.Addr

	state      State
	connecting bool // client connection not yet established

	readLimit   int
	readBuffer  bytes.Buffer
	readEnabled bool

	readFilters  []ReadFilter
	writeFilters []WriteFilter

	cbs []ConnectionCallbacks

	needsHandshake bool

	writeMu     sync.Mutex
	writeBuffer bytes.Buffer
	flushClose  bool
	writeSignal chan struct{}

	pumpCtx    context.Context
	pumpCancel context.CancelFunc
}

// NewServerConnection wraps an accepted transport. If the transport
// implements Handshaker and handshake is true, EventConnected fires after
// the handshake succeeds; a failed handshake surfaces as EventRemoteClose
// and no filter ever sees data.
func NewServerConnection(d *event.Dispatcher, raw net.Conn, tcp *net.TCPConn, remote net.Addr, local net.Addr, bufferLimit int, handshake bool) *Connection {
	if bufferLimit <= 0 {
		bufferLimit = DefaultBufferLimitBytes
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		ID:             uuid.New(),
		d:              d,
		raw:            raw,
		tcp:            tcp,
		localAddr:      local,
		remoteAddr:     remote,
		state:          StateOpen,
		readLimit:      bufferLimit,
		readEnabled:    true,
		needsHandshake: handshake,
		writeSignal:    make(chan struct{}, 1),
		pumpCtx:        ctx,
		pumpCancel:     cancel,
	}
	c.startPumps()
	return c
}

func (c *Connection) Dispatcher() *event.Dispatcher { return c.d }

// TransportConn exposes the transport for attribute lookups (TLS session
// introspection). Callers must not read or write through it.
func (c *Connection) TransportConn() net.Conn { return c.raw }

func (c *Connection) State() State         { return c.state }
func (c *Connection) LocalAddr() net.Addr  { return c.localAddr }
func (c *Connection) RemoteAddr() net.Addr { return c.remoteAddr }
func (c *Connection) BufferLimit() int     { return c.readLimit }

func (c *Connection) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", c.ID.String()),
		slog.Any("local", c.localAddr),
		slog.Any("remote", c.remoteAddr),
	)
}

func (c *Connection) AddConnectionCallbacks(cb ConnectionCallbacks) {
	c.cbs = append(c.cbs, cb)
}

// NoDelay toggles TCP_NODELAY on the transport socket.
func (c *Connection) NoDelay(enable bool) {
	if c.tcp != nil {
		c.tcp.SetNoDelay(enable)
	}
}

func (c *Connection) AddReadFilter(f ReadFilter)   { c.readFilters = append(c.readFilters, f) }
func (c *Connection) AddWriteFilter(f WriteFilter) { c.writeFilters = append(c.writeFilters, f) }

// InitializeReadFilters runs OnNewConnection down the chain. Returns false
// when the chain is empty, which the handler treats as an immediate close.
func (c *Connection) InitializeReadFilters() bool {
	if len(c.readFilters) == 0 {
		return false
	}
	for _, f := range c.readFilters {
		if f.OnNewConnection() == FilterStopIteration {
			break
		}
	}
	// Bytes that arrived before the chain existed are still owed to it.
	if c.readBuffer.Len() > 0 {
		c.onRead(nil)
	}
	return true
}

func (c *Connection) startPumps() {
	go c.readPump()
	go c.writePump()
}

func (c *Connection) readPump() {
	if c.needsHandshake {
		hs, ok := c.raw.(Handshaker)
		if ok {
			if err := hs.Handshake(); err != nil {
				c.d.Post(func() { c.onReadError(err) })
				return
			}
		}
		c.d.Post(func() {
			if c.state == StateOpen {
				c.raiseEvent(EventConnected)
			}
		})
	}

	buf := make([]byte, c.readLimit)
	for {
		n, err := c.raw.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			delivered := make(chan struct{})
			c.d.Post(func() {
				c.onRead(data)
				close(delivered)
			})
			// Do not read ahead of the filters: the read buffer plus one
			// in-flight chunk is the flow control window.
			select {
			case <-delivered:
			case <-c.pumpCtx.Done():
				return
			}
		}
		if err != nil {
			c.d.Post(func() { c.onReadError(err) })
			return
		}
	}
}

func (c *Connection) onRead(data []byte) {
	if c.state != StateOpen || !c.readEnabled {
		return
	}
	c.readBuffer.Write(data)
	for _, f := range c.readFilters {
		if c.readBuffer.Len() == 0 || c.state != StateOpen {
			break
		}
		if f.OnData(&c.readBuffer) == FilterStopIteration {
			break
		}
	}
}

func (c *Connection) onReadError(err error) {
	if c.state == StateClosed {
		return
	}
	if err == io.EOF {
		slog.Debug("remote close", "connection", c)
	} else {
		slog.Debug("connection read error", "connection", c, "err", err)
	}
	c.closeSocket(EventRemoteClose)
}

// Write appends data to the write buffer after running it through the write
// filter chain. Bytes reach the peer in submission order.
func (c *Connection) Write(data *bytes.Buffer) {
	if c.state != StateOpen && c.state != StateClosing {
		return
	}
	for _, f := range c.writeFilters {
		if f.OnWrite(data) == FilterStopIteration {
			return
		}
	}
	c.writeMu.Lock()
	c.writeBuffer.Write(data.Bytes())
	c.writeMu.Unlock()
	data.Reset()
	c.signalWriter()
}

// WriteBytes is a convenience wrapper over Write.
func (c *Connection) WriteBytes(data []byte) {
	buf := bytes.NewBuffer(data)
	c.Write(buf)
}

func (c *Connection) signalWriter() {
	select {
	case c.writeSignal <- struct{}{}:
	default:
	}
}

func (c *Connection) writePump() {
	for {
		select {
		case <-c.writeSignal:
		case <-c.pumpCtx.Done():
			return
		}
		for {
			c.writeMu.Lock()
			chunk := make([]byte, c.writeBuffer.Len())
			copy(chunk, c.writeBuffer.Bytes())
			c.writeBuffer.Reset()
			flush := c.flushClose
			c.writeMu.Unlock()

			if len(chunk) == 0 {
				if flush {
					// Close on the loop so the read pump's resulting error
					// finds the connection already closed.
					c.d.Post(func() {
						c.raw.Close()
						c.onFlushed()
					})
					return
				}
				break
			}
			if _, err := c.raw.Write(chunk); err != nil {
				c.d.Post(func() { c.onReadError(err) })
				return
			}
		}
	}
}

func (c *Connection) onFlushed() {
	if c.state != StateClosing {
		return
	}
	c.state = StateClosed
	c.pumpCancel()
	c.raiseEvent(EventLocalClose)
}

// Close shuts the connection down. CloseNoFlush drops buffered writes and
// closes immediately; CloseFlushWrite drains them first.
func (c *Connection) Close(t CloseType) {
	switch c.state {
	case StateClosed:
		return
	case StateClosing:
		if t == CloseNoFlush {
			c.closeSocket(EventLocalClose)
		}
		return
	}

	if t == CloseNoFlush {
		c.closeSocket(EventLocalClose)
		return
	}

	c.state = StateClosing
	c.writeMu.Lock()
	c.flushClose = true
	c.writeMu.Unlock()
	c.signalWriter()
}

func (c *Connection) closeSocket(ev ConnectionEvent) {
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	c.pumpCancel()
	c.raw.Close()
	c.raiseEvent(ev)
}

func (c *Connection) raiseEvent(ev ConnectionEvent) {
	cbs := make([]ConnectionCallbacks, len(c.cbs))
	copy(cbs, c.cbs)
	for _, cb := range cbs {
		cb.OnEvent(ev)
	}
}
