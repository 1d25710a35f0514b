// Copyright (c) Slipway Authors.
// SPDX-License-Identifier: BSD-3-Clause

package network

import (
	"context"
	"net"

	"github.com/google/uuid"
	"slipway.dev/event"
)

// DialFunc establishes the upstream transport. Swapped out in tests.
type DialFunc func(ctx context.Context, address string) (net.Conn, error)

func defaultDial(ctx context.Context, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", address)
}

// ClientConnection is an outbound Connection. It starts in a connecting
// state; EventConnected fires once the transport is established, and a
// failure before that surfaces as EventRemoteClose.
type ClientConnection struct {
	Connection

	address string
	dial    DialFunc
}

func NewClientConnection(d *event.Dispatcher, address string, dial DialFunc) *ClientConnection {
	if dial == nil {
		dial = defaultDial
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &ClientConnection{
		Connection: Connection{
			ID:          uuid.New(),
			d:           d,
			state:       StateOpen,
			connecting:  true,
			readLimit:   DefaultBufferLimitBytes,
			readEnabled: true,
			writeSignal: make(chan struct{}, 1),
			pumpCtx:     ctx,
			pumpCancel:  cancel,
		},
		address: address,
		dial:    dial,
	}
	return c
}

// Connect starts the asynchronous dial. Must be called once, on the loop.
func (c *ClientConnection) Connect() {
	go func() {
		nc, err := c.dial(c.pumpCtx, c.address)
		c.d.Post(func() {
			if c.state == StateClosed {
				if nc != nil {
					nc.Close()
				}
				return
			}
			if err != nil {
				c.state = StateClosed
				c.pumpCancel()
				c.raiseEvent(EventRemoteClose)
				return
			}
			c.raw = nc
			if tcp, ok := nc.(*net.TCPConn); ok {
				c.tcp = tcp
			}
			c.localAddr = nc.LocalAddr()
			c.remoteAddr = nc.RemoteAddr()
			c.connecting = false
			c.startPumps()
			c.raiseEvent(EventConnected)
		})
	}()
}

func (c *ClientConnection) Connecting() bool { return c.connecting }

// Close on a still-connecting client cancels the dial and raises
// EventLocalClose; the dial's eventual result is discarded.
func (c *ClientConnection) Close(t CloseType) {
	if c.connecting {
		if c.state != StateClosed {
			c.state = StateClosed
			c.pumpCancel()
			c.raiseEvent(EventLocalClose)
		}
		return
	}
	c.Connection.Close(t)
}
