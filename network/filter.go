// Copyright (c) Slipway Authors.
// SPDX-License-Identifier: BSD-3-Clause

package network

import "bytes"

type FilterStatus int

const (
	// FilterContinue passes the buffer to the next filter in the chain.
	FilterContinue FilterStatus = iota
	// FilterStopIteration ends the chain for this buffer: later filters do
	// not see it. On the read side, bytes left in the buffer go down the
	// chain again when more data arrives; on the write side, the data is
	// not queued.
	FilterStopIteration
)

// ReadFilter sees downstream bytes in arrival order. OnData receives the
// connection's read buffer and may drain or rewrite it.
type ReadFilter interface {
	OnNewConnection() FilterStatus
	OnData(data *bytes.Buffer) FilterStatus
}

// WriteFilter sees bytes submitted for write, in submission order.
type WriteFilter interface {
	OnWrite(data *bytes.Buffer) FilterStatus
}

// FilterChainFactory populates a new connection's filter chain. Returning
// false means no filters were added and the connection should be closed.
type FilterChainFactory interface {
	CreateFilterChain(conn *Connection) bool
}

// FilterChainFactoryFunc adapts a closure to FilterChainFactory.
type FilterChainFactoryFunc func(conn *Connection) bool

func (f FilterChainFactoryFunc) CreateFilterChain(conn *Connection) bool { return f(conn) }
