// Copyright (c) Slipway Authors.
// SPDX-License-Identifier: BSD-3-Clause

package filter

import (
	"bytes"

	"slipway.dev/config"
	"slipway.dev/network"
)

func init() {
	Register("echo", func(*config.Filter) (InstallFunc, error) {
		return func(conn *network.Connection) {
			conn.AddReadFilter(&echo{conn: conn})
		}, nil
	})
}

// echo writes every received buffer straight back to the peer.
type echo struct {
	conn *network.Connection
}

func (e *echo) OnNewConnection() network.FilterStatus { return network.FilterContinue }

func (e *echo) OnData(data *bytes.Buffer) network.FilterStatus {
	e.conn.Write(data)
	return network.FilterContinue
}
