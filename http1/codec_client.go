// Copyright (c) Slipway Authors.
// SPDX-License-Identifier: BSD-3-Clause

package http1

import (
	"bytes"
	"fmt"
	"sort"

	"slipway.dev/network"
)

// RequestEncoder writes one request onto the upstream connection.
type RequestEncoder interface {
	// EncodeHeaders writes the request line and headers. When endStream is
	// set the request has no body.
	EncodeHeaders(method, path string, headers map[string]string, endStream bool)
	EncodeData(data []byte, endStream bool)
}

type StreamResetReason int

const (
	ResetConnectionTermination StreamResetReason = iota
	ResetConnectionFailure
	ResetLocal
	ResetOverflow
)

// StreamResetListener is implemented by decoders that want to observe
// stream resets (upstream died mid-exchange).
type StreamResetListener interface {
	OnResetStream(reason StreamResetReason)
}

// CodecClientCallbacks is how the pool observes the client's stream
// lifecycle.
type CodecClientCallbacks interface {
	// OnResponseComplete fires when the active stream's response finished
	// parsing. closeConnection is set when the response demanded teardown.
	OnResponseComplete(closeConnection bool)
	// OnDecodeError fires on unparsable response bytes.
	OnDecodeError(err error)
}

// CodecClient owns one upstream connection and one HTTP/1 codec. At most
// one stream is active at a time.
type CodecClient struct {
	Conn *network.ClientConnection

	parser    *responseParser
	decoder   ResponseDecoder
	callbacks CodecClientCallbacks
}

func NewCodecClient(conn *network.ClientConnection, callbacks CodecClientCallbacks) *CodecClient {
	c := &CodecClient{
		Conn:      conn,
		parser:    newResponseParser(),
		callbacks: callbacks,
	}
	conn.AddReadFilter(c)
	return c
}

func (c *CodecClient) HasActiveStream() bool { return c.decoder != nil }

// NewStream binds decoder as the destination of the next response and
// returns the encoder for the request.
func (c *CodecClient) NewStream(decoder ResponseDecoder) RequestEncoder {
	if c.decoder != nil {
		panic("codec client already has an active stream")
	}
	c.parser.reset()
	c.decoder = decoder
	return &requestEncoder{client: c}
}

// ResetStream detaches the active stream, notifying the decoder.
func (c *CodecClient) ResetStream(reason StreamResetReason) {
	decoder := c.decoder
	c.decoder = nil
	if l, ok := decoder.(StreamResetListener); ok && decoder != nil {
		l.OnResetStream(reason)
	}
}

func (c *CodecClient) Close() { c.Conn.Close(network.CloseNoFlush) }

// OnNewConnection implements network.ReadFilter.
func (c *CodecClient) OnNewConnection() network.FilterStatus { return network.FilterContinue }

// OnData feeds response bytes through the parser.
func (c *CodecClient) OnData(data *bytes.Buffer) network.FilterStatus {
	if c.decoder == nil {
		// Response bytes with no stream bound: protocol violation.
		c.callbacks.OnDecodeError(fmt.Errorf("unexpected upstream data with no active stream"))
		data.Reset()
		return network.FilterStopIteration
	}
	if err := c.parser.consume(data, c.decoder); err != nil {
		c.callbacks.OnDecodeError(err)
		return network.FilterStopIteration
	}
	if c.parser.complete {
		closeConn := c.parser.connectionClose()
		c.decoder = nil
		c.callbacks.OnResponseComplete(closeConn)
	}
	return network.FilterContinue
}

type requestEncoder struct {
	client *CodecClient
}

func (e *requestEncoder) EncodeHeaders(method, path string, headers map[string]string, endStream bool) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", method, path)

	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "%s: %s\r\n", name, headers[name])
	}
	b.WriteString("\r\n")
	e.client.Conn.Write(&b)
}

func (e *requestEncoder) EncodeData(data []byte, endStream bool) {
	e.client.Conn.WriteBytes(data)
}
