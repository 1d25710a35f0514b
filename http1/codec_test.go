// Copyright (c) Slipway Authors.
// SPDX-License-Identifier: BSD-3-Clause

package http1

import (
	"bytes"
	"errors"
	"testing"
)

type recordingDecoder struct {
	status     int
	headers    map[string]string
	body       bytes.Buffer
	headersEnd bool
	complete   bool
}

func (d *recordingDecoder) DecodeHeaders(status int, headers map[string]string, endStream bool) {
	d.status = status
	d.headers = headers
	d.headersEnd = endStream
	if endStream {
		d.complete = true
	}
}

func (d *recordingDecoder) DecodeData(data []byte, endStream bool) {
	d.body.Write(data)
	if endStream {
		d.complete = true
	}
}

func TestResponseParser(t *testing.T) {
	const (
		respSimple  = "HTTP/1.1 200 OK\r\n" + "Content-Length: 5\r\n" + "\r\n" + "Hello"
		respChunked = "HTTP/1.1 200 OK\r\n" + "Transfer-Encoding: chunked\r\n" + "\r\n" + "3\r\nabc\r\n" + "5\r\nhello\r\n" + "0\r\n\r\n"
		respNoBody  = "HTTP/1.1 204 No Content\r\n" + "\r\n"
		respClose   = "HTTP/1.1 200 OK\r\n" + "Connection: Close\r\n" + "Content-Length: 2\r\n" + "\r\n" + "hi"
	)

	tests := []struct {
		name       string
		data       string
		status     int
		body       string
		complete   bool
		closeConn  bool
		err        error
	}{
		{
			name:     "simple",
			data:     respSimple,
			status:   200,
			body:     "Hello",
			complete: true,
		},
		{
			name:     "chunked",
			data:     respChunked,
			status:   200,
			body:     "abchello",
			complete: true,
		},
		{
			name:     "no body",
			data:     respNoBody,
			status:   204,
			complete: true,
		},
		{
			name:      "connection close",
			data:      respClose,
			status:    200,
			body:      "hi",
			complete:  true,
			closeConn: true,
		},
		{
			name:     "partial simple",
			data:     "HTTP/1.1 200 OK\r\n" + "Content-Length: 20\r\n" + "\r\n" + "Hello",
			status:   200,
			body:     "Hello",
			complete: false,
		},
		{
			name:     "partial chunked",
			data:     "HTTP/1.1 200 OK\r\n" + "Transfer-Encoding: chunked\r\n" + "\r\n" + "10\r\nabc",
			status:   200,
			body:     "abc",
			complete: false,
		},
		{
			name: "invalid content length",
			data: "HTTP/1.1 200 OK\r\n" + "Content-Length: 13x4\r\n" + "\r\n" + "Hello",
			err:  errInvalidContentLength,
		},
		{
			name: "invalid chunk size",
			data: "HTTP/1.1 200 OK\r\n" + "Transfer-Encoding: chunked\r\n" + "\r\n" + "xyz!\r\nabcdef\r\n" + "0\r\n\r\n",
			err:  errInvalidChunkSize,
		},
		{
			name: "bad chunk terminator",
			data: "HTTP/1.1 200 OK\r\n" + "Transfer-Encoding: chunked\r\n" + "\r\n" + "3\r\nabcdef" + "0\r\n\r\n",
			err:  errBadChunkTerminator,
		},
		{
			name: "bad status line",
			data: "FTP/1.1 200 OK\r\n\r\n",
			err:  errInvalidStatusLine,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newResponseParser()
			decoder := new(recordingDecoder)
			err := p.consume(bytes.NewBufferString(tt.data), decoder)
			if tt.err != nil {
				if !errors.Is(err, tt.err) {
					t.Fatalf("got err %v, want %v", err, tt.err)
				}
				return
			}
			if err != nil {
				t.Fatalf("consume: %v", err)
			}
			if decoder.status != tt.status {
				t.Errorf("status: got %d, want %d", decoder.status, tt.status)
			}
			if got := decoder.body.String(); got != tt.body {
				t.Errorf("body: got %q, want %q", got, tt.body)
			}
			if p.complete != tt.complete {
				t.Errorf("complete: got %v, want %v", p.complete, tt.complete)
			}
			if p.complete && p.connectionClose() != tt.closeConn {
				t.Errorf("connectionClose: got %v, want %v", p.connectionClose(), tt.closeConn)
			}
		})
	}
}

// Responses must parse identically regardless of how the bytes are sliced
// up by the transport.
func TestResponseParserBytewise(t *testing.T) {
	const resp = "HTTP/1.1 200 OK\r\n" + "Transfer-Encoding: chunked\r\n" + "\r\n" + "3\r\nabc\r\n" + "5\r\nhello\r\n" + "0\r\n\r\n"

	p := newResponseParser()
	decoder := new(recordingDecoder)
	buf := new(bytes.Buffer)
	for i := 0; i < len(resp); i++ {
		buf.WriteByte(resp[i])
		if err := p.consume(buf, decoder); err != nil {
			t.Fatalf("consume at byte %d: %v", i, err)
		}
	}
	if !p.complete {
		t.Fatal("response not complete")
	}
	if got := decoder.body.String(); got != "abchello" {
		t.Fatalf("body: got %q, want %q", got, "abchello")
	}
}
