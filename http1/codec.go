// Copyright (c) Slipway Authors.
// SPDX-License-Identifier: BSD-3-Clause

// Package http1 implements the upstream HTTP/1.1 codec client and the
// connection pool that multiplexes requests over a bounded set of
// persistent upstream connections.
package http1

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

var (
	errInvalidStatusLine    = fmt.Errorf("invalid status line")
	errInvalidContentLength = fmt.Errorf("invalid content-length value")
	errInvalidChunkSize     = fmt.Errorf("invalid chunk size")
	errBadChunkTerminator   = fmt.Errorf("bad chunk terminator")
)

// ResponseDecoder receives the upstream response as it parses.
type ResponseDecoder interface {
	DecodeHeaders(statusCode int, headers map[string]string, endStream bool)
	DecodeData(data []byte, endStream bool)
}

// responseParser is an incremental HTTP/1.1 response state machine. It
// consumes whatever bytes are available and never reads past the end of the
// current response.
type responseParser struct {
	state parserState

	line []byte // accumulation for line-based states

	status    int
	headers   map[string]string
	chunked   bool
	remaining int // body/chunk bytes left; -1 before headers resolve

	headersDelivered bool
	complete         bool
}

type parserState int

const (
	stateStatusLine parserState = iota
	stateHeaders
	stateBody
	stateChunkSize
	stateChunkData
	stateChunkCRLF
	stateChunkLast
	stateComplete
)

func newResponseParser() *responseParser {
	p := new(responseParser)
	p.reset()
	return p
}

func (p *responseParser) reset() {
	p.state = stateStatusLine
	p.line = p.line[:0]
	p.status = 0
	p.headers = make(map[string]string)
	p.chunked = false
	p.remaining = -1
	p.headersDelivered = false
	p.complete = false
}

// connectionClose reports whether the response asked for the connection to
// be torn down after completion.
func (p *responseParser) connectionClose() bool {
	return strings.EqualFold(strings.TrimSpace(p.headers["connection"]), "close")
}

// takeLine pulls one CRLF-terminated line out of buf, accumulating partial
// lines across calls. Second return is false when no full line is buffered.
func (p *responseParser) takeLine(buf *bytes.Buffer) (string, bool) {
	for buf.Len() > 0 {
		b, _ := buf.ReadByte()
		if b == '\n' {
			line := strings.TrimSuffix(string(p.line), "\r")
			p.line = p.line[:0]
			return line, true
		}
		p.line = append(p.line, b)
	}
	return "", false
}

// consume drives the state machine over buf. It invokes decoder callbacks
// as pieces complete and returns once buf has no more usable bytes or the
// response is done.
func (p *responseParser) consume(buf *bytes.Buffer, decoder ResponseDecoder) error {
	for {
		switch p.state {
		case stateStatusLine:
			line, ok := p.takeLine(buf)
			if !ok {
				return nil
			}
			fields := strings.SplitN(line, " ", 3)
			if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/1.") {
				return fmt.Errorf("parse %q: %w", line, errInvalidStatusLine)
			}
			status, err := strconv.Atoi(fields[1])
			if err != nil {
				return fmt.Errorf("parse %q: %w", line, errInvalidStatusLine)
			}
			p.status = status
			p.state = stateHeaders

		case stateHeaders:
			line, ok := p.takeLine(buf)
			if !ok {
				return nil
			}
			if line == "" {
				if err := p.onHeadersComplete(decoder); err != nil {
					return err
				}
				if p.complete {
					return nil
				}
				continue
			}
			name, value, found := strings.Cut(line, ":")
			if !found {
				continue
			}
			p.headers[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)

		case stateBody:
			if buf.Len() == 0 {
				return nil
			}
			n := buf.Len()
			if n > p.remaining {
				n = p.remaining
			}
			data := buf.Next(n)
			p.remaining -= n
			end := p.remaining == 0
			if end {
				p.state = stateComplete
				p.complete = true
			}
			decoder.DecodeData(data, end)
			if end {
				return nil
			}

		case stateChunkSize:
			line, ok := p.takeLine(buf)
			if !ok {
				return nil
			}
			size, err := strconv.ParseInt(strings.TrimSpace(line), 16, 64)
			if err != nil || size < 0 {
				return fmt.Errorf("parse %q: %w", line, errInvalidChunkSize)
			}
			if size == 0 {
				p.state = stateChunkLast
				continue
			}
			p.remaining = int(size)
			p.state = stateChunkData

		case stateChunkData:
			if buf.Len() == 0 {
				return nil
			}
			n := buf.Len()
			if n > p.remaining {
				n = p.remaining
			}
			data := buf.Next(n)
			p.remaining -= n
			decoder.DecodeData(data, false)
			if p.remaining == 0 {
				p.state = stateChunkCRLF
			}

		case stateChunkCRLF:
			// Chunk-terminating CRLF before the next size line.
			line, ok := p.takeLine(buf)
			if !ok {
				return nil
			}
			if line != "" {
				return errBadChunkTerminator
			}
			p.state = stateChunkSize

		case stateChunkLast:
			// Size-zero chunk: swallow the final CRLF.
			line, ok := p.takeLine(buf)
			if !ok {
				return nil
			}
			if line != "" {
				return errBadChunkTerminator
			}
			p.state = stateComplete
			p.complete = true
			decoder.DecodeData(nil, true)
			return nil

		case stateComplete:
			return nil
		}
	}
}

func (p *responseParser) onHeadersComplete(decoder ResponseDecoder) error {
	if cl, ok := p.headers["content-length"]; ok {
		n, err := strconv.Atoi(strings.TrimSpace(cl))
		if err != nil || n < 0 {
			return fmt.Errorf("parse %q: %w", cl, errInvalidContentLength)
		}
		p.remaining = n
	}
	p.chunked = chunkedEncoding(p.headers["transfer-encoding"])

	switch {
	case p.chunked:
		p.headersDelivered = true
		decoder.DecodeHeaders(p.status, p.headers, false)
		p.state = stateChunkSize
	case p.remaining > 0:
		p.headersDelivered = true
		decoder.DecodeHeaders(p.status, p.headers, false)
		p.state = stateBody
	default:
		// No body: content-length zero or absent.
		p.state = stateComplete
		p.complete = true
		decoder.DecodeHeaders(p.status, p.headers, true)
	}
	return nil
}

func chunkedEncoding(value string) bool {
	for _, part := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(part), "chunked") {
			return true
		}
	}
	return false
}
