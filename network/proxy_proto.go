// Copyright (c) Slipway Authors.
// SPDX-License-Identifier: BSD-3-Clause

package network

import (
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"
)

// Longest possible v1 header line, per the proxy protocol spec.
const maxProxyProtoLen = 107

// readProxyProtoHeader consumes exactly one "PROXY ..." v1 line from r and
// returns the advertised source address. It reads byte by byte so that no
// connection payload is ever pulled into the header buffer.
func readProxyProtoHeader(r io.Reader) (netip.AddrPort, error) {
	var line []byte
	var b [1]byte
	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return netip.AddrPort{}, fmt.Errorf("read header: %w", err)
		}
		if b[0] == '\n' {
			break
		}
		line = append(line, b[0])
		if len(line) > maxProxyProtoLen {
			return netip.AddrPort{}, fmt.Errorf("header exceeds %d bytes", maxProxyProtoLen)
		}
	}
	return parseProxyProtoLine(strings.TrimSuffix(string(line), "\r"))
}

func parseProxyProtoLine(line string) (netip.AddrPort, error) {
	fields := strings.Split(line, " ")
	if len(fields) != 6 || fields[0] != "PROXY" {
		return netip.AddrPort{}, fmt.Errorf("malformed line %q", line)
	}

	var want4 bool
	switch fields[1] {
	case "TCP4":
		want4 = true
	case "TCP6":
	default:
		return netip.AddrPort{}, fmt.Errorf("unsupported protocol %q", fields[1])
	}

	src, err := netip.ParseAddr(fields[2])
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("source address: %w", err)
	}
	if _, err := netip.ParseAddr(fields[3]); err != nil {
		return netip.AddrPort{}, fmt.Errorf("destination address: %w", err)
	}
	if src.Is4() != want4 {
		return netip.AddrPort{}, fmt.Errorf("address family does not match %s", fields[1])
	}

	srcPort, err := strconv.ParseUint(fields[4], 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("source port: %w", err)
	}
	if _, err := strconv.ParseUint(fields[5], 10, 16); err != nil {
		return netip.AddrPort{}, fmt.Errorf("destination port: %w", err)
	}

	return netip.AddrPortFrom(src, uint16(srcPort)), nil
}
