// Copyright (c) Slipway Authors.
// SPDX-License-Identifier: BSD-3-Clause

package network

import (
	"fmt"
	"net/netip"
	"strings"

	"golang.org/x/sys/unix"
)

// ParseTCPAddress parses a "tcp://host:port" URL into an address.
func ParseTCPAddress(url string) (netip.AddrPort, error) {
	rest, ok := strings.CutPrefix(url, "tcp://")
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("unsupported address %q: expected tcp:// scheme", url)
	}
	addr, err := netip.ParseAddrPort(rest)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("parse %q: %w", url, err)
	}
	return addr, nil
}

func sockaddrFrom(addr netip.AddrPort) unix.Sockaddr {
	if addr.Addr().Is4() || addr.Addr().Is4In6() {
		sa := &unix.SockaddrInet4{Port: int(addr.Port())}
		sa.Addr = addr.Addr().Unmap().As4()
		return sa
	}
	sa := &unix.SockaddrInet6{Port: int(addr.Port())}
	sa.Addr = addr.Addr().As16()
	return sa
}

func addrPortFrom(sa unix.Sockaddr) (netip.AddrPort, error) {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)), nil
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port)), nil
	}
	return netip.AddrPort{}, fmt.Errorf("unsupported sockaddr family %T", sa)
}
