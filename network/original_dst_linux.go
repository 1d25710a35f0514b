// Copyright (c) Slipway Authors.
// SPDX-License-Identifier: BSD-3-Clause

package network

import (
	"encoding/binary"
	"net/netip"

	"golang.org/x/sys/unix"
)

// Kernel getsockopt that reports the pre-REDIRECT destination of an
// intercepted socket. Same value for IP and IPv6 tables.
const soOriginalDst = 80

// getOriginalDst recovers the original destination of a transparently
// redirected socket. Returns false when the socket was not redirected or
// the lookup is unsupported.
func getOriginalDst(fd int) (netip.AddrPort, bool) {
	// The result of SO_ORIGINAL_DST is a sockaddr_in; IPv6Mreq is just a
	// conveniently sized 16-byte container for it.
	if m, err := unix.GetsockoptIPv6Mreq(fd, unix.IPPROTO_IP, soOriginalDst); err == nil {
		port := binary.BigEndian.Uint16(m.Multiaddr[2:4])
		addr := netip.AddrFrom4([4]byte(m.Multiaddr[4:8]))
		return netip.AddrPortFrom(addr, port), true
	}

	if mtu, err := unix.GetsockoptIPv6MTUInfo(fd, unix.IPPROTO_IPV6, soOriginalDst); err == nil {
		var portBytes [2]byte
		binary.NativeEndian.PutUint16(portBytes[:], mtu.Addr.Port)
		port := binary.BigEndian.Uint16(portBytes[:])
		addr := netip.AddrFrom16(mtu.Addr.Addr)
		return netip.AddrPortFrom(addr, port), true
	}

	return netip.AddrPort{}, false
}
