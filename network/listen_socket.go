// Copyright (c) Slipway Authors.
// SPDX-License-Identifier: BSD-3-Clause

package network

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// ListenSocket owns a bound (or inherited) listening file descriptor and its
// resolved local address. The descriptor outlives any single Listener: hot
// restart passes it between process generations.
type ListenSocket struct {
	fd        int
	localAddr netip.AddrPort
}

// NewTCPListenSocket creates a stream socket for addr, sets SO_REUSEADDR,
// and, when bindToPort is set, binds and listens.
func NewTCPListenSocket(addr netip.AddrPort, bindToPort bool) (*ListenSocket, error) {
	family := unix.AF_INET
	if addr.Addr().Is6() && !addr.Addr().Is4In6() {
		family = unix.AF_INET6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}

	ls := &ListenSocket{fd: fd, localAddr: addr}
	if !bindToPort {
		return ls, nil
	}

	if err := unix.Bind(fd, sockaddrFrom(addr)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	// The bind may have been to port 0.
	sa, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("getsockname: %w", err)
	}
	resolved, err := addrPortFrom(sa)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	ls.localAddr = resolved
	return ls, nil
}

// NewInheritedListenSocket adopts an already-listening descriptor received
// from the parent generation over hot restart.
func NewInheritedListenSocket(fd int) (*ListenSocket, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, fmt.Errorf("getsockname on inherited fd %d: %w", fd, err)
	}
	addr, err := addrPortFrom(sa)
	if err != nil {
		return nil, err
	}
	unix.SetNonblock(fd, true)
	return &ListenSocket{fd: fd, localAddr: addr}, nil
}

func (ls *ListenSocket) Fd() int                   { return ls.fd }
func (ls *ListenSocket) LocalAddr() netip.AddrPort { return ls.localAddr }

func (ls *ListenSocket) Close() error {
	if ls.fd < 0 {
		return nil
	}
	err := unix.Close(ls.fd)
	ls.fd = -1
	return err
}
