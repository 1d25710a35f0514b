// Copyright (c) Slipway Authors.
// SPDX-License-Identifier: BSD-3-Clause

package network

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"

	"golang.org/x/sys/unix"
	"slipway.dev/event"
)

// ListenerOptions carries the per-listener knobs recognised by the config.
type ListenerOptions struct {
	BindToPort                    bool
	UseProxyProto                 bool
	UseOriginalDst                bool
	PerConnectionBufferLimitBytes int // 0 means DefaultBufferLimitBytes
}

// TransportFactory optionally promotes an accepted TCP socket to a richer
// transport (TLS). The returned bool reports whether the transport needs a
// handshake before EventConnected may fire.
type TransportFactory func(tcp *net.TCPConn) (net.Conn, bool)

func rawTransport(tcp *net.TCPConn) (net.Conn, bool) { return tcp, false }

// ListenerCallbacks receives ownership of each accepted connection.
type ListenerCallbacks interface {
	OnNewConnection(conn *Connection)
}

// ConnectionHandler is the per-worker registry a listener consults to rehome
// original-destination connections.
type ConnectionHandler interface {
	FindListenerByAddress(addr netip.AddrPort) *Listener
}

// Listener accepts sockets on the dispatcher and turns them into
// Connections.
type Listener struct {
	d         *event.Dispatcher
	handler   ConnectionHandler
	socket    *ListenSocket
	cb        ListenerCallbacks
	transport TransportFactory
	opts      ListenerOptions

	fileEvent *event.FileEvent
}

func NewListener(d *event.Dispatcher, handler ConnectionHandler, socket *ListenSocket, cb ListenerCallbacks, transport TransportFactory, opts ListenerOptions) (*Listener, error) {
	if transport == nil {
		transport = rawTransport
	}
	l := &Listener{
		d:         d,
		handler:   handler,
		socket:    socket,
		cb:        cb,
		transport: transport,
		opts:      opts,
	}

	if opts.BindToPort {
		fe, err := d.CreateFileEvent(socket.Fd(), func(event.ReadyType) { l.onAccept() }, event.TriggerLevel, event.ReadyRead)
		if err != nil {
			return nil, fmt.Errorf("register listener %s: %w", socket.LocalAddr(), err)
		}
		l.fileEvent = fe
	}
	return l, nil
}

func (l *Listener) Socket() *ListenSocket { return l.socket }

// Destroy stops accepting. The listen socket stays open so hot restart can
// still hand it to the next generation.
func (l *Listener) Destroy() {
	if l.fileEvent != nil {
		l.fileEvent.Destroy()
		l.fileEvent = nil
	}
}

func (l *Listener) onAccept() {
	for {
		fd, sa, err := unix.Accept4(l.socket.Fd(), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch err {
		case nil:
		case unix.EAGAIN:
			return
		case unix.EINTR, unix.ECONNABORTED:
			continue
		default:
			// Out of fds or the kernel took the socket away. Neither is
			// recoverable at this layer.
			panic(fmt.Sprintf("listener accept failure: %v", err))
		}
		l.handleAccepted(fd, sa)
	}
}

func (l *Listener) handleAccepted(fd int, sa unix.Sockaddr) {
	target := l
	localAddr := l.socket.LocalAddr()

	// Redirected connections (iptables) are handed to the listener bound to
	// the intercepted destination, when one exists. A use_original_dst
	// listener still accepts non-redirected connections itself: for those
	// the recovered address equals our own.
	if l.opts.UseOriginalDst {
		if orig, ok := getOriginalDst(fd); ok {
			localAddr = orig
			if orig != l.socket.LocalAddr() {
				if nl := l.handler.FindListenerByAddress(orig); nl != nil {
					target = nl
				}
			}
		}
	}

	target.newConnectionFromFd(fd, localAddr)
}

func (l *Listener) newConnectionFromFd(fd int, localAddr netip.AddrPort) {
	f := os.NewFile(uintptr(fd), "accepted")
	nc, err := net.FileConn(f)
	f.Close()
	if err != nil {
		slog.Debug("failed to wrap accepted socket", "err", err)
		return
	}
	tcp, ok := nc.(*net.TCPConn)
	if !ok {
		nc.Close()
		return
	}

	local := net.TCPAddrFromAddrPort(localAddr)
	if l.opts.UseProxyProto {
		// The proxy protocol line has to come off the wire before any filter
		// sees bytes, and parsing must not stall the loop.
		go l.readProxyProto(tcp, local)
		return
	}
	l.newConnection(tcp, tcp.RemoteAddr(), local)
}

func (l *Listener) newConnection(tcp *net.TCPConn, remote net.Addr, local net.Addr) {
	raw, handshake := l.transport(tcp)
	conn := NewServerConnection(l.d, raw, tcp, remote, local, l.opts.PerConnectionBufferLimitBytes, handshake)
	l.cb.OnNewConnection(conn)
}

func (l *Listener) readProxyProto(tcp *net.TCPConn, local net.Addr) {
	remote, err := readProxyProtoHeader(tcp)
	if err != nil {
		slog.Debug("malformed proxy protocol header", "remote", tcp.RemoteAddr(), "err", err)
		tcp.Close()
		return
	}
	l.d.Post(func() {
		l.newConnection(tcp, net.TCPAddrFromAddrPort(remote), local)
	})
}
