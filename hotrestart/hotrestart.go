// Copyright (c) Slipway Authors.
// SPDX-License-Identifier: BSD-3-Clause

// Package hotrestart implements the cross-generation IPC: a shared memory
// region for stats, and a datagram RPC protocol over abstract-namespace
// unix sockets through which a child generation takes listening sockets
// and statistics over from its parent without dropping connections.
package hotrestart

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/unix"
	"slipway.dev/event"
	"slipway.dev/stats"
)

// At most three concurrent generations. When a fourth starts it reuses the
// oldest slot, forcing the oldest parent's termination first.
const maxConcurrentGenerations = 3

// Options parameterises one generation.
type Options struct {
	BaseID       uint64
	RestartEpoch uint64

	// SharedMemoryDir overrides /dev/shm. Test hook.
	SharedMemoryDir string
	// SocketPrefix overrides the abstract socket namespace. Test hook.
	SocketPrefix string
}

func (o *Options) sharedMemoryDir() string {
	if o.SharedMemoryDir != "" {
		return o.SharedMemoryDir
	}
	return "/dev/shm"
}

func (o *Options) socketPrefix() string {
	if o.SocketPrefix != "" {
		return o.SocketPrefix
	}
	return "slipway"
}

// ServerHandle is the surface the RPC receive path calls back into.
type ServerHandle interface {
	// ListenSocketFdForAddress returns the listening fd bound to the given
	// tcp://ip:port address, or -1 when there is none.
	ListenSocketFdForAddress(address string) int
	NumConnections() uint64
	// OriginalStartTime is the unix time the first epoch started, for
	// consistent uptime reporting across generations.
	OriginalStartTime() uint64
	ShutdownAdmin()
	DrainListeners()
}

type HotRestart struct {
	opts  Options
	shmem *SharedMemory

	sock       int
	parentAddr *unix.SockaddrUnix
	childAddr  *unix.SockaddrUnix

	fileEvent *event.FileEvent
	server    ServerHandle

	parentTerminated bool
}

func New(opts Options) (*HotRestart, error) {
	shmem, err := attachSharedMemory(opts.sharedMemoryDir(), opts.BaseID, opts.RestartEpoch)
	if err != nil {
		return nil, err
	}

	hr := &HotRestart{opts: opts, shmem: shmem}

	hr.sock, err = hr.bindDomainSocket(opts.RestartEpoch)
	if err != nil {
		shmem.Close()
		return nil, err
	}
	hr.childAddr = hr.domainSocketAddress(opts.RestartEpoch + 1)
	if opts.RestartEpoch != 0 {
		hr.parentAddr = hr.domainSocketAddress(opts.RestartEpoch - 1)
	}

	// If our parent ever goes away, terminate: a generation should never
	// outlive the process tree that launched it.
	if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGTERM), 0, 0, 0); err != nil {
		slog.Warn("failed to set parent death signal", "err", err)
	}

	return hr, nil
}

func (hr *HotRestart) domainSocketAddress(id uint64) *unix.SockaddrUnix {
	id = id % maxConcurrentGenerations
	return &unix.SockaddrUnix{
		Name: fmt.Sprintf("@%s_domain_socket_%d", hr.opts.socketPrefix(), hr.opts.BaseID+id),
	}
}

func (hr *HotRestart) bindDomainSocket(id uint64) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("create domain socket: %w", err)
	}
	if err := unix.Bind(fd, hr.domainSocketAddress(id)); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("unable to bind domain socket with id=%d (see --base-id option): %w", id, err)
	}
	return fd, nil
}

// Version identifies the shared memory and RPC layout.
func (hr *HotRestart) Version() string {
	return fmt.Sprintf("%d.%d", Version, layoutSize)
}

func (hr *HotRestart) LogLock() *Mutex       { return &hr.shmem.layout.logLock }
func (hr *HotRestart) AccessLogLock() *Mutex { return &hr.shmem.layout.accessLogLock }

// Initialize registers the RPC socket with the main dispatcher so parent
// duties are served event-driven.
func (hr *HotRestart) Initialize(d *event.Dispatcher, server ServerHandle) error {
	hr.server = server
	fe, err := d.CreateFileEvent(hr.sock, func(event.ReadyType) { hr.onSocketEvent() }, event.TriggerEdge, event.ReadyRead)
	if err != nil {
		return fmt.Errorf("register hot restart socket: %w", err)
	}
	hr.fileEvent = fe
	return nil
}

func (hr *HotRestart) Shutdown() {
	if hr.fileEvent != nil {
		hr.fileEvent.Destroy()
		hr.fileEvent = nil
	}
	unix.Close(hr.sock)
	hr.shmem.Close()
}

// DrainParentListeners asks the previous generation to stop accepting. No
// reply is expected.
func (hr *HotRestart) DrainParentListeners() error {
	if hr.parentAddr == nil {
		return nil
	}
	return hr.sendMessage(hr.parentAddr, &Message{Type: RPCDrainListenersRequest})
}

// DuplicateParentListenSocket fetches the parent's listening fd for the
// given address. Returns -1 when this is the first epoch or the parent has
// no such listener.
func (hr *HotRestart) DuplicateParentListenSocket(address string) (int, error) {
	if hr.parentAddr == nil || hr.parentTerminated {
		return -1, nil
	}
	if err := hr.sendMessage(hr.parentAddr, &Message{Type: RPCGetListenSocketRequest, Address: address}); err != nil {
		return -1, err
	}
	reply, err := hr.receiveTypedRPC(RPCGetListenSocketReply)
	if err != nil {
		return -1, err
	}
	return reply.Fd, nil
}

// GetParentStats reports the parent's allocated memory and connection count
// so the child can publish unified metrics during overlap.
func (hr *HotRestart) GetParentStats() (memoryAllocated, numConnections uint64, err error) {
	if hr.parentAddr == nil || hr.parentTerminated {
		return 0, 0, nil
	}
	if err := hr.sendMessage(hr.parentAddr, &Message{Type: RPCGetStatsRequest}); err != nil {
		return 0, 0, err
	}
	reply, err := hr.receiveTypedRPC(RPCGetStatsReply)
	if err != nil {
		return 0, 0, err
	}
	return reply.MemoryAllocated, reply.NumConnections, nil
}

// ShutdownParentAdmin closes the parent's admin endpoint and returns its
// original first-epoch start time.
func (hr *HotRestart) ShutdownParentAdmin() (originalStartTime uint64, err error) {
	if hr.parentAddr == nil || hr.parentTerminated {
		return 0, nil
	}
	if err := hr.sendMessage(hr.parentAddr, &Message{Type: RPCShutdownAdminRequest}); err != nil {
		return 0, err
	}
	reply, err := hr.receiveTypedRPC(RPCShutdownAdminReply)
	if err != nil {
		return 0, err
	}
	return reply.OriginalStartTime, nil
}

// TerminateParent tells the previous generation to exit.
func (hr *HotRestart) TerminateParent() error {
	if hr.parentAddr == nil || hr.parentTerminated {
		return nil
	}
	err := hr.sendMessage(hr.parentAddr, &Message{Type: RPCTerminateRequest})
	hr.parentTerminated = true
	return err
}

func (hr *HotRestart) sendMessage(addr *unix.SockaddrUnix, msg *Message) error {
	buf, err := encodeRPC(msg)
	if err != nil {
		return err
	}
	var oob []byte
	if msg.Type == RPCGetListenSocketReply && msg.Fd >= 0 {
		oob = unix.UnixRights(msg.Fd)
	}
	if err := unix.Sendmsg(hr.sock, buf, oob, addr, 0); err != nil {
		return fmt.Errorf("sendmsg rpc type %d: %w", msg.Type, err)
	}
	return nil
}

// receiveRPC reads one datagram. In blocking mode it waits for a reply; in
// non-blocking mode EAGAIN returns nil for the event-driven path.
func (hr *HotRestart) receiveRPC(block bool) (*Message, error) {
	if err := unix.SetNonblock(hr.sock, !block); err != nil {
		return nil, fmt.Errorf("toggle domain socket blocking: %w", err)
	}

	buf := make([]byte, rpcBufferLen)
	oob := make([]byte, unix.CmsgSpace(4))
	for {
		n, oobn, _, _, err := unix.Recvmsg(hr.sock, buf, oob, 0)
		switch err {
		case nil:
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			if !block {
				return nil, nil
			}
			continue
		default:
			return nil, fmt.Errorf("recvmsg: %w", err)
		}

		msg, err := decodeRPC(buf[:n])
		if err != nil {
			return nil, err
		}
		if msg.Type == RPCGetListenSocketReply {
			msg.Fd = -1
			if oobn > 0 {
				if fd, ok := parseRightsFd(oob[:oobn]); ok {
					msg.Fd = fd
				}
			}
		}
		return msg, nil
	}
}

func parseRightsFd(oob []byte) (int, bool) {
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return -1, false
	}
	for _, cmsg := range cmsgs {
		fds, err := unix.ParseUnixRights(&cmsg)
		if err != nil || len(fds) == 0 {
			continue
		}
		return fds[0], true
	}
	return -1, false
}

func (hr *HotRestart) receiveTypedRPC(want RPCType) (*Message, error) {
	msg, err := hr.receiveRPC(true)
	if err != nil {
		return nil, err
	}
	if msg.Type != want {
		return nil, fmt.Errorf("unexpected rpc reply: got type %d, want %d", msg.Type, want)
	}
	return msg, nil
}

// onSocketEvent services requests from the other generation until the
// socket runs dry.
func (hr *HotRestart) onSocketEvent() {
	for {
		msg, err := hr.receiveRPC(false)
		if err != nil {
			slog.Error("hot restart rpc receive failed", "err", err)
			return
		}
		if msg == nil {
			return
		}

		switch msg.Type {
		case RPCShutdownAdminRequest:
			hr.server.ShutdownAdmin()
			hr.replyToChild(&Message{Type: RPCShutdownAdminReply, OriginalStartTime: hr.server.OriginalStartTime()})

		case RPCDrainListenersRequest:
			hr.server.DrainListeners()

		case RPCGetListenSocketRequest:
			fd := hr.server.ListenSocketFdForAddress(msg.Address)
			hr.replyToChild(&Message{Type: RPCGetListenSocketReply, Fd: fd})

		case RPCGetStatsRequest:
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			hr.replyToChild(&Message{
				Type:            RPCGetStatsReply,
				MemoryAllocated: ms.HeapAlloc,
				NumConnections:  hr.server.NumConnections(),
			})

		case RPCTerminateRequest:
			slog.Info("child requested termination")
			unix.Kill(os.Getpid(), unix.SIGTERM)

		default:
			hr.replyToChild(&Message{Type: RPCUnknownRequestReply})
		}
	}
}

func (hr *HotRestart) replyToChild(msg *Message) {
	if err := hr.sendMessage(hr.childAddr, msg); err != nil {
		slog.Error("hot restart rpc reply failed", "type", uint64(msg.Type), "err", err)
	}
}

// Alloc implements stats.Allocator over the shared slot array. Returns nil
// when the region is full; the caller degrades by skipping the stat.
func (hr *HotRestart) Alloc(name string) *stats.RawStatData {
	hr.shmem.layout.statLock.Lock()
	defer hr.shmem.layout.statLock.Unlock()

	var firstEmpty *stats.RawStatData
	for i := range hr.shmem.layout.slots {
		data := &hr.shmem.layout.slots[i]
		if !data.Initialized() {
			if firstEmpty == nil {
				firstEmpty = data
			}
			continue
		}
		if data.Matches(name) {
			atomic.AddUint32(&data.RefCount, 1)
			return data
		}
	}

	if firstEmpty == nil {
		return nil
	}
	firstEmpty.Initialize(name)
	return firstEmpty
}

// Free implements stats.Allocator.
func (hr *HotRestart) Free(data *stats.RawStatData) {
	// The lock is required: the decrement can race with an Initialize of
	// the same slot from the other generation.
	hr.shmem.layout.statLock.Lock()
	defer hr.shmem.layout.statLock.Unlock()

	if atomic.AddUint32(&data.RefCount, ^uint32(0)) > 0 {
		return
	}
	*data = stats.RawStatData{}
}
