// Copyright (c) Slipway Authors.
// SPDX-License-Identifier: BSD-3-Clause

package hotrestart

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"
	"slipway.dev/event"
	"slipway.dev/network"
	"slipway.dev/stats"
)

var testBaseID atomic.Uint64

// nextBaseID keeps abstract socket names and shm files unique across test
// cases within one run.
func nextBaseID() uint64 {
	return uint64(os.Getpid())*1000 + testBaseID.Add(1)*10
}

type fakeServer struct {
	listenFds   map[string]int
	connections uint64
	startTime   uint64

	adminShutdowns atomic.Int32
	drains         atomic.Int32
}

func (s *fakeServer) ListenSocketFdForAddress(address string) int {
	if fd, ok := s.listenFds[address]; ok {
		return fd
	}
	return -1
}

func (s *fakeServer) NumConnections() uint64    { return s.connections }
func (s *fakeServer) OriginalStartTime() uint64 { return s.startTime }
func (s *fakeServer) ShutdownAdmin()            { s.adminShutdowns.Add(1) }
func (s *fakeServer) DrainListeners()           { s.drains.Add(1) }

func newGeneration(t *testing.T, baseID, epoch uint64, dir string) *HotRestart {
	t.Helper()
	hr, err := New(Options{
		BaseID:          baseID,
		RestartEpoch:    epoch,
		SharedMemoryDir: dir,
		SocketPrefix:    "slipway_test",
	})
	if err != nil {
		t.Fatalf("hot restart epoch %d: %v", epoch, err)
	}
	t.Cleanup(hr.Shutdown)
	return hr
}

// serveParent runs the parent's RPC loop on a dispatcher until the test
// finishes.
func serveParent(t *testing.T, hr *HotRestart, server ServerHandle) {
	t.Helper()
	d, err := event.NewDispatcher()
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	if err := hr.Initialize(d, server); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	go d.Run()
	t.Cleanup(func() {
		d.Exit()
		time.Sleep(10 * time.Millisecond)
		d.Close()
	})
}

func TestSharedMemoryVersionMismatch(t *testing.T) {
	dir := t.TempDir()
	baseID := nextBaseID()

	parent := newGeneration(t, baseID, 0, dir)
	parent.shmem.layout.version = Version + 1

	_, err := New(Options{BaseID: baseID, RestartEpoch: 1, SharedMemoryDir: dir, SocketPrefix: "slipway_test"})
	if err == nil {
		t.Fatal("attach with mismatched version must fail")
	}
	if !strings.Contains(err.Error(), "version mismatch") {
		t.Fatalf("error: got %v, want version mismatch", err)
	}

	parent.shmem.layout.version = Version
}

func TestStatSlotAllocation(t *testing.T) {
	dir := t.TempDir()
	hr := newGeneration(t, nextBaseID(), 0, dir)

	a := hr.Alloc("cluster.a.upstream_cx_total")
	if a == nil {
		t.Fatal("alloc returned nil with an empty region")
	}
	if !a.Initialized() {
		t.Fatal("allocated slot not initialized")
	}

	// Same name returns the same slot with a bumped refcount.
	b := hr.Alloc("cluster.a.upstream_cx_total")
	if b != a {
		t.Fatal("same name did not return the same slot")
	}
	if got := atomic.LoadUint32(&a.RefCount); got != 2 {
		t.Fatalf("refcount: got %d, want 2", got)
	}

	hr.Free(b)
	if !a.Initialized() {
		t.Fatal("slot freed while a reference remained")
	}
	hr.Free(a)
	if a.Initialized() {
		t.Fatal("slot not cleared at refcount zero")
	}
}

func TestStatSlotNameTruncation(t *testing.T) {
	dir := t.TempDir()
	hr := newGeneration(t, nextBaseID(), 0, dir)

	long := strings.Repeat("x", stats.MaxNameSize+50)
	a := hr.Alloc(long)
	if a == nil {
		t.Fatal("alloc returned nil")
	}
	// Names compare against the truncated stored form, so the same long
	// name (and any name sharing its truncated prefix) maps to one slot.
	b := hr.Alloc(long + "suffix-beyond-the-limit")
	if b != a {
		t.Fatal("truncated names did not collapse to one slot")
	}
	hr.Free(a)
	hr.Free(b)
}

func TestRPCListenSocketHandoff(t *testing.T) {
	dir := t.TempDir()
	baseID := nextBaseID()

	socket, err := network.NewTCPListenSocket(netip.MustParseAddrPort("127.0.0.1:0"), true)
	if err != nil {
		t.Fatalf("listen socket: %v", err)
	}
	defer socket.Close()
	address := fmt.Sprintf("tcp://%s", socket.LocalAddr())

	parent := newGeneration(t, baseID, 0, dir)
	serveParent(t, parent, &fakeServer{listenFds: map[string]int{address: socket.Fd()}})

	child := newGeneration(t, baseID, 1, dir)

	fd, err := child.DuplicateParentListenSocket(address)
	if err != nil {
		t.Fatalf("duplicate listen socket: %v", err)
	}
	if fd < 0 {
		t.Fatalf("no fd received for %s", address)
	}
	defer unix.Close(fd)

	// The received descriptor must refer to the same socket as the
	// parent's.
	var got, want unix.Stat_t
	if err := unix.Fstat(fd, &got); err != nil {
		t.Fatalf("fstat received fd: %v", err)
	}
	if err := unix.Fstat(socket.Fd(), &want); err != nil {
		t.Fatalf("fstat original fd: %v", err)
	}
	if got.Ino != want.Ino || got.Dev != want.Dev {
		t.Fatalf("received fd inode %d/%d does not match original %d/%d", got.Dev, got.Ino, want.Dev, want.Ino)
	}

	// Unknown addresses answer -1 with no ancillary data.
	fd, err = child.DuplicateParentListenSocket("tcp://127.0.0.1:1")
	if err != nil {
		t.Fatalf("duplicate unknown listener: %v", err)
	}
	if fd != -1 {
		t.Fatalf("unknown listener: got fd %d, want -1", fd)
	}
}

func TestRPCStatsAndAdminShutdown(t *testing.T) {
	dir := t.TempDir()
	baseID := nextBaseID()

	srv := &fakeServer{connections: 42, startTime: 1234567}
	parent := newGeneration(t, baseID, 0, dir)
	serveParent(t, parent, srv)

	child := newGeneration(t, baseID, 1, dir)

	_, conns, err := child.GetParentStats()
	if err != nil {
		t.Fatalf("get parent stats: %v", err)
	}
	if conns != 42 {
		t.Fatalf("parent connections: got %d, want 42", conns)
	}

	start, err := child.ShutdownParentAdmin()
	if err != nil {
		t.Fatalf("shutdown parent admin: %v", err)
	}
	if start != 1234567 {
		t.Fatalf("original start time: got %d, want 1234567", start)
	}
	if got := srv.adminShutdowns.Load(); got != 1 {
		t.Fatalf("admin shutdowns: got %d, want 1", got)
	}

	if err := child.DrainParentListeners(); err != nil {
		t.Fatalf("drain parent listeners: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for srv.drains.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("parent never saw the drain request")
		}
		time.Sleep(2 * time.Millisecond)
	}

	// After the parent is marked terminated, child-side calls degrade to
	// zero values without touching the socket.
	child.parentTerminated = true
	if _, _, err := child.GetParentStats(); err != nil {
		t.Fatalf("get stats after terminate: %v", err)
	}
}

func TestRPCUnknownTypeAnswered(t *testing.T) {
	dir := t.TempDir()
	baseID := nextBaseID()

	parent := newGeneration(t, baseID, 0, dir)
	serveParent(t, parent, &fakeServer{})

	child := newGeneration(t, baseID, 1, dir)

	// Hand-craft a message type this binary does not know. The parent must
	// answer rather than leave us deadlocked.
	if err := child.sendMessage(child.parentAddr, &Message{Type: RPCType(250)}); err != nil {
		t.Fatalf("send unknown rpc: %v", err)
	}
	reply, err := child.receiveRPC(true)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if reply.Type != RPCUnknownRequestReply {
		t.Fatalf("reply type: got %d, want unknown-request-reply", reply.Type)
	}
}

func TestDomainSocketNamesWrapAroundEpochs(t *testing.T) {
	hr := &HotRestart{opts: Options{BaseID: 100, SocketPrefix: "slipway_test"}}
	a := hr.domainSocketAddress(0)
	b := hr.domainSocketAddress(3)
	if a.Name != b.Name {
		t.Fatalf("epoch 0 and 3 should share a slot: %q vs %q", a.Name, b.Name)
	}
	c := hr.domainSocketAddress(1)
	if a.Name == c.Name {
		t.Fatalf("epoch 0 and 1 must not collide: %q", a.Name)
	}
}
