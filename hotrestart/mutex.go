// Copyright (c) Slipway Authors.
// SPDX-License-Identifier: BSD-3-Clause

package hotrestart

import (
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Mutex is a process-shared futex-based lock laid directly into the shared
// memory region. State follows the classic three-value protocol: 0 free,
// 1 locked, 2 locked with waiters. The owner pid is recorded so that a
// generation whose peer died mid-critical-section can recover the lock
// instead of deadlocking forever.
type Mutex struct {
	state uint32
	owner uint32
}

// Linux futex(2) operation codes. golang.org/x/sys/unix does not export
// these, so they are defined here using their fixed kernel ABI values.
const (
	linuxFutexWait = 0
	linuxFutexWake = 1
)

func futexWait(addr *uint32, val uint32, ts *unix.Timespec) error {
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)), uintptr(linuxFutexWait), uintptr(val), uintptr(unsafe.Pointer(ts)), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func futexWake(addr *uint32, count uint32) {
	unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)), uintptr(linuxFutexWake), uintptr(count), 0, 0, 0)
}

func (m *Mutex) Lock() {
	pid := uint32(os.Getpid())

	c := uint32(0)
	if atomic.CompareAndSwapUint32(&m.state, 0, 1) {
		atomic.StoreUint32(&m.owner, pid)
		return
	}
	c = atomic.SwapUint32(&m.state, 2)
	for c != 0 {
		ts := unix.Timespec{Sec: 1}
		err := futexWait(&m.state, 2, &ts)
		if err == unix.ETIMEDOUT {
			// The holder may have died without unlocking. If its pid is
			// gone, mark the mutex consistent and retake it.
			owner := atomic.LoadUint32(&m.owner)
			if owner != 0 && unix.Kill(int(owner), 0) == unix.ESRCH {
				atomic.StoreUint32(&m.state, 0)
			}
		}
		c = atomic.SwapUint32(&m.state, 2)
	}
	atomic.StoreUint32(&m.owner, pid)
}

func (m *Mutex) TryLock() bool {
	if atomic.CompareAndSwapUint32(&m.state, 0, 1) {
		atomic.StoreUint32(&m.owner, uint32(os.Getpid()))
		return true
	}
	return false
}

func (m *Mutex) Unlock() {
	atomic.StoreUint32(&m.owner, 0)
	if atomic.SwapUint32(&m.state, 0) == 2 {
		futexWake(&m.state, 1)
	}
}
