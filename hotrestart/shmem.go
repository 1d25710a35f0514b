// Copyright (c) Slipway Authors.
// SPDX-License-Identifier: BSD-3-Clause

package hotrestart

import (
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/unix"
	"slipway.dev/stats"
)

// Version stamps the shared memory and RPC layout. Increment on any change
// that would prevent a hot restart from working; operations code copes by
// doing a full restart instead.
const Version = 5

const NumStatSlots = 16384

const flagInitializing = 0x1

// sharedMemoryLayout is laid directly into the mapped region and shared by
// every running generation.
type sharedMemoryLayout struct {
	size    uint64
	version uint64
	flags   uint64

	logLock       Mutex
	accessLogLock Mutex
	statLock      Mutex

	slots [NumStatSlots]stats.RawStatData
}

var layoutSize = uint64(unsafe.Sizeof(sharedMemoryLayout{}))

type SharedMemory struct {
	layout *sharedMemoryLayout
	mem    []byte
}

func shmemPath(dir string, baseID uint64) string {
	return filepath.Join(dir, fmt.Sprintf("slipway_shared_memory_%d", baseID))
}

// attachSharedMemory creates (epoch 0) or attaches (later epochs) the
// cross-generation region. A version or size mismatch on attach is fatal:
// the operator must restart cleanly.
func attachSharedMemory(dir string, baseID, restartEpoch uint64) (*SharedMemory, error) {
	path := shmemPath(dir, baseID)

	var f *os.File
	var err error
	if restartEpoch == 0 {
		// If we are meant to be first, clear out any stale region so the
		// exclusive create below can succeed.
		os.Remove(path)
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			return nil, fmt.Errorf("create shared memory region %s: %w", path, err)
		}
		if err := f.Truncate(int64(layoutSize)); err != nil {
			f.Close()
			return nil, fmt.Errorf("size shared memory region: %w", err)
		}
	} else {
		f, err = os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			return nil, fmt.Errorf("open shared memory region %s (check --base-id): %w", path, err)
		}
	}
	defer f.Close()

	mem, err := unix.Mmap(int(f.Fd()), 0, int(layoutSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap shared memory region: %w", err)
	}

	shm := &SharedMemory{
		layout: (*sharedMemoryLayout)(unsafe.Pointer(&mem[0])),
		mem:    mem,
	}

	if restartEpoch == 0 {
		shm.layout.flags |= flagInitializing
		shm.layout.size = layoutSize
		shm.layout.version = Version
		shm.layout.flags &^= flagInitializing
		return shm, nil
	}

	if shm.layout.size != layoutSize {
		unix.Munmap(mem)
		return nil, fmt.Errorf("shared memory size mismatch: region has %d, binary expects %d", shm.layout.size, layoutSize)
	}
	if shm.layout.version != Version {
		unix.Munmap(mem)
		return nil, fmt.Errorf("shared memory version mismatch: region has %d, binary expects %d", shm.layout.version, Version)
	}
	return shm, nil
}

func (shm *SharedMemory) Close() error {
	return unix.Munmap(shm.mem)
}
