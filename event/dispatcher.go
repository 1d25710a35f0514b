// Copyright (c) Slipway Authors.
// SPDX-License-Identifier: BSD-3-Clause

// Package event implements the per-worker readiness loop. A Dispatcher owns
// an epoll instance, a timer heap and a cross-thread post queue. Everything
// that touches a connection runs as a callback on exactly one Dispatcher, so
// connection state needs no locking. Objects whose callbacks may still be on
// the stack are reclaimed through DeferredDelete rather than destroyed
// inline.
package event

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Deletable is implemented by objects that are reclaimed via DeferredDelete.
// Delete runs on the dispatcher goroutine, never inside another callback of
// the same object.
type Deletable interface {
	Delete()
}

type Dispatcher struct {
	epfd   int
	wakefd int

	mu    sync.Mutex
	posts []func()

	timers timerHeap

	fileEvents map[int]*FileEvent

	// Two deferred-delete lists. New entries always land on the current one;
	// the zero-delay tick swaps them and destroys the previous generation.
	toDelete        [2][]Deletable
	deleteCurrent   int
	deferredTimer   *Timer
	deletingCurrent bool

	exiting atomic.Bool
}

func NewDispatcher() (*Dispatcher, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	d := &Dispatcher{
		epfd:       epfd,
		wakefd:     wakefd,
		fileEvents: make(map[int]*FileEvent),
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll_ctl add wakeup: %w", err)
	}

	d.deferredTimer = d.CreateTimer(d.onDeferredDeleteTick)
	return d, nil
}

// Post schedules fn to run on the dispatcher goroutine. Safe to call from
// any goroutine.
func (d *Dispatcher) Post(fn func()) {
	d.mu.Lock()
	d.posts = append(d.posts, fn)
	d.mu.Unlock()
	d.wakeup()
}

func (d *Dispatcher) wakeup() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(d.wakefd, buf[:])
		if err != unix.EINTR {
			return
		}
	}
}

func (d *Dispatcher) drainWakeup() {
	var buf [8]byte
	for {
		if _, err := unix.Read(d.wakefd, buf[:]); err != nil {
			return
		}
	}
}

func (d *Dispatcher) runPosts() {
	d.mu.Lock()
	posts := d.posts
	d.posts = nil
	d.mu.Unlock()
	for _, fn := range posts {
		fn()
	}
}

// Exit makes Run return after the current iteration.
func (d *Dispatcher) Exit() {
	d.exiting.Store(true)
	d.wakeup()
}

// Run drives the loop until Exit is called. It must be called from exactly
// one goroutine, which becomes the dispatcher goroutine.
func (d *Dispatcher) Run() {
	events := make([]unix.EpollEvent, 64)
	for !d.exiting.Load() {
		timeout := d.timers.nextTimeoutMs()

		n, err := unix.EpollWait(d.epfd, events, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			panic(fmt.Sprintf("epoll_wait: %v", err))
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == d.wakefd {
				d.drainWakeup()
				continue
			}
			if fe, ok := d.fileEvents[fd]; ok {
				fe.dispatch(events[i].Events)
			}
		}

		d.timers.runExpired()
		d.runPosts()
	}
}

// Close releases the epoll and wakeup descriptors. Only call after Run has
// returned.
func (d *Dispatcher) Close() error {
	unix.Close(d.wakefd)
	return unix.Close(d.epfd)
}

// DeferredDelete schedules x for destruction on a later loop tick. x.Delete
// will not run while any callback belonging to x is still on the stack.
func (d *Dispatcher) DeferredDelete(x Deletable) {
	d.toDelete[d.deleteCurrent] = append(d.toDelete[d.deleteCurrent], x)
	if len(d.toDelete[d.deleteCurrent]) == 1 && !d.deletingCurrent {
		d.deferredTimer.EnableTimer(0)
	}
}

func (d *Dispatcher) onDeferredDeleteTick() {
	idx := d.deleteCurrent
	d.deleteCurrent ^= 1
	d.deletingCurrent = true
	d.destroyList(idx)
	d.deletingCurrent = false
	if len(d.toDelete[d.deleteCurrent]) > 0 {
		d.deferredTimer.EnableTimer(0)
	}
}

func (d *Dispatcher) destroyList(idx int) {
	// Entries may append more deletions while being destroyed; those land on
	// the other list and get their own tick.
	list := d.toDelete[idx]
	d.toDelete[idx] = nil
	for _, x := range list {
		x.Delete()
	}
}

// ClearDeferredDeleteList synchronously destroys both lists. Shutdown and
// test path only.
func (d *Dispatcher) ClearDeferredDeleteList() {
	d.destroyList(0)
	d.destroyList(1)
}
