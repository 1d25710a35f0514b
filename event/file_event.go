// Copyright (c) Slipway Authors.
// SPDX-License-Identifier: BSD-3-Clause

package event

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type ReadyType uint32

const (
	ReadyRead ReadyType = 1 << iota
	ReadyWrite
	ReadyClosed
)

type TriggerType int

const (
	TriggerLevel TriggerType = iota
	TriggerEdge
)

// FileEvent delivers readiness callbacks for a raw file descriptor. The
// descriptor is not owned: callers close it themselves after Destroy.
type FileEvent struct {
	d  *Dispatcher
	fd int
	cb func(ready ReadyType)
}

func (d *Dispatcher) CreateFileEvent(fd int, cb func(ready ReadyType), trigger TriggerType, ready ReadyType) (*FileEvent, error) {
	fe := &FileEvent{d: d, fd: fd, cb: cb}

	var events uint32
	if ready&ReadyRead != 0 {
		events |= unix.EPOLLIN
	}
	if ready&ReadyWrite != 0 {
		events |= unix.EPOLLOUT
	}
	if ready&ReadyClosed != 0 {
		events |= unix.EPOLLRDHUP
	}
	if trigger == TriggerEdge {
		events |= unix.EPOLLET & 0xffffffff
	}

	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return nil, fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}

	d.fileEvents[fd] = fe
	return fe, nil
}

func (fe *FileEvent) dispatch(events uint32) {
	var ready ReadyType
	if events&(unix.EPOLLIN|unix.EPOLLERR) != 0 {
		ready |= ReadyRead
	}
	if events&unix.EPOLLOUT != 0 {
		ready |= ReadyWrite
	}
	if events&(unix.EPOLLRDHUP|unix.EPOLLHUP) != 0 {
		ready |= ReadyClosed
	}
	if ready != 0 {
		fe.cb(ready)
	}
}

// Destroy unregisters the descriptor from the loop.
func (fe *FileEvent) Destroy() {
	delete(fe.d.fileEvents, fe.fd)
	unix.EpollCtl(fe.d.epfd, unix.EPOLL_CTL_DEL, fe.fd, nil)
}
