// Copyright (c) Slipway Authors.
// SPDX-License-Identifier: BSD-3-Clause

package event

import (
	"container/heap"
	"time"
)

// Timer is a one-shot timer owned by a Dispatcher. EnableTimer re-arms it;
// arming an armed timer moves the deadline. All methods must be called on
// the dispatcher goroutine.
type Timer struct {
	d        *Dispatcher
	cb       func()
	deadline time.Time
	index    int // heap index, -1 when disarmed
}

func (d *Dispatcher) CreateTimer(cb func()) *Timer {
	return &Timer{d: d, cb: cb, index: -1}
}

func (t *Timer) EnableTimer(dur time.Duration) {
	t.deadline = time.Now().Add(dur)
	if t.index >= 0 {
		heap.Fix(&t.d.timers, t.index)
		return
	}
	heap.Push(&t.d.timers, t)
}

func (t *Timer) DisableTimer() {
	if t.index >= 0 {
		heap.Remove(&t.d.timers, t.index)
	}
}

func (t *Timer) Enabled() bool { return t.index >= 0 }

type timerHeap []*Timer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x any)        { t := x.(*Timer); t.index = len(*h); *h = append(*h, t) }

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// nextTimeoutMs returns the epoll_wait timeout for the earliest armed timer,
// or -1 to block indefinitely.
func (h timerHeap) nextTimeoutMs() int {
	if len(h) == 0 {
		return -1
	}
	ms := time.Until(h[0].deadline).Milliseconds()
	if ms < 0 {
		return 0
	}
	if ms > int64(1<<30) {
		return 1 << 30
	}
	return int(ms)
}

func (h *timerHeap) runExpired() {
	now := time.Now()
	for len(*h) > 0 && !(*h)[0].deadline.After(now) {
		t := heap.Pop(h).(*Timer)
		t.cb()
	}
}
