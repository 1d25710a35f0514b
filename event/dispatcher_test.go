// Copyright (c) Slipway Authors.
// SPDX-License-Identifier: BSD-3-Clause

package event

import (
	"sync/atomic"
	"testing"
	"time"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher()
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestPostOrdering(t *testing.T) {
	d := newTestDispatcher(t)

	var got []int
	for i := 0; i < 10; i++ {
		i := i
		d.Post(func() { got = append(got, i) })
	}
	d.Post(func() { d.Exit() })
	d.Run()

	if len(got) != 10 {
		t.Fatalf("got %d posts, want 10", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("post %d ran out of order: got %d", i, v)
		}
	}
}

func TestPostFromOtherGoroutine(t *testing.T) {
	d := newTestDispatcher(t)

	var fired atomic.Bool
	go func() {
		time.Sleep(10 * time.Millisecond)
		d.Post(func() {
			fired.Store(true)
			d.Exit()
		})
	}()
	d.Run()

	if !fired.Load() {
		t.Fatal("posted closure never ran")
	}
}

func TestTimerOrderAndDisable(t *testing.T) {
	d := newTestDispatcher(t)

	var got []string
	t1 := d.CreateTimer(func() { got = append(got, "t1") })
	t2 := d.CreateTimer(func() { got = append(got, "t2") })
	t3 := d.CreateTimer(func() { got = append(got, "t3") })
	stop := d.CreateTimer(func() { d.Exit() })

	d.Post(func() {
		t1.EnableTimer(30 * time.Millisecond)
		t2.EnableTimer(10 * time.Millisecond)
		t3.EnableTimer(20 * time.Millisecond)
		t3.DisableTimer()
		stop.EnableTimer(60 * time.Millisecond)
	})
	d.Run()

	if len(got) != 2 || got[0] != "t2" || got[1] != "t1" {
		t.Fatalf("timer order: got %v, want [t2 t1]", got)
	}
}

func TestTimerRearmMovesDeadline(t *testing.T) {
	d := newTestDispatcher(t)

	fired := 0
	var tm *Timer
	tm = d.CreateTimer(func() { fired++ })
	d.Post(func() {
		tm.EnableTimer(5 * time.Millisecond)
		tm.EnableTimer(20 * time.Millisecond) // re-arm, single fire
	})
	stop := d.CreateTimer(func() { d.Exit() })
	d.Post(func() { stop.EnableTimer(50 * time.Millisecond) })
	d.Run()

	if fired != 1 {
		t.Fatalf("timer fired %d times, want 1", fired)
	}
}

type deletable struct {
	fn func()
}

func (x *deletable) Delete() { x.fn() }

func TestDeferredDeleteRunsOutsideCallback(t *testing.T) {
	d := newTestDispatcher(t)

	var inCallback bool
	var deletedInCallback bool
	var deleted bool

	d.Post(func() {
		inCallback = true
		d.DeferredDelete(&deletable{fn: func() {
			deleted = true
			if inCallback {
				deletedInCallback = true
			}
		}})
		inCallback = false
	})
	stop := d.CreateTimer(func() { d.Exit() })
	d.Post(func() { stop.EnableTimer(30 * time.Millisecond) })
	d.Run()

	if !deleted {
		t.Fatal("deferred object never deleted")
	}
	if deletedInCallback {
		t.Fatal("deferred object deleted while the scheduling callback was on the stack")
	}
}

func TestDeferredDeleteChained(t *testing.T) {
	d := newTestDispatcher(t)

	var order []string
	d.Post(func() {
		d.DeferredDelete(&deletable{fn: func() {
			order = append(order, "first")
			// Deleting can schedule more deletions; they must destruct on a
			// later tick, not recursively.
			d.DeferredDelete(&deletable{fn: func() {
				order = append(order, "second")
			}})
		}})
	})
	stop := d.CreateTimer(func() { d.Exit() })
	d.Post(func() { stop.EnableTimer(50 * time.Millisecond) })
	d.Run()

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("chained deferred deletes: got %v", order)
	}
}

func TestClearDeferredDeleteList(t *testing.T) {
	d := newTestDispatcher(t)

	deleted := 0
	d.Post(func() {
		for i := 0; i < 3; i++ {
			d.DeferredDelete(&deletable{fn: func() { deleted++ }})
		}
		d.ClearDeferredDeleteList()
		if deleted != 3 {
			t.Errorf("clear flushed %d items, want 3", deleted)
		}
		d.Exit()
	})
	d.Run()
}
