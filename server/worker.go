// Copyright (c) Slipway Authors.
// SPDX-License-Identifier: BSD-3-Clause

package server

import (
	"fmt"
	"log/slog"

	"slipway.dev/event"
	"slipway.dev/stats"
)

// Worker drives one dispatcher on its own goroutine. Workers are peers:
// they share only the listening sockets and the stats region.
type Worker struct {
	index   int
	d       *event.Dispatcher
	handler *Handler
	done    chan struct{}
}

func NewWorker(index int, store *stats.Store) (*Worker, error) {
	d, err := event.NewDispatcher()
	if err != nil {
		return nil, fmt.Errorf("worker %d: %w", index, err)
	}
	return &Worker{
		index:   index,
		d:       d,
		handler: NewHandler(d, store),
		done:    make(chan struct{}),
	}, nil
}

func (w *Worker) Handler() *Handler { return w.handler }

func (w *Worker) Start() {
	go func() {
		defer close(w.done)
		slog.Debug("worker starting", "index", w.index)
		w.handler.StartWatchdog()
		w.d.Run()
		slog.Debug("worker exited", "index", w.index)
	}()
}

// Stop closes connections and listeners on the worker's own loop, then
// exits it and waits.
func (w *Worker) Stop() {
	w.d.Post(func() {
		w.handler.CloseListeners()
		w.handler.CloseConnections()
		w.d.Exit()
	})
	<-w.done
	w.d.Close()
}
