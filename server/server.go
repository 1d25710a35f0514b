// Copyright (c) Slipway Authors.
// SPDX-License-Identifier: BSD-3-Clause

package server

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sys/unix"
	"slipway.dev/admin"
	"slipway.dev/config"
	"slipway.dev/event"
	"slipway.dev/filter"
	"slipway.dev/hotrestart"
	"slipway.dev/network"
	"slipway.dev/ssl"
	"slipway.dev/stats"
)

// boundListener is one configured listener with its process-wide socket.
// Workers share the socket; each registers its own accept event.
type boundListener struct {
	cfg       *config.Listener
	addr      netip.AddrPort
	socket    *network.ListenSocket
	transport network.TransportFactory
	factory   network.FilterChainFactory
}

// Server is one process generation: the workers, the shared listen
// sockets, the hot restart channel to the neighbour generations, and the
// admin endpoint.
type Server struct {
	opts Options
	cfg  *config.Config

	restarter *hotrestart.HotRestart
	store     *stats.Store

	d         *event.Dispatcher
	workers   []*Worker
	listeners []*boundListener
	admin     *admin.Server

	startTime         time.Time
	originalStartTime uint64
	draining          bool
}

func New(opts Options, cfg *config.Config) (*Server, error) {
	restarter, err := hotrestart.New(hotrestart.Options{
		BaseID:          opts.BaseID,
		RestartEpoch:    opts.RestartEpoch,
		SharedMemoryDir: opts.SharedMemoryDir,
	})
	if err != nil {
		return nil, err
	}

	d, err := event.NewDispatcher()
	if err != nil {
		restarter.Shutdown()
		return nil, err
	}

	s := &Server{
		opts:      opts,
		cfg:       cfg,
		restarter: restarter,
		store:     stats.NewStore(restarter),
		d:         d,
		startTime: time.Now(),
	}
	s.originalStartTime = uint64(s.startTime.Unix())
	return s, nil
}

// Run brings the generation up and blocks until shutdown.
func (s *Server) Run() error {
	slog.Info("starting", "epoch", s.opts.RestartEpoch, "hot_restart_version", s.restarter.Version())

	if err := s.restarter.Initialize(s.d, s); err != nil {
		return err
	}

	if err := s.bindListeners(); err != nil {
		return err
	}

	if err := s.startWorkers(); err != nil {
		return err
	}

	if s.cfg.Admin != nil {
		a, err := admin.New(s.cfg.Admin.Address, s.store, s.restarter.Version(), s.Shutdown)
		if err != nil {
			return err
		}
		s.admin = a
	}

	// From here on the parent is redundant: stop it accepting now, retire
	// it once our drain window has passed.
	if err := s.restarter.DrainParentListeners(); err != nil {
		slog.Warn("failed to drain parent listeners", "err", err)
	}
	if s.opts.RestartEpoch != 0 {
		retire := s.d.CreateTimer(s.retireParent)
		retire.EnableTimer(s.opts.drainTime())
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGTERM, unix.SIGINT)
	go func() {
		sig := <-sigs
		slog.Info("caught signal, shutting down", "signal", sig)
		s.Shutdown()
	}()

	s.d.Run()

	for _, w := range s.workers {
		w.Stop()
	}
	if s.admin != nil {
		s.admin.Close()
	}
	s.restarter.Shutdown()
	s.d.Close()
	slog.Info("exiting")
	return nil
}

func (s *Server) retireParent() {
	if start, err := s.restarter.ShutdownParentAdmin(); err != nil {
		slog.Warn("failed to shut down parent admin", "err", err)
	} else if start != 0 {
		s.originalStartTime = start
	}
	if err := s.restarter.TerminateParent(); err != nil {
		slog.Warn("failed to terminate parent", "err", err)
	}
}

// bindListeners resolves each configured listener to a socket: inherited
// from the parent generation when it has one on that address, freshly
// bound otherwise.
func (s *Server) bindListeners() error {
	for i := range s.cfg.Listeners {
		lc := &s.cfg.Listeners[i]
		addr, err := network.ParseTCPAddress(lc.Address)
		if err != nil {
			return err
		}

		var socket *network.ListenSocket
		fd, err := s.restarter.DuplicateParentListenSocket(lc.Address)
		if err != nil {
			return fmt.Errorf("listener %s: %w", lc.Address, err)
		}
		if fd != -1 {
			slog.Info("inherited listen socket from parent", "address", lc.Address, "fd", fd)
			socket, err = network.NewInheritedListenSocket(fd)
		} else {
			socket, err = network.NewTCPListenSocket(addr, lc.Options().BindToPort)
		}
		if err != nil {
			// A socket we cannot bind means a configuration or environment
			// problem nothing above us can fix.
			return fmt.Errorf("listener %s: %w", lc.Address, err)
		}

		var transport network.TransportFactory
		if sc := lc.SSLContext; sc != nil {
			tc, err := ssl.NewServerConfig(ssl.ContextConfig{
				CertChainFile:  sc.CertChainFile,
				PrivateKeyFile: sc.PrivateKeyFile,
				CACertFile:     sc.CACertFile,
				ALPNProtocols:  sc.ALPNProtocols,
				CipherSuites:   sc.CipherSuites,
			})
			if err != nil {
				return fmt.Errorf("listener %s: %w", lc.Address, err)
			}
			transport = ssl.NewTransportFactory(tc)
		}

		installs, err := filter.Resolve(lc.Filters)
		if err != nil {
			return fmt.Errorf("listener %s: %w", lc.Address, err)
		}

		s.listeners = append(s.listeners, &boundListener{
			cfg:       lc,
			addr:      socket.LocalAddr(),
			socket:    socket,
			transport: transport,
			factory:   filter.NewChainFactory(installs),
		})
	}
	return nil
}

func (s *Server) startWorkers() error {
	for i := 0; i < s.opts.concurrency(); i++ {
		w, err := NewWorker(i, s.store)
		if err != nil {
			return err
		}
		for _, bl := range s.listeners {
			if _, err := w.Handler().AddListener(bl.factory, bl.socket, bl.transport, bl.cfg.Options()); err != nil {
				return err
			}
		}
		s.workers = append(s.workers, w)
	}
	for _, w := range s.workers {
		w.Start()
	}
	slog.Info("workers started", "count", len(s.workers))
	return nil
}

// Shutdown requests an orderly exit. Safe from any goroutine.
func (s *Server) Shutdown() {
	s.d.Post(func() { s.d.Exit() })
}

// ListenSocketFdForAddress implements hotrestart.ServerHandle.
func (s *Server) ListenSocketFdForAddress(address string) int {
	addr, err := network.ParseTCPAddress(address)
	if err != nil {
		return -1
	}
	for _, bl := range s.listeners {
		if bl.addr == addr {
			return bl.socket.Fd()
		}
	}
	return -1
}

// NumConnections implements hotrestart.ServerHandle.
func (s *Server) NumConnections() uint64 {
	var total uint64
	for _, w := range s.workers {
		total += w.Handler().NumConnections()
	}
	return total
}

// OriginalStartTime implements hotrestart.ServerHandle.
func (s *Server) OriginalStartTime() uint64 { return s.originalStartTime }

// ShutdownAdmin implements hotrestart.ServerHandle.
func (s *Server) ShutdownAdmin() {
	if s.admin != nil {
		slog.Info("closing admin endpoint on child request")
		s.admin.Close()
	}
}

// DrainListeners implements hotrestart.ServerHandle.
func (s *Server) DrainListeners() {
	if s.draining {
		return
	}
	s.draining = true
	slog.Info("draining listeners")
	for _, w := range s.workers {
		w := w
		w.Handler().Dispatcher().Post(func() { w.Handler().CloseListeners() })
	}
}
