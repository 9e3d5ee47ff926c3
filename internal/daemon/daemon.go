// Package daemon wires together the listener, session factory, helper
// pool, signal bridge and reactor into SocksLink's runnable lifecycle.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/sockslink/sockslink/internal/config"
	"github.com/sockslink/sockslink/internal/helper"
	"github.com/sockslink/sockslink/internal/listener"
	"github.com/sockslink/sockslink/internal/logging"
	"github.com/sockslink/sockslink/internal/metrics"
	"github.com/sockslink/sockslink/internal/reactor"
	"github.com/sockslink/sockslink/internal/session"
	"github.com/sockslink/sockslink/internal/signals"
)

// Daemon owns every listener, the helper pool, the session registry and
// the signal bridge for one SocksLink run. Bind/Serve/Stop form the
// lifecycle a Windows-service-style wrapper or a plain CLI main can
// drive identically.
type Daemon struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	reactor *reactor.Reactor

	pool     *helper.Pool
	registry *session.Registry
	bridge   *signals.Bridge

	mu        sync.Mutex
	listeners []net.Listener

	stopOnce sync.Once
	stopped  chan struct{}
}

// New builds a Daemon from a validated, normalized Config. Call Bind to
// open listeners, then Serve to begin accepting connections.
func New(cfg config.Config, logger *slog.Logger, m *metrics.Metrics) *Daemon {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		reactor:  reactor.New(logger),
		registry: session.NewRegistry(),
		stopped:  make(chan struct{}),
	}

	if cfg.Helper != "" {
		d.pool = helper.NewPool(helper.Config{
			Command:        cfg.Helper,
			HelpersMax:     cfg.HelpersMax,
			StartupTimeout: config.AuthTimeout,
			AuthTimeout:    config.AuthTimeout,
			RefillInterval: helperRefillInterval,
		}, logger, m, d.reactor)
	}

	d.bridge = signals.New(logger, signals.Handlers{
		// Stop waits on the reactor's WaitGroup, so it must run outside
		// any reactor-tracked goroutine to avoid waiting on itself.
		OnShutdown: func() { go d.Stop() },
		OnReload: func() {
			if d.pool != nil {
				d.pool.ReplaceAll()
			}
		},
		Snapshot: d.Snapshot,
	})

	return d
}

// helperRefillInterval is how often the helper pool checks for a
// deficit against HelpersMax, matching HELPERS_REFILL_POOL_TIMEOUT.
const helperRefillInterval = 5 * time.Second

// Bind opens every configured listen address. It must run while still
// privileged (before privdrop), since --listen may name a low port.
// On any error, listeners already opened are closed before returning.
func (d *Daemon) Bind() error {
	for _, addr := range d.cfg.ListenAddresses() {
		ln, err := listener.Listen(listener.Config{Address: addr, Device: d.cfg.Interface})
		if err != nil {
			d.closeListeners()
			return fmt.Errorf("daemon: listen %s: %w", addr, err)
		}
		d.logger.Info("listening", logging.KeyComponent, "daemon", logging.KeyLocalAddr, addr)

		d.mu.Lock()
		d.listeners = append(d.listeners, ln)
		d.mu.Unlock()
	}
	return nil
}

// Serve arms the accept loop for every bound listener, starts the
// helper pool (if configured), and begins the signal bridge. Call this
// only after privileges have been dropped (see Bind). On any error,
// listeners are closed and any already-started helper pool is torn
// back down before returning.
func (d *Daemon) Serve() error {
	d.mu.Lock()
	listeners := append([]net.Listener(nil), d.listeners...)
	d.mu.Unlock()

	for _, ln := range listeners {
		ln := ln
		d.reactor.Go("accept-"+ln.Addr().String(), func() {
			listener.Accept(ln, d.logger, func(fn func()) { d.reactor.Go("session", fn) }, d.handleConn)
		})
	}

	if d.pool != nil {
		if err := d.pool.Start(); err != nil {
			d.closeListeners()
			d.pool.Stop()
			return fmt.Errorf("daemon: start helper pool: %w", err)
		}
	}

	d.bridge.Start()
	return nil
}

// shutdownGrace bounds how long Stop waits for in-flight accept loops
// and sessions to unwind before giving up on them.
const shutdownGrace = 10 * time.Second

// Stop closes every listener (ending the accept loops), tears down the
// helper pool, stops the signal bridge, and waits up to shutdownGrace
// for in-flight goroutines spawned via the reactor to finish. Safe to
// call more than once (e.g. a second SIGTERM arriving mid-shutdown);
// only the first call does any work.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		d.closeListeners()
		if d.pool != nil {
			d.pool.Stop()
		}

		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := d.reactor.Stop(ctx); err != nil {
			d.logger.Warn("shutdown grace period expired with sessions still running",
				logging.KeyComponent, "daemon", logging.KeyError, err)
		}

		d.bridge.Stop()
		close(d.stopped)
	})
}

// Wait blocks until Stop has completed, whether triggered by a signal or
// by an explicit call. Intended for a CLI main to block on after Serve.
func (d *Daemon) Wait() {
	<-d.stopped
}

// Addrs returns the bound address of every listener, in the order
// cfg.ListenAddresses() produced them. Useful for tests and for
// logging the resolved port when --port 0 was used.
func (d *Daemon) Addrs() []net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	addrs := make([]net.Addr, len(d.listeners))
	for i, ln := range d.listeners {
		addrs[i] = ln.Addr()
	}
	return addrs
}

func (d *Daemon) closeListeners() {
	d.mu.Lock()
	listeners := append([]net.Listener(nil), d.listeners...)
	d.listeners = nil
	d.mu.Unlock()

	for _, ln := range listeners {
		ln.Close()
	}
}

func (d *Daemon) handleConn(conn net.Conn) {
	sessCfg := session.Config{
		Pipe:    d.cfg.Pipe,
		NextHop: d.cfg.NextHop,
		Methods: d.cfg.WireMethods(),
	}
	s := session.New(conn, sessCfg, d.pool, d.reactor, d.metrics, d.logger, d.registry)
	s.Run()
}

// Snapshot aggregates the session registry, helper pool state and
// relayed byte totals for the SIGUSR1 dump.
func (d *Daemon) Snapshot() any {
	toUpstream, toClient := d.metrics.BytesRelayed()
	snap := map[string]any{
		"sessions": d.registry.Snapshot(),
		"bytes": map[string]string{
			"to_upstream": humanize.Bytes(toUpstream),
			"to_client":   humanize.Bytes(toClient),
		},
	}
	if d.pool != nil {
		snap["helpers"] = d.pool.Snapshot()
	}
	return snap
}
