// Package signals bridges os/signal notifications into the daemon's
// lifecycle: SIGINT/SIGTERM request shutdown, SIGHUP invokes the reload
// handler (the daemon uses it to replace every helper subprocess), and
// SIGUSR1 dumps a snapshot of daemon state as YAML to stdout.
//
// There is no SIGCHLD handling here: each helper subprocess is reaped by
// its own goroutine blocked on cmd.Wait() (see internal/helper), which is
// the Go-idiomatic replacement for the reactor's SIGCHLD callback. SIGPIPE
// needs no explicit ignore either — Go already turns a write to a closed
// socket into an EPIPE error return, never a process-terminating signal.
package signals

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/sockslink/sockslink/internal/logging"
)

// Handlers are the callbacks invoked for each signal Bridge listens for.
// Any nil field is simply not wired up.
type Handlers struct {
	OnShutdown func()
	OnReload   func()
	Snapshot   func() any
}

// Bridge owns the signal channel and the goroutine dispatching into
// Handlers. Stop unregisters the channel and lets the goroutine exit.
type Bridge struct {
	logger   *slog.Logger
	handlers Handlers
	sigCh    chan os.Signal
	done     chan struct{}
}

// New creates a Bridge. Call Start to begin dispatching.
func New(logger *slog.Logger, handlers Handlers) *Bridge {
	return &Bridge{
		logger:   logger,
		handlers: handlers,
		sigCh:    make(chan os.Signal, 4),
		done:     make(chan struct{}),
	}
}

// Start registers for SIGINT, SIGTERM, SIGHUP and SIGUSR1 and begins
// dispatching them on a background goroutine.
func (b *Bridge) Start() {
	signal.Notify(b.sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1)
	go b.loop()
}

// Stop unregisters the signal channel and waits for the dispatch
// goroutine to exit.
func (b *Bridge) Stop() {
	signal.Stop(b.sigCh)
	close(b.sigCh)
	<-b.done
}

func (b *Bridge) loop() {
	defer close(b.done)
	for sig := range b.sigCh {
		switch sig {
		case syscall.SIGINT, syscall.SIGTERM:
			b.logger.Info("received shutdown signal", logging.KeyComponent, "signals", "signal", sig.String())
			if b.handlers.OnShutdown != nil {
				b.handlers.OnShutdown()
			}
		case syscall.SIGHUP:
			b.logger.Info("received reload signal", logging.KeyComponent, "signals")
			if b.handlers.OnReload != nil {
				b.handlers.OnReload()
			}
		case syscall.SIGUSR1:
			b.dump()
		}
	}
}

func (b *Bridge) dump() {
	if b.handlers.Snapshot == nil {
		return
	}
	out, err := yaml.Marshal(b.handlers.Snapshot())
	if err != nil {
		b.logger.Error("failed to render state dump", logging.KeyComponent, "signals", logging.KeyError, err)
		return
	}
	os.Stdout.Write(out)
}
