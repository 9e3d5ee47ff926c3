// Package reactor provides goroutine and timer bookkeeping that stands in
// for the original single-threaded epoll event loop: every session,
// listener accept loop, and helper reader is spawned through a Reactor so
// shutdown can wait for all of them and panics never escape unnoticed.
package reactor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sockslink/sockslink/internal/recovery"
)

// Reactor tracks every goroutine and timer spawned on its behalf so Stop
// can wait for an orderly shutdown.
type Reactor struct {
	logger *slog.Logger

	wg      sync.WaitGroup
	running atomic.Bool

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
}

// New creates a Reactor that logs recovered panics through logger.
func New(logger *slog.Logger) *Reactor {
	r := &Reactor{
		logger: logger,
		timers: make(map[*time.Timer]struct{}),
	}
	r.running.Store(true)
	return r
}

// Go runs fn in a new goroutine, wrapped with panic recovery, and tracked
// by the reactor's WaitGroup so Stop can wait for it to finish.
func (r *Reactor) Go(name string, fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer recovery.RecoverWithLog(r.logger, name)
		fn()
	}()
}

// After schedules fn to run once after d, the same role the original's
// timer-backed events play (e.g. HELPER_STARTUP_TIMEOUT, refill ticks).
// The returned Timer can be used to cancel it before it fires.
func (r *Reactor) After(d time.Duration, name string, fn func()) *time.Timer {
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		r.mu.Lock()
		delete(r.timers, t)
		r.mu.Unlock()
		defer recovery.RecoverWithLog(r.logger, name)
		fn()
	})

	r.mu.Lock()
	r.timers[t] = struct{}{}
	r.mu.Unlock()

	return t
}

// Cancel stops a timer returned by After and removes it from bookkeeping.
func (r *Reactor) Cancel(t *time.Timer) {
	t.Stop()
	r.mu.Lock()
	delete(r.timers, t)
	r.mu.Unlock()
}

// Stop cancels all pending timers and waits for every goroutine spawned
// via Go to return, or for ctx to be done, whichever comes first.
func (r *Reactor) Stop(ctx context.Context) error {
	r.running.Store(false)

	r.mu.Lock()
	for t := range r.timers {
		t.Stop()
	}
	r.timers = make(map[*time.Timer]struct{})
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether Stop has been called.
func (r *Reactor) Running() bool {
	return r.running.Load()
}
