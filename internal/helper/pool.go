package helper

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sockslink/sockslink/internal/logging"
	"github.com/sockslink/sockslink/internal/metrics"
	"github.com/sockslink/sockslink/internal/reactor"
)

// Config configures the helper pool.
type Config struct {
	// Command is the helper executable, invoked with no arguments per
	// running instance.
	Command string
	// HelpersMax is the target number of concurrently running helpers.
	HelpersMax int
	// StartupTimeout bounds how long a freshly spawned helper has to
	// accept its first request before it's considered hung.
	StartupTimeout time.Duration
	// AuthTimeout bounds how long a helper has to reply to the oldest
	// outstanding request before it's considered hung.
	AuthTimeout time.Duration
	// RefillInterval is how often the pool checks whether it needs to
	// spawn replacement helpers.
	RefillInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.HelpersMax <= 0 {
		c.HelpersMax = 4
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 10 * time.Second
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 30 * time.Second
	}
	if c.RefillInterval <= 0 {
		c.RefillInterval = 10 * time.Minute
	}
	return c
}

// Pool manages a set of helper subprocesses, dispatching authentication
// requests to them round-robin and keeping the set topped up at
// Config.HelpersMax as helpers die.
type Pool struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	reactor *reactor.Reactor

	mu      sync.Mutex
	helpers []*Helper
	rrNext  int
}

// NewPool builds a Pool. Call Start to spawn the initial set of helpers.
func NewPool(cfg Config, logger *slog.Logger, m *metrics.Metrics, r *reactor.Reactor) *Pool {
	if m == nil {
		m = metrics.Default()
	}
	return &Pool{
		cfg:     cfg.withDefaults(),
		logger:  logger,
		metrics: m,
		reactor: r,
	}
}

// Start spawns Config.HelpersMax helpers and arms the refill timer.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < p.cfg.HelpersMax; i++ {
		h, err := spawnHelper(p)
		if err != nil {
			return fmt.Errorf("helper pool: start: %w", err)
		}
		p.helpers = append(p.helpers, h)
	}

	p.reactor.After(p.cfg.RefillInterval, "helper-pool-refill", p.refillTick)
	return nil
}

// Stop gracefully tears down every helper: SIGTERM, a brief grace period,
// then SIGKILL for stragglers.
func (p *Pool) Stop() {
	p.mu.Lock()
	helpers := append([]*Helper(nil), p.helpers...)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range helpers {
		wg.Add(1)
		go func(h *Helper) {
			defer wg.Done()
			h.stop()
		}(h)
	}
	wg.Wait()
}

// Dispatch picks a non-dying helper round-robin and enqueues req on it. A
// helper that has not yet taken its first request is eligible, since
// that first write is what marks it running. It returns an error if no
// helper is available to accept work.
func (p *Pool) Dispatch(req Pending) error {
	h := p.pickHelper()
	if h == nil {
		p.reactor.Go("helper-pool-emergency-refill", p.doRefill)
		return fmt.Errorf("helper pool: no helper available")
	}
	return h.Enqueue(req)
}

func (p *Pool) pickHelper() *Helper {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.helpers)
	if n == 0 {
		return nil
	}
	for i := 0; i < n; i++ {
		idx := (p.rrNext + i) % n
		h := p.helpers[idx]
		if !h.Dying() {
			p.rrNext = (idx + 1) % n
			return h
		}
	}
	return nil
}

// RunningCount returns the number of helpers currently running and not
// dying.
func (p *Pool) RunningCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, h := range p.helpers {
		if h.Running() {
			n++
		}
	}
	return n
}

func (p *Pool) totalQueueDepth() int {
	p.mu.Lock()
	helpers := append([]*Helper(nil), p.helpers...)
	p.mu.Unlock()

	total := 0
	for _, h := range helpers {
		total += h.QueueDepth()
	}
	return total
}

// onHelperExited removes a dead helper from the pool's rotation. Refill
// happens on the next refill tick, matching the original's bounded
// "don't thrash respawns" behavior rather than an immediate respawn.
func (p *Pool) onHelperExited(h *Helper, cause string) {
	p.mu.Lock()
	for i, candidate := range p.helpers {
		if candidate == h {
			p.helpers = append(p.helpers[:i], p.helpers[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	// HelpersRunning was only incremented if the helper took a request.
	if h.running.Load() {
		p.metrics.RecordHelperDeath(cause)
	} else {
		p.metrics.HelperDeaths.WithLabelValues(cause).Inc()
	}
	p.logger.Warn("helper removed from pool", logging.KeyComponent, "helper-pool", logging.KeyHelperPID, h.PID(), "cause", cause)
}

// killHelper marks h dying, drains its FIFO with an error, and starts its
// graceful-then-forced shutdown. h remains in the pool's slice until
// waitExit observes the process actually exit and calls onHelperExited.
func (p *Pool) killHelper(h *Helper, cause string) {
	go h.stop()
}

// ReplaceAll tears down every currently running helper and spawns a
// fresh HelpersMax of them, for a SIGHUP-triggered reload. Unlike
// doRefill, which only tops up a deficit, this forces every helper out
// regardless of health.
func (p *Pool) ReplaceAll() {
	p.mu.Lock()
	helpers := append([]*Helper(nil), p.helpers...)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range helpers {
		wg.Add(1)
		go func(h *Helper) {
			defer wg.Done()
			h.stop()
		}(h)
	}
	wg.Wait()

	// Drop the stopped helpers now rather than when waitExit gets to
	// them, so doRefill sees the full deficit.
	p.mu.Lock()
	remaining := make([]*Helper, 0, len(p.helpers))
	for _, h := range p.helpers {
		if !h.Dying() {
			remaining = append(remaining, h)
		}
	}
	p.helpers = remaining
	p.mu.Unlock()

	p.doRefill()
}

// doRefill spawns replacement helpers up to HelpersMax, without arming
// the next scheduled tick. Safe to call both from the recurring refill
// timer and ad hoc when a dispatch finds the pool empty.
func (p *Pool) doRefill() {
	p.mu.Lock()
	deficit := p.cfg.HelpersMax - len(p.helpers)
	p.mu.Unlock()

	for i := 0; i < deficit; i++ {
		h, err := spawnHelper(p)
		if err != nil {
			p.logger.Error("helper pool: refill failed", logging.KeyComponent, "helper-pool", logging.KeyError, err)
			break
		}
		p.mu.Lock()
		p.helpers = append(p.helpers, h)
		p.mu.Unlock()
	}
}

// refillTick runs doRefill and re-arms itself for the next interval.
func (p *Pool) refillTick() {
	p.doRefill()
	p.reactor.After(p.cfg.RefillInterval, "helper-pool-refill", p.refillTick)
}

// Snapshot returns a state summary suitable for the SIGUSR1 dump.
func (p *Pool) Snapshot() any {
	p.mu.Lock()
	defer p.mu.Unlock()

	type helperSnapshot struct {
		PID        int  `yaml:"pid"`
		Running    bool `yaml:"running"`
		Dying      bool `yaml:"dying"`
		QueueDepth int  `yaml:"queue_depth"`
	}

	snap := make([]helperSnapshot, 0, len(p.helpers))
	for _, h := range p.helpers {
		snap = append(snap, helperSnapshot{
			PID:        h.PID(),
			Running:    h.Running(),
			Dying:      h.Dying(),
			QueueDepth: h.QueueDepth(),
		})
	}
	return snap
}
