// Package helper manages the pool of external authentication/routing
// helper subprocesses that sessions consult to decide credentials and
// next-hop destination.
//
// Protocol (one line per request/response, URL-encoded tokens):
//
//	stdin>  source-ip method [username [password]]
//	stdout< OK next-hop-addr next-hop-port method [username [password]]
//	stdout< ERR [error]
//
// Each helper's replies are matched 1:1, in order, to the FIFO of
// sessions it was asked to authenticate — see Helper.fifo.
package helper

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sockslink/sockslink/internal/logging"
	"github.com/sockslink/sockslink/internal/wire"
)

// Pending is the subset of session behavior the helper pool needs: enough
// to build a request line and to deliver the eventual reply back.
type Pending interface {
	SourceIP() string
	AuthMethod() wire.AuthMethodName
	Username() string
	Password() string

	// HelperOK is called exactly once, from the helper's reader goroutine,
	// with the parsed successful reply.
	HelperOK(reply *wire.HelperReply)
	// HelperErr is called exactly once when the helper reports failure,
	// times out, or dies with this session still queued.
	HelperErr(reason string)
}

// Helper is one running (or dying) helper subprocess.
type Helper struct {
	pool *Pool

	cmd   *exec.Cmd
	stdin io.WriteCloser
	pid   int

	logger *slog.Logger

	running atomic.Bool
	dying   atomic.Bool
	exited  chan struct{}

	mu           sync.Mutex
	fifo         []Pending
	idleTimer    *time.Timer
	startupTimer *time.Timer
}

// PID returns the helper subprocess's process ID.
func (h *Helper) PID() int { return h.pid }

// Running reports whether the helper has completed its startup
// handshake and is not currently dying.
func (h *Helper) Running() bool { return h.running.Load() && !h.dying.Load() }

// Dying reports whether the helper has been marked for teardown.
func (h *Helper) Dying() bool { return h.dying.Load() }

// QueueDepth returns the number of sessions currently awaiting a reply
// from this helper.
func (h *Helper) QueueDepth() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.fifo)
}

func spawnHelper(p *Pool) (*Helper, error) {
	cmd := exec.Command(p.cfg.Command)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("helper: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("helper: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("helper: stderr pipe: %w", err)
	}

	// os/exec never inherits listening sockets or other helpers' pipes
	// into the child unless explicitly added via ExtraFiles, giving us
	// the fd hygiene the original daemon achieved by hand with
	// close-on-exec bookkeeping between fork and exec.
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("helper: start %s: %w", p.cfg.Command, err)
	}

	h := &Helper{
		pool:   p,
		cmd:    cmd,
		stdin:  stdin,
		pid:    cmd.Process.Pid,
		logger: p.logger,
		exited: make(chan struct{}),
	}

	p.reactor.Go(fmt.Sprintf("helper[%d]-stdout", h.pid), func() { h.readStdout(stdout) })
	p.reactor.Go(fmt.Sprintf("helper[%d]-stderr", h.pid), func() { h.readStderr(stderr) })
	p.reactor.Go(fmt.Sprintf("helper[%d]-wait", h.pid), h.waitExit)

	h.startupTimer = p.reactor.After(p.cfg.StartupTimeout, fmt.Sprintf("helper[%d]-startup-timeout", h.pid), h.onStartupTimeout)

	p.logger.Info("helper spawned", logging.KeyComponent, "helper", logging.KeyHelperPID, h.pid)
	return h, nil
}

// Enqueue writes req's request line to the helper's stdin and appends req
// to the FIFO. On the first successful write the helper is marked
// running and its startup timer is cancelled.
func (h *Helper) Enqueue(req Pending) error {
	line := wire.EncodeHelperRequest(wire.HelperRequest{
		SourceIP: req.SourceIP(),
		Method:   req.AuthMethod(),
		Username: req.Username(),
		Password: req.Password(),
	})

	h.mu.Lock()

	if h.dying.Load() {
		h.mu.Unlock()
		return fmt.Errorf("helper[%d]: dying, cannot accept new requests", h.pid)
	}

	if _, err := io.WriteString(h.stdin, line); err != nil {
		h.mu.Unlock()
		return fmt.Errorf("helper[%d]: write stdin: %w", h.pid, err)
	}

	if h.running.CompareAndSwap(false, true) {
		h.pool.reactor.Cancel(h.startupTimer)
		h.pool.metrics.RecordHelperSpawn()
	}

	wasEmpty := len(h.fifo) == 0
	h.fifo = append(h.fifo, req)
	if wasEmpty {
		h.armIdleTimeoutLocked()
	}
	h.mu.Unlock()

	// totalQueueDepth takes every helper's mu, this one's included.
	h.pool.metrics.SetHelperQueueDepth(h.pool.totalQueueDepth())
	return nil
}

// armIdleTimeoutLocked arms the per-helper reply timeout. Callers must
// hold h.mu.
func (h *Helper) armIdleTimeoutLocked() {
	h.idleTimer = h.pool.reactor.After(h.pool.cfg.AuthTimeout, fmt.Sprintf("helper[%d]-idle-timeout", h.pid), h.onIdleTimeout)
}

func (h *Helper) readStdout(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		h.handleReplyLine(scanner.Text())
	}
}

func (h *Helper) handleReplyLine(line string) {
	h.mu.Lock()
	if len(h.fifo) == 0 {
		h.mu.Unlock()
		h.logger.Error("helper sent reply with empty queue, discarding",
			logging.KeyComponent, "helper", logging.KeyHelperPID, h.pid)
		return
	}

	next := h.fifo[0]
	h.fifo = h.fifo[1:]

	if h.idleTimer != nil {
		h.pool.reactor.Cancel(h.idleTimer)
		h.idleTimer = nil
	}
	if len(h.fifo) > 0 {
		h.armIdleTimeoutLocked()
	}
	h.mu.Unlock()
	h.pool.metrics.SetHelperQueueDepth(h.pool.totalQueueDepth())

	reply, err := wire.ParseHelperReply(line)
	if err != nil {
		h.logger.Error("malformed helper reply",
			logging.KeyComponent, "helper", logging.KeyHelperPID, h.pid, logging.KeyError, err)
		next.HelperErr(err.Error())
		return
	}

	if reply.OK {
		next.HelperOK(reply)
	} else {
		next.HelperErr(reply.Error)
	}
}

func (h *Helper) readStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		h.logger.Error("helper stderr", logging.KeyComponent, "helper", logging.KeyHelperPID, h.pid, "line", scanner.Text())
	}
}

// waitExit blocks until the helper subprocess exits, however it exits,
// and notifies the pool so it can remove the helper and trigger refill.
// This goroutine is the Go-idiomatic replacement for the original's
// SIGCHLD handler: there is no asynchronous per-child exit signal to
// capture, only cmd.Wait() returning on whichever goroutine called it.
func (h *Helper) waitExit() {
	err := h.cmd.Wait()
	close(h.exited)

	cause := "exited"
	if !h.dying.Load() {
		cause = "crashed"
	}
	h.dying.Store(true)

	h.mu.Lock()
	pending := h.fifo
	h.fifo = nil
	if h.idleTimer != nil {
		h.pool.reactor.Cancel(h.idleTimer)
		h.idleTimer = nil
	}
	h.mu.Unlock()

	for _, p := range pending {
		p.HelperErr("helper exited")
	}

	h.logger.Info("helper exited", logging.KeyComponent, "helper", logging.KeyHelperPID, h.pid, "err", err)
	h.pool.onHelperExited(h, cause)
}

func (h *Helper) onStartupTimeout() {
	h.logger.Error("helper did not complete startup in time", logging.KeyComponent, "helper", logging.KeyHelperPID, h.pid)
	h.pool.killHelper(h, "timeout")
}

func (h *Helper) onIdleTimeout() {
	h.logger.Error("helper reply timed out", logging.KeyComponent, "helper", logging.KeyHelperPID, h.pid)
	h.pool.metrics.RecordHelperTimeout()
	h.pool.killHelper(h, "timeout")
}

// stop performs the graceful-then-forced shutdown: SIGTERM, wait briefly
// for cmd.Wait() (running on waitExit's goroutine) to observe the exit,
// then SIGKILL if it hasn't.
func (h *Helper) stop() {
	if !h.dying.CompareAndSwap(false, true) {
		return
	}

	h.mu.Lock()
	pending := h.fifo
	h.fifo = nil
	if h.idleTimer != nil {
		h.pool.reactor.Cancel(h.idleTimer)
		h.idleTimer = nil
	}
	h.mu.Unlock()

	for _, p := range pending {
		p.HelperErr("helper shutting down")
	}

	if h.cmd.Process == nil {
		return
	}

	h.cmd.Process.Signal(syscall.SIGTERM)

	for i := 0; i < 2; i++ {
		select {
		case <-h.exited:
			return
		case <-time.After(100 * time.Millisecond):
		}
	}

	h.cmd.Process.Kill()
}
