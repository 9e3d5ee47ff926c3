// Package session implements the per-connection SOCKS5 state machine:
// client handshake, an optional helper round-trip, the upstream SOCKS5
// handshake, and bidirectional byte relaying.
//
// The original keeps this as a web of reactor callbacks that rewrite each
// other's targets as the connection progresses. Here it's a single
// goroutine per Session running a straight-line dispatch on an explicit
// State value — §4.C's table made literal — so pipelined bytes (client
// data arriving in the same write as the handshake) fall out of
// bufio.Reader's normal buffering instead of needing special-cased
// reactor rearms.
package session

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/sockslink/sockslink/internal/helper"
	"github.com/sockslink/sockslink/internal/logging"
	"github.com/sockslink/sockslink/internal/metrics"
	"github.com/sockslink/sockslink/internal/reactor"
	"github.com/sockslink/sockslink/internal/wire"
)

// State is one node of the C-INIT..DROP state table.
type State string

const (
	StateCInit      State = "C-INIT"
	StateCAuth      State = "C-AUTH"
	StatePreUp      State = "PRE-UP"
	StateHelperWait State = "HELPER-WAIT"
	StateSConnect   State = "S-CONNECT"
	StateSNeg       State = "S-NEG"
	StateSAuth      State = "S-AUTH"
	StateSplice     State = "SPLICE"
	StateDrainClose State = "DRAIN-CLOSE"
	StateDrop       State = "DROP"
)

// relayBufferSize is the fixed SPLICE read buffer, per §4.C (8-16 KiB).
const relayBufferSize = 16 * 1024

// Config holds the session-level policy a Session needs: the server's
// auth-method preference, pipe-mode toggle, static next-hop, and timeouts.
type Config struct {
	// Pipe, when true, skips client auth and upstream negotiation
	// entirely and splices bytes straight to NextHop.
	Pipe bool
	// NextHop is the static upstream address ("host:port"), used when
	// Pipe is set or no helper pool is configured.
	NextHop string
	// Methods is the server's ordered auth-method preference, a subset
	// of {wire.MethodNone, wire.MethodUsernamePass}. The first entry
	// that the client also offered wins.
	Methods []byte

	// AuthTimeout governs C-INIT, C-AUTH, S-CONNECT, S-NEG, S-AUTH.
	AuthTimeout time.Duration
	// IOTimeout governs per-direction idle time during SPLICE.
	IOTimeout time.Duration
	// HelperTimeout governs how long a session waits in HELPER-WAIT.
	HelperTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 30 * time.Second
	}
	if c.IOTimeout <= 0 {
		c.IOTimeout = 10 * time.Minute
	}
	if c.HelperTimeout <= 0 {
		c.HelperTimeout = 30 * time.Second
	}
	return c
}

type helperOutcome struct {
	reply  *wire.HelperReply
	reason string
}

// Session is one accepted client connection, owned exclusively by its own
// goroutine from Run until it reaches DROP.
type Session struct {
	id     uint64
	conn   net.Conn
	reader *bufio.Reader
	cfg    Config
	pool   *helper.Pool

	reactor *reactor.Reactor
	metrics *metrics.Metrics
	logger  *slog.Logger

	registry *Registry

	state atomic.Value // State

	clientMethod byte // wire.MethodNone or wire.MethodUsernamePass
	serverMethod byte
	username     string
	password     string

	serverConn net.Conn

	helperCh chan helperOutcome
}

var sessionIDs atomic.Uint64

// New creates a Session for an already-accepted connection. Call Run to
// drive it to completion; Run always closes conn before returning.
func New(conn net.Conn, cfg Config, pool *helper.Pool, r *reactor.Reactor, m *metrics.Metrics, logger *slog.Logger, reg *Registry) *Session {
	s := &Session{
		id:       sessionIDs.Add(1),
		conn:     conn,
		reader:   bufio.NewReader(conn),
		cfg:      cfg.withDefaults(),
		pool:     pool,
		reactor:  r,
		metrics:  m,
		logger:   logger,
		registry: reg,
		helperCh: make(chan helperOutcome, 1),
	}
	s.setState(StateCInit)
	return s
}

// ID returns the session's process-unique identifier.
func (s *Session) ID() uint64 { return s.id }

// State returns the session's current state, safe to call from any
// goroutine (used by the SIGUSR1 snapshot).
func (s *Session) State() State {
	v, _ := s.state.Load().(State)
	return v
}

func (s *Session) setState(st State) {
	s.state.Store(st)
}

// SourceIP implements helper.Pending.
func (s *Session) SourceIP() string {
	host, _, err := net.SplitHostPort(s.conn.RemoteAddr().String())
	if err != nil {
		return s.conn.RemoteAddr().String()
	}
	return host
}

// AuthMethod implements helper.Pending.
func (s *Session) AuthMethod() wire.AuthMethodName {
	if s.clientMethod == wire.MethodUsernamePass {
		return wire.HelperMethodUsername
	}
	return wire.HelperMethodNone
}

// Username implements helper.Pending.
func (s *Session) Username() string { return s.username }

// Password implements helper.Pending.
func (s *Session) Password() string { return s.password }

// HelperOK implements helper.Pending.
func (s *Session) HelperOK(reply *wire.HelperReply) {
	s.helperCh <- helperOutcome{reply: reply}
}

// HelperErr implements helper.Pending.
func (s *Session) HelperErr(reason string) {
	s.helperCh <- helperOutcome{reason: reason}
}

// Run drives the session through the state machine to completion. It
// always closes the client and (if opened) server connections before
// returning.
func (s *Session) Run() {
	start := time.Now()
	s.registry.add(s)
	s.metrics.RecordSessionAccept()

	defer func() {
		s.registry.remove(s)
		if s.serverConn != nil {
			s.serverConn.Close()
		}
		s.conn.Close()
		s.metrics.RecordSessionClose(time.Since(start).Seconds())
	}()

	if err := s.runStates(); err != nil {
		s.logger.Debug("session ended",
			logging.KeySessionID, s.id, logging.KeyState, string(s.State()), logging.KeyError, err)
	}
}

func (s *Session) runStates() error {
	if s.cfg.Pipe {
		return s.runPipeMode()
	}

	if err := s.doClientHandshake(); err != nil {
		return err
	}

	if err := s.doPreUp(); err != nil {
		return err
	}

	if err := s.doUpstreamHandshake(); err != nil {
		return err
	}

	s.setState(StateSplice)
	return s.splice()
}

// runPipeMode implements the Pipe config: no client auth, no upstream
// negotiation, a direct splice to the static next hop.
func (s *Session) runPipeMode() error {
	s.setState(StateSConnect)
	conn, err := s.dialUpstream(s.cfg.NextHop)
	if err != nil {
		s.metrics.RecordSessionDropped("upstream-connect")
		return fmt.Errorf("pipe mode dial %s: %w", s.cfg.NextHop, err)
	}
	s.serverConn = conn
	s.setState(StateSplice)
	return s.splice()
}

// doClientHandshake runs C-INIT and, if selected, C-AUTH.
func (s *Session) doClientHandshake() error {
	s.setState(StateCInit)
	s.conn.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))

	greeting, err := wire.ReadMethodGreeting(s.reader)
	if err != nil {
		s.metrics.RecordSessionDropped("bad-greeting")
		if errors.Is(err, wire.ErrUnsupportedVersion) {
			wire.WriteMethodSelect(s.conn, wire.MethodNoAcceptable)
			return s.drainClose(fmt.Errorf("read method greeting: %w", err))
		}
		return fmt.Errorf("read method greeting: %w", err)
	}

	method := s.chooseMethod(greeting.Methods)
	if method == wire.MethodNoAcceptable {
		wire.WriteMethodSelect(s.conn, wire.MethodNoAcceptable)
		return s.drainClose(errors.New("no acceptable auth method"))
	}
	if err := wire.WriteMethodSelect(s.conn, method); err != nil {
		return fmt.Errorf("write method select: %w", err)
	}
	s.clientMethod = method
	s.metrics.RecordAuthSuccess(methodName(method))

	if method == wire.MethodUsernamePass {
		s.setState(StateCAuth)
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))
		req, err := wire.ReadUserPassRequest(s.reader)
		if err != nil {
			wire.WriteMethodSelect(s.conn, wire.MethodNoAcceptable)
			return s.drainClose(fmt.Errorf("read userpass request: %w", err))
		}
		s.username = req.Username
		s.password = req.Password
	}

	return nil
}

// chooseMethod intersects the client's offered methods with the server's
// ordered preference list, first match wins.
func (s *Session) chooseMethod(offered []byte) byte {
	offeredSet := make(map[byte]struct{}, len(offered))
	for _, m := range offered {
		offeredSet[m] = struct{}{}
	}
	for _, m := range s.cfg.Methods {
		if _, ok := offeredSet[m]; ok {
			return m
		}
	}
	return wire.MethodNoAcceptable
}

// doPreUp implements PRE-UP and HELPER-WAIT: either dial the static next
// hop directly, or consult the helper pool.
func (s *Session) doPreUp() error {
	s.setState(StatePreUp)

	if s.pool == nil {
		s.serverMethod = s.clientMethod
		addr := s.cfg.NextHop
		conn, err := s.dialUpstream(addr)
		if err != nil {
			s.metrics.RecordSessionDropped("upstream-connect")
			return fmt.Errorf("dial next hop %s: %w", addr, err)
		}
		s.serverConn = conn
		return nil
	}

	s.setState(StateHelperWait)
	if err := s.pool.Dispatch(s); err != nil {
		s.metrics.RecordSessionDropped("no-helper-available")
		return s.drainClose(fmt.Errorf("helper dispatch: %w", err))
	}

	select {
	case outcome := <-s.helperCh:
		if outcome.reason != "" {
			if s.clientMethod == wire.MethodUsernamePass {
				// 0x01, 0xFF: the username-auth failure byte pair, distinct
				// from the generic AuthStatusFailure code used elsewhere.
				wire.WriteUserPassReply(s.conn, 0xFF)
			}
			s.metrics.RecordAuthFailure("helper")
			return s.drainClose(fmt.Errorf("helper denied: %s", outcome.reason))
		}
		return s.applyHelperReply(outcome.reply)
	case <-time.After(s.cfg.HelperTimeout):
		s.metrics.RecordSessionDropped("helper-timeout")
		return s.drainClose(errors.New("helper timeout"))
	}
}

// applyHelperReply updates the session's upstream target, method, and
// credentials per the helper's OK line, then dials the upstream.
func (s *Session) applyHelperReply(reply *wire.HelperReply) error {
	addr := s.cfg.NextHop
	if reply.NextHopAddr != "default" {
		addr = net.JoinHostPort(reply.NextHopAddr, fmt.Sprintf("%d", reply.NextHopPort))
	}

	switch reply.Method {
	case wire.HelperMethodUsername:
		s.serverMethod = wire.MethodUsernamePass
		s.username = reply.Username
		s.password = reply.Password
	default:
		s.serverMethod = wire.MethodNone
	}

	s.setState(StateSConnect)
	conn, err := s.dialUpstream(addr)
	if err != nil {
		s.metrics.RecordSessionDropped("upstream-connect")
		return fmt.Errorf("dial helper-provided next hop %s: %w", addr, err)
	}
	s.serverConn = conn
	return nil
}

func (s *Session) dialUpstream(addr string) (net.Conn, error) {
	start := time.Now()
	conn, err := net.DialTimeout("tcp", addr, s.cfg.AuthTimeout)
	if err != nil {
		s.metrics.RecordUpstreamConnectError(wire.ReplyName(wire.ReplyForDialError(err)))
		return nil, err
	}
	s.metrics.RecordUpstreamConnect(time.Since(start).Seconds())
	return conn, nil
}

// doUpstreamHandshake runs S-CONNECT's negotiation branch, S-NEG, and
// S-AUTH.
func (s *Session) doUpstreamHandshake() error {
	s.setState(StateSConnect)
	// Client-role greeting to the next hop: VER, NMETHODS=1, METHOD.
	if _, err := s.serverConn.Write([]byte{wire.Version, 0x01, s.serverMethod}); err != nil {
		return fmt.Errorf("write server method greeting: %w", err)
	}

	s.setState(StateSNeg)
	s.serverConn.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))
	echoed, err := wire.ReadMethodSelectReply(s.serverConn)
	if err != nil {
		return fmt.Errorf("read server method select reply: %w", err)
	}
	if echoed != s.serverMethod {
		return fmt.Errorf("server method mismatch: got %#x want %#x", echoed, s.serverMethod)
	}

	if s.serverMethod == wire.MethodUsernamePass {
		s.setState(StateSAuth)
		if err := wire.WriteUserPassRequest(s.serverConn, s.username, s.password); err != nil {
			return fmt.Errorf("write server userpass request: %w", err)
		}
		s.serverConn.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))
		status, err := wire.ReadUserPassReplyStatus(s.serverConn)
		if err != nil {
			return fmt.Errorf("read server userpass reply: %w", err)
		}
		if status != wire.AuthStatusSuccess {
			return fmt.Errorf("server rejected userpass auth: status=%#x", status)
		}
	}

	// The client is owed a userpass success reply before SPLICE begins,
	// whether that success was proven by S-AUTH above or, if the server
	// side required no auth at all, by the helper already having
	// accepted the credentials.
	if s.clientMethod == wire.MethodUsernamePass {
		if err := wire.WriteUserPassReply(s.conn, wire.AuthStatusSuccess); err != nil {
			return fmt.Errorf("write client userpass reply: %w", err)
		}
	}

	return nil
}

// splice relays bytes bidirectionally until one side closes or an idle
// timeout fires, per SPLICE. client reads go through s.reader so any
// bytes already buffered there (pipelined post-handshake data, scenario
// 8) are relayed before anything new is read off the wire.
func (s *Session) splice() error {
	errCh := make(chan error, 2)

	s.reactor.Go(fmt.Sprintf("session[%d]-splice-up", s.id), func() {
		errCh <- s.copyDirection(s.serverConn, s.reader, s.conn, s.cfg.IOTimeout, s.metrics.RecordBytesToUpstream)
	})
	s.reactor.Go(fmt.Sprintf("session[%d]-splice-down", s.id), func() {
		errCh <- s.copyDirection(s.conn, s.serverConn, s.serverConn, s.cfg.IOTimeout, s.metrics.RecordBytesToClient)
	})

	err1 := <-errCh
	err2 := <-errCh

	if err1 != nil {
		return err1
	}
	return err2
}

type halfCloser interface {
	CloseWrite() error
}

// copyDirection copies from src to dst in relayBufferSize chunks,
// resetting deadlineConn's read deadline before each read, and
// half-closing dst on a clean EOF so the other direction can keep
// draining. A timed-out read is returned as an error, which ends the
// session (DROP); a clean EOF returns nil (DRAIN-CLOSE folds into the
// same outcome once both directions have finished).
func (s *Session) copyDirection(dst net.Conn, src io.Reader, deadlineConn net.Conn, idle time.Duration, record func(int)) error {
	buf := make([]byte, relayBufferSize)
	defer func() {
		if hc, ok := dst.(halfCloser); ok {
			hc.CloseWrite()
		}
	}()

	for {
		deadlineConn.SetReadDeadline(time.Now().Add(idle))
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			record(n)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func methodName(method byte) string {
	switch method {
	case wire.MethodNone:
		return "none"
	case wire.MethodUsernamePass:
		return "username"
	default:
		return "unknown"
	}
}

// drainClose implements DRAIN-CLOSE: the client's write buffer (already
// flushed synchronously by net.Conn.Write above) is considered drained,
// so this simply folds into DROP. Returns the original cause so callers
// can propagate it as the session's terminal error.
func (s *Session) drainClose(cause error) error {
	s.setState(StateDrainClose)
	s.setState(StateDrop)
	return cause
}
