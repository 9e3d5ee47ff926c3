package helper

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sockslink/sockslink/internal/logging"
	"github.com/sockslink/sockslink/internal/metrics"
	"github.com/sockslink/sockslink/internal/reactor"
	"github.com/sockslink/sockslink/internal/wire"
)

type fakePending struct {
	sourceIP string
	method   wire.AuthMethodName
	username string
	password string

	ok  chan *wire.HelperReply
	err chan string
}

func newFakePending(sourceIP string) *fakePending {
	return &fakePending{
		sourceIP: sourceIP,
		method:   wire.HelperMethodNone,
		ok:       make(chan *wire.HelperReply, 1),
		err:      make(chan string, 1),
	}
}

func (f *fakePending) SourceIP() string                { return f.sourceIP }
func (f *fakePending) AuthMethod() wire.AuthMethodName  { return f.method }
func (f *fakePending) Username() string                { return f.username }
func (f *fakePending) Password() string                { return f.password }
func (f *fakePending) HelperOK(reply *wire.HelperReply) { f.ok <- reply }
func (f *fakePending) HelperErr(reason string)          { f.err <- reason }

// writeFakeHelper writes an executable shell script standing in for a
// real helper binary, so tests never depend on original_source/ being
// built.
func writeFakeHelper(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-helper.sh")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake helper: %v", err)
	}
	return path
}

func newTestPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	r := reactor.New(logging.NopLogger())
	p := NewPool(cfg, logging.NopLogger(), m, r)
	t.Cleanup(func() {
		p.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		r.Stop(ctx)
	})
	return p
}

func TestPool_DispatchReceivesOKReply(t *testing.T) {
	cfg := Config{
		Command:        writeFakeHelper(t, `while read -r line; do echo "OK 10.0.0.1 1080 none"; done`),
		HelpersMax:     1,
		StartupTimeout: time.Second,
		AuthTimeout:    time.Second,
		RefillInterval: time.Hour,
	}
	p := newTestPool(t, cfg)

	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	req := newFakePending("192.168.1.5")
	if err := p.Dispatch(req); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	select {
	case reply := <-req.ok:
		if reply.NextHopAddr != "10.0.0.1" || reply.NextHopPort != 1080 {
			t.Errorf("unexpected reply: %+v", reply)
		}
	case reason := <-req.err:
		t.Fatalf("unexpected HelperErr: %s", reason)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for helper reply")
	}
}

func TestPool_DispatchReceivesErrReply(t *testing.T) {
	cfg := Config{
		Command:        writeFakeHelper(t, `while read -r line; do echo "ERR denied"; done`),
		HelpersMax:     1,
		StartupTimeout: time.Second,
		AuthTimeout:    time.Second,
		RefillInterval: time.Hour,
	}
	p := newTestPool(t, cfg)

	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	req := newFakePending("192.168.1.5")
	if err := p.Dispatch(req); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	select {
	case reply := <-req.ok:
		t.Fatalf("unexpected HelperOK: %+v", reply)
	case reason := <-req.err:
		if reason != "denied" {
			t.Errorf("reason = %q, want %q", reason, "denied")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for helper reply")
	}
}

func TestPool_DispatchNoHelperAvailable(t *testing.T) {
	cfg := Config{HelpersMax: 1, StartupTimeout: time.Second, AuthTimeout: time.Second, RefillInterval: time.Hour}
	p := newTestPool(t, cfg)
	// Pool was never Start()ed, so it has no helpers yet.

	req := newFakePending("192.168.1.5")
	if err := p.Dispatch(req); err == nil {
		t.Fatal("expected Dispatch to fail with no helpers running")
	}
}

func TestHelper_DeathDrainsFIFOWithError(t *testing.T) {
	cfg := Config{
		Command:        writeFakeHelper(t, `read -r line; exit 1`),
		HelpersMax:     1,
		StartupTimeout: time.Second,
		AuthTimeout:    time.Second,
		RefillInterval: time.Hour,
	}
	p := newTestPool(t, cfg)

	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	req := newFakePending("192.168.1.5")
	if err := p.Dispatch(req); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	select {
	case reason := <-req.err:
		if reason == "" {
			t.Error("expected a non-empty failure reason")
		}
	case reply := <-req.ok:
		t.Fatalf("unexpected HelperOK after helper death: %+v", reply)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for helper death to drain FIFO")
	}
}

func TestPool_RunningCountReflectsSpawnedHelpers(t *testing.T) {
	cfg := Config{
		Command:        writeFakeHelper(t, `while read -r line; do echo "OK 10.0.0.1 1080 none"; done`),
		HelpersMax:     2,
		StartupTimeout: time.Second,
		AuthTimeout:    time.Second,
		RefillInterval: time.Hour,
	}
	p := newTestPool(t, cfg)

	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 2; i++ {
		req := newFakePending("192.168.1.5")
		if err := p.Dispatch(req); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
		<-req.ok
	}

	if n := p.RunningCount(); n != 2 {
		t.Errorf("RunningCount() = %d, want 2", n)
	}
}

func TestPool_ReplaceAllSwapsInFreshHelpers(t *testing.T) {
	cfg := Config{
		Command:        writeFakeHelper(t, `while read -r line; do echo "OK 10.0.0.1 1080 none"; done`),
		HelpersMax:     2,
		StartupTimeout: time.Second,
		AuthTimeout:    time.Second,
		RefillInterval: time.Hour,
	}
	p := newTestPool(t, cfg)

	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	p.mu.Lock()
	oldPIDs := make(map[int]bool, len(p.helpers))
	for _, h := range p.helpers {
		oldPIDs[h.PID()] = true
	}
	p.mu.Unlock()

	p.ReplaceAll()

	if n := p.RunningCount(); n != cfg.HelpersMax {
		t.Fatalf("RunningCount() after ReplaceAll = %d, want %d", n, cfg.HelpersMax)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range p.helpers {
		if oldPIDs[h.PID()] {
			t.Errorf("helper pid %d survived ReplaceAll", h.PID())
		}
	}
}

func TestHelper_StopSendsTermThenKill(t *testing.T) {
	cfg := Config{
		Command:        writeFakeHelper(t, `trap '' TERM; while true; do sleep 5; done`),
		HelpersMax:     1,
		StartupTimeout: time.Second,
		AuthTimeout:    time.Second,
		RefillInterval: time.Hour,
	}
	p := newTestPool(t, cfg)

	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not escalate to SIGKILL within the grace period")
	}
}
