package daemon

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sockslink/sockslink/internal/config"
	"github.com/sockslink/sockslink/internal/logging"
	"github.com/sockslink/sockslink/internal/metrics"
)

func testMetrics() *metrics.Metrics {
	return metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
}

func listenEcho(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln
}

func writeFakeHelper(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-helper.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write fake helper: %v", err)
	}
	return path
}

func TestDaemon_PipeModeLifecycle(t *testing.T) {
	upstream := listenEcho(t)

	cfg := config.Config{
		Listen:  []string{"127.0.0.1"},
		Port:    0,
		Pipe:    true,
		NextHop: upstream.Addr().String(),
	}.Normalize()

	d := New(cfg, logging.NopLogger(), testMetrics())
	if err := d.Bind(); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := d.Serve(); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	addrs := d.Addrs()
	if len(addrs) != 1 {
		t.Fatalf("Addrs() = %v, want 1 entry", addrs)
	}

	conn, err := net.Dial("tcp", addrs[0].String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "hello" {
		t.Errorf("echo = %q, want %q", buf, "hello")
	}
	conn.Close()

	stopped := make(chan struct{})
	go func() { d.Stop(); close(stopped) }()
	select {
	case <-stopped:
	case <-time.After(shutdownGrace + 2*time.Second):
		t.Fatal("Stop did not return within the shutdown grace period")
	}

	if got := d.registry.Len(); got != 0 {
		t.Errorf("registry.Len() after Stop = %d, want 0", got)
	}
}

func TestDaemon_SnapshotWithoutHelper(t *testing.T) {
	cfg := config.Config{
		Listen:  []string{"127.0.0.1"},
		Port:    0,
		NextHop: "127.0.0.1:1",
	}.Normalize()

	d := New(cfg, logging.NopLogger(), testMetrics())
	snap, ok := d.Snapshot().(map[string]any)
	if !ok {
		t.Fatalf("Snapshot() = %T, want map[string]any", d.Snapshot())
	}
	if _, present := snap["helpers"]; present {
		t.Error("helpers key present in Snapshot() with no helper pool configured")
	}
	if _, present := snap["sessions"]; !present {
		t.Error("sessions key missing from Snapshot()")
	}
}

func TestDaemon_SnapshotWithHelper(t *testing.T) {
	helperPath := writeFakeHelper(t, `while read -r line; do echo "OK 10.0.0.1 1080 none"; done`)

	cfg := config.Config{
		Listen:     []string{"127.0.0.1"},
		Port:       0,
		Helper:     helperPath,
		HelpersMax: 1,
		Methods:    []string{"none", "username"},
	}.Normalize()

	d := New(cfg, logging.NopLogger(), testMetrics())
	if err := d.Bind(); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := d.Serve(); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace+2*time.Second)
		defer cancel()
		done := make(chan struct{})
		go func() { d.Stop(); close(done) }()
		select {
		case <-done:
		case <-ctx.Done():
			t.Fatal("Stop did not return in time")
		}
	}()

	snap, ok := d.Snapshot().(map[string]any)
	if !ok {
		t.Fatalf("Snapshot() = %T, want map[string]any", d.Snapshot())
	}
	if _, present := snap["helpers"]; !present {
		t.Error("helpers key missing from Snapshot() with a helper pool configured")
	}
}
