package main

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/sockslink/sockslink/internal/config"
	"github.com/sockslink/sockslink/internal/metrics"
)

// metricsForTest builds a Metrics instance against an isolated registry so
// repeated test runs don't collide with prometheus.DefaultRegisterer.
func metricsForTest(t *testing.T) *metrics.Metrics {
	t.Helper()
	return metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
}

// buildCommand mirrors main's flag registration without calling
// cmd.Execute, so tests can assert on how flags land in a Config.
func buildCommand(cfg *config.Config, verbose, quiet *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sockslink",
		Short:   "SocksLink - a SOCKS5 relay daemon",
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVarP(&cfg.Listen, "listen", "l", nil, "listen address (repeatable, default 0.0.0.0 and ::)")
	flags.IntVarP(&cfg.Port, "port", "p", cfg.Port, "TCP port")
	flags.StringVarP(&cfg.Interface, "interface", "i", "", "bind listen sockets to this network interface")
	flags.StringVarP(&cfg.NextHop, "next-hop", "n", "", "static upstream address (host:port)")
	flags.StringVarP(&cfg.Helper, "helper", "H", "", "path to an authentication helper executable")
	flags.IntVarP(&cfg.HelpersMax, "helpers-max", "j", 0, "helper pool size (default 1 when --helper is set)")
	flags.StringSliceVarP(&cfg.Methods, "method", "m", nil, "auth method to offer, in preference order (none, username)")
	flags.BoolVarP(&cfg.Pipe, "pipe", "P", false, "skip client auth and upstream negotiation; pure TCP relay to --next-hop")
	flags.IntVarP(&cfg.MaxFDs, "max-fds", "d", 0, "raise RLIMIT_NOFILE to this value (root only)")
	flags.BoolVarP(&cfg.Foreground, "foreground", "D", false, "do not detach from the terminal")
	flags.StringVar(&cfg.PidFile, "pidfile", cfg.PidFile, "pid-file path")
	flags.StringVarP(&cfg.User, "user", "u", "", "drop privileges to this user after binding (root only)")
	flags.StringVarP(&cfg.Group, "group", "g", "", "drop privileges to this group after binding (root only)")
	flags.BoolVar(verbose, "verbose", false, "bump log level up to debug")
	flags.BoolVar(quiet, "quiet", false, "bump log level down to error")
	flags.StringVarP(&cfg.ConfFile, "conf", "c", "", "read a \"key = value\" config file")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "expose Prometheus metrics on this address (disabled by default)")
	return cmd
}

func TestFlags_PopulateConfig(t *testing.T) {
	cfg := config.Default()
	var verbose, quiet bool
	cmd := buildCommand(&cfg, &verbose, &quiet)

	cmd.SetArgs([]string{
		"--listen", "127.0.0.1",
		"--port", "1081",
		"--next-hop", "10.0.0.1:1080",
		"--pipe",
		"--foreground",
		"--verbose",
	})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if got := cfg.Listen; len(got) != 1 || got[0] != "127.0.0.1" {
		t.Errorf("Listen = %v, want [127.0.0.1]", got)
	}
	if cfg.Port != 1081 {
		t.Errorf("Port = %d, want 1081", cfg.Port)
	}
	if cfg.NextHop != "10.0.0.1:1080" {
		t.Errorf("NextHop = %q, want 10.0.0.1:1080", cfg.NextHop)
	}
	if !cfg.Pipe {
		t.Error("Pipe = false, want true")
	}
	if !cfg.Foreground {
		t.Error("Foreground = false, want true")
	}
	if !verbose {
		t.Error("verbose = false, want true")
	}
}

func TestFlags_DefaultsUnset(t *testing.T) {
	cfg := config.Default()
	var verbose, quiet bool
	cmd := buildCommand(&cfg, &verbose, &quiet)

	cmd.SetArgs([]string{"--next-hop", "10.0.0.1:1080"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if cfg.Port != 1080 {
		t.Errorf("Port = %d, want default 1080", cfg.Port)
	}
	if cfg.PidFile != "/var/run/sockslinkd.pid" {
		t.Errorf("PidFile = %q, want default", cfg.PidFile)
	}
	if cfg.Foreground {
		t.Error("Foreground = true, want false by default")
	}
}

func TestPrintBanner_DoesNotPanic(t *testing.T) {
	cfg := config.Config{
		Listen:  []string{"127.0.0.1:1080"},
		NextHop: "10.0.0.1:1080",
	}
	m := metricsForTest(t)
	printBanner(cfg, m)
}
