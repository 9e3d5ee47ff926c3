// Package main provides the CLI entry point for the SocksLink relay
// daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/sockslink/sockslink/internal/config"
	"github.com/sockslink/sockslink/internal/daemon"
	"github.com/sockslink/sockslink/internal/daemonize"
	"github.com/sockslink/sockslink/internal/logging"
	"github.com/sockslink/sockslink/internal/metrics"
	"github.com/sockslink/sockslink/internal/metricsserver"
	"github.com/sockslink/sockslink/internal/pidfile"
	"github.com/sockslink/sockslink/internal/privdrop"
)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	bannerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func main() {
	cfg := config.Default()
	var verbose, quiet bool

	cmd := &cobra.Command{
		Use:     "sockslink",
		Short:   "SocksLink - a SOCKS5 relay daemon",
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg, verbose, quiet)
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
	flags.BoolVar(&verbose, "verbose", false, "bump log level up to debug")
	flags.BoolVar(&quiet, "quiet", false, "bump log level down to error")
	flags.StringVarP(&cfg.ConfFile, "conf", "c", "", "read a \"key = value\" config file")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "expose Prometheus metrics on this address (disabled by default)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg config.Config, verbose, quiet bool) error {
	if cfg.ConfFile != "" {
		f, err := os.Open(cfg.ConfFile)
		if err != nil {
			return fmt.Errorf("open conf file: %w", err)
		}
		cfg, err = config.ParseLegacy(cfg, f)
		f.Close()
		if err != nil {
			return err
		}
	}

	switch {
	case verbose:
		cfg.LogLevel = "debug"
	case quiet:
		cfg.LogLevel = "error"
	}

	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}

	if !cfg.Foreground && !daemonize.IsChild() {
		if err := daemonize.Daemonize(); err != nil {
			return fmt.Errorf("daemonize: %w", err)
		}
		os.Exit(0)
	}

	logger := logging.NewLogger(cfg.LogLevel, "text")
	m := metrics.Default()
	d := daemon.New(cfg, logger, m)

	if err := d.Bind(); err != nil {
		return fmt.Errorf("bind daemon: %w", err)
	}

	if err := pidfile.Write(cfg.PidFile); err != nil {
		d.Stop()
		return fmt.Errorf("write pid-file: %w", err)
	}
	defer pidfile.Remove(cfg.PidFile)

	if cfg.MaxFDs > 0 {
		if err := privdrop.RaiseNofileLimit(uint64(cfg.MaxFDs)); err != nil {
			d.Stop()
			return fmt.Errorf("raise file descriptor limit: %w", err)
		}
		logger.Info("raised file descriptor limit", logging.KeyComponent, "main",
			logging.KeyCount, humanize.Comma(int64(cfg.MaxFDs)))
	}
	if cfg.User != "" || cfg.Group != "" {
		if err := privdrop.Drop(cfg.User, cfg.Group); err != nil {
			d.Stop()
			return fmt.Errorf("drop privileges: %w", err)
		}
	}

	if err := d.Serve(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	var metricsSrv *metricsserver.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = metricsserver.New(cfg.MetricsAddr)
		if err := metricsSrv.Start(); err != nil {
			d.Stop()
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsSrv.Stop(ctx)
		}()
	}

	if cfg.Foreground {
		printBanner(cfg, m)
	}

	if err := daemonize.Notify(); err != nil {
		logger.Warn("failed to notify parent of readiness", logging.KeyError, err)
	}

	d.Wait()
	return nil
}

func printBanner(cfg config.Config, m *metrics.Metrics) {
	fmt.Println(bannerStyle.Render("sockslink"))
	for _, addr := range cfg.ListenAddresses() {
		fmt.Printf("%s %s\n", labelStyle.Render("listening:"), addr)
	}
	switch {
	case cfg.Pipe:
		fmt.Printf("%s pipe -> %s\n", labelStyle.Render("mode:"), cfg.NextHop)
	case cfg.Helper != "":
		fmt.Printf("%s helper pool (%s, max %d)\n", labelStyle.Render("mode:"), cfg.Helper, cfg.HelpersMax)
	default:
		fmt.Printf("%s static next-hop %s\n", labelStyle.Render("mode:"), cfg.NextHop)
	}
	toUpstream, toClient := m.BytesRelayed()
	fmt.Printf("%s %s to upstream, %s to clients\n", labelStyle.Render("relayed:"),
		humanize.Bytes(toUpstream), humanize.Bytes(toClient))
}
