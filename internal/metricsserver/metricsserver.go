// Package metricsserver exposes Prometheus's default registry over a
// plain HTTP listener, for the optional --metrics-addr flag. SocksLink's
// metrics are always registered against prometheus.DefaultRegisterer
// (see internal/metrics.Default/NewMetrics), so the default gatherer is
// the right source here too.
package metricsserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves /metrics on its own listener, independent of the relay's
// SOCKS5 listeners.
type Server struct {
	addr     string
	server   *http.Server
	listener net.Listener
}

// New builds a Server listening on addr. Call Start to begin serving.
func New(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &Server{
		addr: addr,
		server: &http.Server{
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Start binds addr and begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	go s.server.Serve(ln)
	return nil
}

// Stop gracefully shuts the server down, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Addr returns the server's bound address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
