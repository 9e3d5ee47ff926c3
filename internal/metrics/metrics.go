// Package metrics provides Prometheus metrics for SocksLink.
package metrics

import (
	"sync"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "sockslink"
)

// Metrics contains all Prometheus metrics for the relay daemon.
type Metrics struct {
	// Session metrics
	SessionsActive      prometheus.Gauge
	SessionsTotal        prometheus.Counter
	SessionsByState      *prometheus.GaugeVec
	SessionDropped       *prometheus.CounterVec
	SessionDuration      prometheus.Histogram

	// Handshake / auth metrics
	AuthSuccesses prometheus.Counter
	AuthFailures  *prometheus.CounterVec
	MethodChosen  *prometheus.CounterVec

	// Upstream connect metrics
	UpstreamConnectLatency prometheus.Histogram
	UpstreamConnectErrors  *prometheus.CounterVec

	// Helper pool metrics
	HelpersRunning   prometheus.Gauge
	HelpersDying     prometheus.Gauge
	HelperSpawns     prometheus.Counter
	HelperDeaths     *prometheus.CounterVec
	HelperQueueDepth prometheus.Gauge
	HelperRTT        prometheus.Histogram
	HelperTimeouts   prometheus.Counter

	// Relay (splice) metrics
	BytesToUpstream   prometheus.Counter
	BytesToClient     prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance, registered against the
// global Prometheus registerer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered against
// prometheus.DefaultRegisterer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom
// registry, so tests can run against an isolated prometheus.Registry
// instead of the global one.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently in flight",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions accepted",
		}),
		SessionsByState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_by_state",
			Help:      "Number of sessions currently in each state",
		}, []string{"state"}),
		SessionDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_dropped_total",
			Help:      "Total sessions dropped before reaching SPLICE, by reason",
		}, []string{"reason"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Histogram of total session lifetime from accept to close",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 30, 60, 300, 1800},
		}),

		AuthSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_successes_total",
			Help:      "Total successful client sub-negotiation authentications",
		}),
		AuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total client authentication failures by source",
		}, []string{"source"}),
		MethodChosen: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "method_chosen_total",
			Help:      "Total method-select negotiations by chosen method",
		}, []string{"method"}),

		UpstreamConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_connect_latency_seconds",
			Help:      "Histogram of time spent dialing the next hop",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		}),
		UpstreamConnectErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_connect_errors_total",
			Help:      "Total upstream connect failures by reason",
		}, []string{"reason"}),

		HelpersRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "helpers_running",
			Help:      "Number of helper subprocesses currently accepting requests",
		}),
		HelpersDying: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "helpers_dying",
			Help:      "Number of helper subprocesses draining before exit",
		}),
		HelperSpawns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "helper_spawns_total",
			Help:      "Total helper subprocesses that accepted their first request, including refills",
		}),
		HelperDeaths: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "helper_deaths_total",
			Help:      "Total helper subprocess deaths by cause",
		}, []string{"cause"}),
		HelperQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "helper_queue_depth",
			Help:      "Total sessions queued across all helper FIFOs awaiting a reply",
		}),
		HelperRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "helper_round_trip_seconds",
			Help:      "Histogram of time from request write to reply read for a helper round-trip",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}),
		HelperTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "helper_timeouts_total",
			Help:      "Total helper round-trips that exceeded their deadline",
		}),

		BytesToUpstream: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_to_upstream_total",
			Help:      "Total bytes relayed from client to next hop",
		}),
		BytesToClient: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_to_client_total",
			Help:      "Total bytes relayed from next hop to client",
		}),
	}
}

// RecordSessionAccept records a newly accepted session.
func (m *Metrics) RecordSessionAccept() {
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
}

// RecordSessionClose records a session leaving the active set after
// durationSeconds of total lifetime.
func (m *Metrics) RecordSessionClose(durationSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordSessionDropped records a session that never reached SPLICE.
func (m *Metrics) RecordSessionDropped(reason string) {
	m.SessionDropped.WithLabelValues(reason).Inc()
}

// SetSessionsInState sets the gauge for the number of sessions currently
// sitting in the given state.
func (m *Metrics) SetSessionsInState(state string, count int) {
	m.SessionsByState.WithLabelValues(state).Set(float64(count))
}

// RecordAuthSuccess records a successful client authentication.
func (m *Metrics) RecordAuthSuccess(method string) {
	m.AuthSuccesses.Inc()
	m.MethodChosen.WithLabelValues(method).Inc()
}

// RecordAuthFailure records a client authentication failure, source being
// "helper", "upstream" or "local".
func (m *Metrics) RecordAuthFailure(source string) {
	m.AuthFailures.WithLabelValues(source).Inc()
}

// RecordUpstreamConnect records a successful upstream dial.
func (m *Metrics) RecordUpstreamConnect(latencySeconds float64) {
	m.UpstreamConnectLatency.Observe(latencySeconds)
}

// RecordUpstreamConnectError records a failed upstream dial.
func (m *Metrics) RecordUpstreamConnectError(reason string) {
	m.UpstreamConnectErrors.WithLabelValues(reason).Inc()
}

// RecordHelperSpawn records a helper subprocess becoming running, which
// happens when it accepts its first request.
func (m *Metrics) RecordHelperSpawn() {
	m.HelperSpawns.Inc()
	m.HelpersRunning.Inc()
}

// RecordHelperDeath records a running helper subprocess exiting, cause
// being "exited" (it was being torn down) or "crashed" (it was not).
func (m *Metrics) RecordHelperDeath(cause string) {
	m.HelpersRunning.Dec()
	m.HelperDeaths.WithLabelValues(cause).Inc()
}

// SetHelpersDying sets the gauge of helpers currently draining before exit.
func (m *Metrics) SetHelpersDying(count int) {
	m.HelpersDying.Set(float64(count))
}

// SetHelperQueueDepth sets the gauge of sessions queued across all helper
// FIFOs.
func (m *Metrics) SetHelperQueueDepth(depth int) {
	m.HelperQueueDepth.Set(float64(depth))
}

// RecordHelperRTT records the round-trip time of a helper request/reply.
func (m *Metrics) RecordHelperRTT(latencySeconds float64) {
	m.HelperRTT.Observe(latencySeconds)
}

// RecordHelperTimeout records a helper round-trip that missed its deadline.
func (m *Metrics) RecordHelperTimeout() {
	m.HelperTimeouts.Inc()
}

// RecordBytesToUpstream records bytes relayed from the client to the next
// hop during SPLICE.
func (m *Metrics) RecordBytesToUpstream(n int) {
	m.BytesToUpstream.Add(float64(n))
}

// RecordBytesToClient records bytes relayed from the next hop to the
// client during SPLICE.
func (m *Metrics) RecordBytesToClient(n int) {
	m.BytesToClient.Add(float64(n))
}

// BytesRelayed reads the current value of the two relay byte counters,
// for the SIGUSR1 dump and the foreground startup banner's running
// totals. Counters implement Write themselves, so this needs no
// separate bookkeeping alongside the Prometheus metric.
func (m *Metrics) BytesRelayed() (toUpstream, toClient uint64) {
	return readCounter(m.BytesToUpstream), readCounter(m.BytesToClient)
}

func readCounter(c prometheus.Counter) uint64 {
	var pb dto.Metric
	if err := c.Write(&pb); err != nil {
		return 0
	}
	return uint64(pb.GetCounter().GetValue())
}
