// Package telemetry exposes Prometheus metrics for the promise table,
// pool registry, and stream layer.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector this process registers.
type Metrics struct {
	PromisesIssued    *prometheus.CounterVec
	PromisesCompleted *prometheus.CounterVec
	PromisesOutstanding *prometheus.GaugeVec

	StreamsActive  prometheus.Gauge
	StreamBytesIn  prometheus.Counter
	StreamBytesOut prometheus.Counter

	ServerOnline   *prometheus.GaugeVec
	PoolMembers    *prometheus.GaugeVec

	DrainTicks   prometheus.Counter
	DrainTimeout prometheus.Counter
}

// NewMetrics creates and registers the cluster's Prometheus collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		PromisesIssued: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siridb_promises_issued_total",
				Help: "Total number of promises issued to a peer server.",
			},
			[]string{"pool"},
		),
		PromisesCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siridb_promises_completed_total",
				Help: "Total number of promises completed, by outcome.",
			},
			[]string{"pool", "outcome"}, // outcome: reply, timeout, cancelled, server-gone, write-error
		),
		PromisesOutstanding: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "siridb_promises_outstanding",
				Help: "Number of promises currently awaiting a reply, per server.",
			},
			[]string{"server_uuid"},
		),
		StreamsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "siridb_streams_active",
				Help: "Number of currently open duplex streams (client + backend).",
			},
		),
		StreamBytesIn: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "siridb_stream_bytes_received_total",
				Help: "Total bytes read across all streams.",
			},
		),
		StreamBytesOut: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "siridb_stream_bytes_sent_total",
				Help: "Total bytes written across all streams.",
			},
		),
		ServerOnline: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "siridb_server_online",
				Help: "1 if the server is online, 0 otherwise.",
			},
			[]string{"server_uuid", "pool"},
		),
		PoolMembers: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "siridb_pool_members",
				Help: "Number of servers currently registered to a pool.",
			},
			[]string{"pool"},
		),
		DrainTicks: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "siridb_shutdown_drain_ticks_total",
				Help: "Total number of bounded-drain ticks observed across shutdowns.",
			},
		),
		DrainTimeout: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "siridb_shutdown_drain_timeouts_total",
				Help: "Total number of shutdowns that hit CLOSE_TIMEOUT_REACHED.",
			},
		),
	}
}

// RecordPromiseIssued increments the issued counter for pool.
func (m *Metrics) RecordPromiseIssued(pool string) {
	m.PromisesIssued.WithLabelValues(pool).Inc()
}

// RecordPromiseCompleted increments the completed counter for (pool, outcome).
func (m *Metrics) RecordPromiseCompleted(pool, outcome string) {
	m.PromisesCompleted.WithLabelValues(pool, outcome).Inc()
}

// SetServerOnline records a server's online state as a 0/1 gauge.
func (m *Metrics) SetServerOnline(serverUUID, pool string, online bool) {
	v := 0.0
	if online {
		v = 1.0
	}
	m.ServerOnline.WithLabelValues(serverUUID, pool).Set(v)
}

// Handler returns the HTTP handler that serves the registered metrics in
// the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
