package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "remoting_sessions_active",
			Help: "Number of connected client sessions",
		},
	)

	subscribersGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "remoting_resource_subscribers",
			Help: "Number of sessions subscribed to a resource",
		},
		[]string{"resource"},
	)

	writesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remoting_writes_total",
			Help: "Number of write batches committed",
		},
		[]string{"resource"},
	)

	writeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remoting_write_failures_total",
			Help: "Number of write batches rejected by the backing store",
		},
	)

	fanoutTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remoting_fanout_updates_total",
			Help: "Number of resource updates fanned out to sessions",
		},
	)

	appendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "remoting_store_append_duration_seconds",
			Help:    "Duration of backing store append operations",
			Buckets: []float64{0.001, 0.01, 0.1, 1.0, 5.0},
		},
	)
)

func observeAppend(d time.Duration) {
	appendDuration.Observe(d.Seconds())
}
