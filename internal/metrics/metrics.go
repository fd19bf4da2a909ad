// Package metrics provides Prometheus metrics for ferrokv, registered via
// promauto the same way the teacher's internal/metrics package does, with
// the name/label surface narrowed to the embedded-engine domain (no
// gRPC/document-layer metrics).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector ferrokv registers.
type Metrics struct {
	TxTotal         *prometheus.CounterVec
	TxDuration      *prometheus.HistogramVec
	PagesAllocated  prometheus.Counter
	PagesFreed      prometheus.Counter
	PendingPages    prometheus.Gauge
	WalBytesTotal   prometheus.Counter
	CheckpointsTotal prometheus.Counter
	DbSizeBytes     prometheus.Gauge
	ReadersActive   prometheus.Gauge
}

// NewMetrics creates and registers ferrokv's collectors against the
// default Prometheus registry.
func NewMetrics() *Metrics {
	m := &Metrics{}

	m.TxTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferrokv_tx_total",
			Help: "Total number of transactions, by kind and result.",
		},
		[]string{"kind", "result"},
	)

	m.TxDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ferrokv_tx_duration_seconds",
			Help:    "Transaction duration in seconds, by kind.",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
		[]string{"kind"},
	)

	m.PagesAllocated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ferrokv_pages_allocated_total",
			Help: "Total number of pages allocated from the free list or file growth.",
		},
	)

	m.PagesFreed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ferrokv_pages_freed_total",
			Help: "Total number of pages returned to the free list.",
		},
	)

	m.PendingPages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ferrokv_pending_pages",
			Help: "Pages freed but not yet reclaimable because a snapshot reader may still see them.",
		},
	)

	m.WalBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ferrokv_wal_bytes_total",
			Help: "Total bytes appended to the write-ahead log.",
		},
	)

	m.CheckpointsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ferrokv_checkpoints_total",
			Help: "Total number of WAL checkpoints performed.",
		},
	)

	m.DbSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ferrokv_db_size_bytes",
			Help: "Current size of the data file in bytes.",
		},
	)

	m.ReadersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ferrokv_readers_active",
			Help: "Number of snapshot read transactions currently open.",
		},
	)

	return m
}

// RecordTx records a completed transaction's kind ("view"/"update"),
// result (DB.recordTx passes "commit" or "error"), and duration.
func (m *Metrics) RecordTx(kind, result string, duration time.Duration) {
	m.TxTotal.WithLabelValues(kind, result).Inc()
	m.TxDuration.WithLabelValues(kind).Observe(duration.Seconds())
}
