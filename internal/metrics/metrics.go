// Package metrics provides Prometheus metrics for the page server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the page server.
type Metrics struct {
	// Read path metrics
	GetRequestsTotal   *prometheus.CounterVec
	GetDuration        *prometheus.HistogramVec
	GetMissesTotal      prometheus.Counter
	WaitLsnTimeoutTotal prometheus.Counter

	// Write path metrics
	PutRecordsTotal prometheus.Counter
	PutBytesTotal   prometheus.Counter

	// Flush / freeze metrics
	FlushesTotal   prometheus.Counter
	FlushDuration  prometheus.Histogram
	FlushBytesTotal prometheus.Counter

	// Compaction metrics
	CompactionsTotal    prometheus.Counter
	CompactionDuration  prometheus.Histogram
	CompactionInputLayers  prometheus.Gauge
	CompactionOutputLayers prometheus.Gauge

	// Garbage collection metrics
	GCRunsTotal       prometheus.Counter
	GCDuration        prometheus.Histogram
	GCLayersRemoved   prometheus.Counter

	// Layer map / storage gauges
	ResidentLayersTotal prometheus.Gauge
	ResidentBytesTotal  prometheus.Gauge
	L0DeltasTotal       prometheus.Gauge

	// Server metrics
	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	m.GetRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pageserver_get_requests_total",
			Help: "Total number of page reconstruction requests",
		},
		[]string{"status"},
	)

	m.GetDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pageserver_get_duration_seconds",
			Help:    "Duration of page reconstruction requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	m.GetMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pageserver_get_misses_total",
			Help: "Total number of get() calls that traversed to an ancestor timeline",
		},
	)

	m.WaitLsnTimeoutTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pageserver_wait_lsn_timeout_total",
			Help: "Total number of wait_lsn calls that timed out",
		},
	)

	m.PutRecordsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pageserver_put_records_total",
			Help: "Total number of values ingested via put_value/put_tombstone",
		},
	)

	m.PutBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pageserver_put_bytes_total",
			Help: "Total number of bytes ingested into in-memory layers",
		},
	)

	m.FlushesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pageserver_flushes_total",
			Help: "Total number of frozen in-memory layers written to disk",
		},
	)

	m.FlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pageserver_flush_duration_seconds",
			Help:    "Duration of freeze/flush cycles in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	m.FlushBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pageserver_flush_bytes_total",
			Help: "Total number of bytes written by flush to disk layers",
		},
	)

	m.CompactionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pageserver_compactions_total",
			Help: "Total number of compaction passes run",
		},
	)

	m.CompactionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pageserver_compaction_duration_seconds",
			Help:    "Duration of compaction passes in seconds",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 300},
		},
	)

	m.CompactionInputLayers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pageserver_compaction_input_layers",
			Help: "Number of layers consumed by the most recent compaction pass",
		},
	)

	m.CompactionOutputLayers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pageserver_compaction_output_layers",
			Help: "Number of layers produced by the most recent compaction pass",
		},
	)

	m.GCRunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pageserver_gc_runs_total",
			Help: "Total number of garbage collection passes run",
		},
	)

	m.GCDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pageserver_gc_duration_seconds",
			Help:    "Duration of garbage collection passes in seconds",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 300},
		},
	)

	m.GCLayersRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pageserver_gc_layers_removed_total",
			Help: "Total number of layer files removed by garbage collection",
		},
	)

	m.ResidentLayersTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pageserver_resident_layers",
			Help: "Current number of resident layers across all timelines",
		},
	)

	m.ResidentBytesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pageserver_resident_bytes",
			Help: "Current number of bytes occupied by resident layer files",
		},
	)

	m.L0DeltasTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pageserver_l0_deltas",
			Help: "Current number of level-0 delta layers awaiting compaction",
		},
	)

	m.ServerUptimeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pageserver_uptime_seconds",
			Help: "Server uptime in seconds",
		},
	)

	go m.updateUptime()

	return m
}

// updateUptime periodically updates the server uptime metric.
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
	}
}

// RecordGet records the result of a page reconstruction request.
func (m *Metrics) RecordGet(status string, duration time.Duration) {
	m.GetRequestsTotal.WithLabelValues(status).Inc()
	m.GetDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordFlush records a completed freeze/flush cycle.
func (m *Metrics) RecordFlush(duration time.Duration, bytesWritten int64) {
	m.FlushesTotal.Inc()
	m.FlushDuration.Observe(duration.Seconds())
	m.FlushBytesTotal.Add(float64(bytesWritten))
}

// RecordCompaction records a completed compaction pass.
func (m *Metrics) RecordCompaction(duration time.Duration, inputLayers, outputLayers int) {
	m.CompactionsTotal.Inc()
	m.CompactionDuration.Observe(duration.Seconds())
	m.CompactionInputLayers.Set(float64(inputLayers))
	m.CompactionOutputLayers.Set(float64(outputLayers))
}

// RecordGC records a completed garbage collection pass.
func (m *Metrics) RecordGC(duration time.Duration, layersRemoved int) {
	m.GCRunsTotal.Inc()
	m.GCDuration.Observe(duration.Seconds())
	m.GCLayersRemoved.Add(float64(layersRemoved))
}

// UpdateResidentStats updates the resident layer gauges.
func (m *Metrics) UpdateResidentStats(layerCount int64, byteCount int64, l0Deltas int64) {
	m.ResidentLayersTotal.Set(float64(layerCount))
	m.ResidentBytesTotal.Set(float64(byteCount))
	m.L0DeltasTotal.Set(float64(l0Deltas))
}
