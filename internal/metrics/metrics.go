// Package metrics exposes Prometheus collectors for the ingestion core.
// Emission is fire-and-forget: recording a sample never blocks and never
// influences an ingestion outcome.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	envelopesTotal      *prometheus.CounterVec
	gatewayDurationSecs prometheus.Histogram
	casWritesTotal      *prometheus.CounterVec
	casBytesTotal       prometheus.Counter
	logWritesTotal      *prometheus.CounterVec
	logBytesTotal       prometheus.Counter
	logCurrentFileBytes prometheus.Gauge
	fetchesTotal        *prometheus.CounterVec
	fetchDurationSecs   *prometheus.HistogramVec
	rateLimitDelaySecs  *prometheus.HistogramVec
	reconcileBackfills  prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		envelopesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_envelopes_total",
				Help: "Envelope submissions by source and disposition (accepted, deduplicated, rejected).",
			},
			[]string{"source", "disposition"},
		)
		gatewayDurationSecs = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ingest_gateway_duration_seconds",
				Help:    "Wall time of gateway accept calls.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
		)
		casWritesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_cas_writes_total",
				Help: "CAS put outcomes.",
			},
			[]string{"outcome"},
		)
		casBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_cas_bytes_total",
				Help: "Payload bytes written to the CAS.",
			},
		)
		logWritesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_log_writes_total",
				Help: "Ingest log append outcomes.",
			},
			[]string{"outcome"},
		)
		logBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_log_bytes_total",
				Help: "Bytes appended to the ingest log.",
			},
		)
		logCurrentFileBytes = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_log_current_file_bytes",
				Help: "Size of the current day's log file after the last append.",
			},
		)
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_fetches_total",
				Help: "Fetch attempts by source and outcome.",
			},
			[]string{"source", "outcome"},
		)
		fetchDurationSecs = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_fetch_duration_seconds",
				Help:    "HTTP fetch latencies by source.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"source"},
		)
		rateLimitDelaySecs = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_rate_limit_delay_seconds",
				Help:    "Delay imposed by the per-source rate limiter.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60},
			},
			[]string{"source"},
		)
		reconcileBackfills = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_reconcile_backfills_total",
				Help: "Dedup rows backfilled from the log at startup.",
			},
		)
	})
}

// ObserveEnvelope records one gateway disposition.
func ObserveEnvelope(source, disposition string) {
	if envelopesTotal != nil {
		envelopesTotal.WithLabelValues(source, disposition).Inc()
	}
}

// ObserveGatewayDuration records one accept call's wall time.
func ObserveGatewayDuration(d time.Duration) {
	if gatewayDurationSecs != nil {
		gatewayDurationSecs.Observe(d.Seconds())
	}
}

// ObserveCASWrite records a CAS put outcome and bytes written.
func ObserveCASWrite(outcome string, bytes int) {
	if casWritesTotal != nil {
		casWritesTotal.WithLabelValues(outcome).Inc()
	}
	if outcome == "success" && casBytesTotal != nil {
		casBytesTotal.Add(float64(bytes))
	}
}

// ObserveLogWrite records an append outcome, bytes, and current file size.
func ObserveLogWrite(outcome string, bytes int, fileBytes int64) {
	if logWritesTotal != nil {
		logWritesTotal.WithLabelValues(outcome).Inc()
	}
	if outcome != "success" {
		return
	}
	if logBytesTotal != nil {
		logBytesTotal.Add(float64(bytes))
	}
	if logCurrentFileBytes != nil {
		logCurrentFileBytes.Set(float64(fileBytes))
	}
}

// ObserveFetch records one fetch attempt.
func ObserveFetch(source, outcome string, d time.Duration) {
	if fetchesTotal != nil {
		fetchesTotal.WithLabelValues(source, outcome).Inc()
	}
	if fetchDurationSecs != nil {
		fetchDurationSecs.WithLabelValues(source).Observe(d.Seconds())
	}
}

// ObserveRateLimitDelay records time spent waiting on the limiter.
func ObserveRateLimitDelay(source string, d time.Duration) {
	if rateLimitDelaySecs != nil {
		rateLimitDelaySecs.WithLabelValues(source).Observe(d.Seconds())
	}
}

// ObserveReconcileBackfill counts dedup rows restored at startup.
func ObserveReconcileBackfill(n int) {
	if reconcileBackfills != nil {
		reconcileBackfills.Add(float64(n))
	}
}
