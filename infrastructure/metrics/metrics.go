// Package metrics provides Prometheus metrics for the pipeline's phases.
// Adapted from the teacher repo's infrastructure/metrics package: same
// NewWithRegistry/MustRegister shape, counters/gauges swapped from
// HTTP/blockchain/database concerns to collector/gate/pusher/sync ones.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector this module registers.
type Metrics struct {
	CollectorRunsTotal      *prometheus.CounterVec
	CollectorSignalsFound   *prometheus.CounterVec
	CollectorSignalsNew     *prometheus.CounterVec
	CollectorSignalsSuppressed *prometheus.CounterVec
	CollectorErrorsTotal    *prometheus.CounterVec
	CollectorRunDuration    *prometheus.HistogramVec

	GateDecisionsTotal *prometheus.CounterVec
	GateConfidence     *prometheus.HistogramVec

	PusherOutcomesTotal *prometheus.CounterVec
	PusherBatchDuration prometheus.Histogram

	SuppressionCacheSize    prometheus.Gauge
	SuppressionSyncDuration prometheus.Histogram
	SuppressionSyncErrors   prometheus.Counter

	CRMRequestsTotal   *prometheus.CounterVec
	CRMRequestDuration *prometheus.HistogramVec
}

// New creates a Metrics instance registered against the default registerer.
func New() *Metrics { return NewWithRegistry(prometheus.DefaultRegisterer) }

// NewWithRegistry creates a Metrics instance registered against registerer,
// which may be nil to skip registration (unit tests construct collectors
// without a process-wide registry).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		CollectorRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "prospector_collector_runs_total", Help: "Total collector runs by collector and status"},
			[]string{"collector", "status"},
		),
		CollectorSignalsFound: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "prospector_collector_signals_found_total", Help: "Candidate signals observed per collector run"},
			[]string{"collector"},
		),
		CollectorSignalsNew: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "prospector_collector_signals_new_total", Help: "Signals newly persisted per collector run"},
			[]string{"collector"},
		),
		CollectorSignalsSuppressed: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "prospector_collector_signals_suppressed_total", Help: "Signals skipped due to suppression"},
			[]string{"collector"},
		),
		CollectorErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "prospector_collector_errors_total", Help: "Per-signal errors isolated during a collector run"},
			[]string{"collector"},
		),
		CollectorRunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "prospector_collector_run_duration_seconds",
				Help:    "Collector run wall time",
				Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"collector"},
		),

		GateDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "prospector_gate_decisions_total", Help: "Verification gate decisions"},
			[]string{"decision"},
		),
		GateConfidence: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "prospector_gate_confidence",
				Help:    "Computed confidence score distribution",
				Buckets: prometheus.LinearBuckets(0, 0.05, 20),
			},
			[]string{"decision"},
		),

		PusherOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "prospector_pusher_outcomes_total", Help: "Per-prospect pusher outcomes"},
			[]string{"outcome"},
		),
		PusherBatchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "prospector_pusher_batch_duration_seconds",
				Help:    "Batch processor wall time",
				Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),

		SuppressionCacheSize: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "prospector_suppression_cache_size", Help: "Active suppression cache entries"},
		),
		SuppressionSyncDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "prospector_suppression_sync_duration_seconds",
				Help:    "Suppression sync wall time",
				Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		SuppressionSyncErrors: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "prospector_suppression_sync_errors_total", Help: "Suppression sync failures"},
		),

		CRMRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "prospector_crm_requests_total", Help: "CRM connector calls by operation and outcome"},
			[]string{"operation", "outcome"},
		),
		CRMRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "prospector_crm_request_duration_seconds",
				Help:    "CRM connector call duration",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"operation"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.CollectorRunsTotal, m.CollectorSignalsFound, m.CollectorSignalsNew,
			m.CollectorSignalsSuppressed, m.CollectorErrorsTotal, m.CollectorRunDuration,
			m.GateDecisionsTotal, m.GateConfidence,
			m.PusherOutcomesTotal, m.PusherBatchDuration,
			m.SuppressionCacheSize, m.SuppressionSyncDuration, m.SuppressionSyncErrors,
			m.CRMRequestsTotal, m.CRMRequestDuration,
		)
	}
	return m
}

var (
	global   *Metrics
	globalMu sync.Mutex
)

// Init initializes (once) and returns the global Metrics instance.
func Init() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New()
	}
	return global
}

// Global returns the global Metrics instance, initializing it with a
// no-registry instance if Init was never called (tests and short-lived
// CLI invocations that never expose a /metrics endpoint).
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = NewWithRegistry(nil)
	}
	return global
}
