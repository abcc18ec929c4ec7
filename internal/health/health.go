// Package health keeps the process-wide reconciliation counters and mirrors
// them into Prometheus. Counters only ever grow; nothing here affects
// correctness.
package health

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"otc-reconciler/internal/quote"
)

// Snapshot is a read-only view of the counters.
type Snapshot struct {
	LastRunAt   time.Time
	BacklogSize int
	ErrorCount  int64
	TotalRuns   int64
	TotalSweeps int64
	Updated     int64
}

// Reporter accumulates counters from the engine and chain router.
type Reporter struct {
	runs      atomic.Int64
	failures  atomic.Int64
	updated   atomic.Int64
	sweeps    atomic.Int64
	lastSweep atomic.Int64 // unix nanos, 0 = never
	backlog   atomic.Int64

	runsTotal     prometheus.Counter
	failuresTotal *prometheus.CounterVec
	outcomesTotal *prometheus.CounterVec
	readSeconds   *prometheus.HistogramVec
	backlogGauge  prometheus.Gauge
	lastSweepTS   prometheus.Gauge
	sweepSeconds  prometheus.Histogram
}

// NewReporter registers collectors on reg. A nil reg keeps the collectors
// private to this reporter.
func NewReporter(reg prometheus.Registerer) *Reporter {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Reporter{
		runsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "otc_reconcile_runs_total",
			Help: "Reconciliations attempted, one per deal per trigger",
		}),
		failuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "otc_reconcile_failures_total",
			Help: "Failed reconciliations by reason",
		}, []string{"reason"}),
		outcomesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "otc_reconcile_outcomes_total",
			Help: "Reconciliation outcomes by chain",
		}, []string{"chain", "outcome"}),
		readSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "otc_chain_read_seconds",
			Help:    "Chain read latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"chain", "result"}),
		backlogGauge: f.NewGauge(prometheus.GaugeOpts{
			Name: "otc_reconcile_drift_backlog",
			Help: "Active deals flagged for drift at the last sweep",
		}),
		lastSweepTS: f.NewGauge(prometheus.GaugeOpts{
			Name: "otc_reconcile_last_sweep_timestamp_seconds",
			Help: "Unix time the last sweep completed",
		}),
		sweepSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "otc_reconcile_sweep_seconds",
			Help:    "Sweep duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
	}
}

// RecordReconcile counts one reconciliation. reason is empty on success.
func (r *Reporter) RecordReconcile(chain quote.Chain, outcome string, updated bool, reason string) {
	r.runs.Add(1)
	r.runsTotal.Inc()
	r.outcomesTotal.WithLabelValues(string(chain), outcome).Inc()
	if updated {
		r.updated.Add(1)
	}
	if reason != "" {
		r.failures.Add(1)
		r.failuresTotal.WithLabelValues(reason).Inc()
	}
}

// RecordSweep marks a completed sweep and replaces the drift backlog.
func (r *Reporter) RecordSweep(startedAt, finishedAt time.Time, backlog int) {
	r.sweeps.Add(1)
	r.lastSweep.Store(finishedAt.UnixNano())
	r.backlog.Store(int64(backlog))

	r.lastSweepTS.Set(float64(finishedAt.Unix()))
	r.backlogGauge.Set(float64(backlog))
	r.sweepSeconds.Observe(finishedAt.Sub(startedAt).Seconds())
}

// ObserveRead records chain read latency; it satisfies chain.ReadObserver.
func (r *Reporter) ObserveRead(chain quote.Chain, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.readSeconds.WithLabelValues(string(chain), result).Observe(elapsed.Seconds())
}

// Snapshot returns the current counters.
func (r *Reporter) Snapshot() Snapshot {
	s := Snapshot{
		BacklogSize: int(r.backlog.Load()),
		ErrorCount:  r.failures.Load(),
		TotalRuns:   r.runs.Load(),
		TotalSweeps: r.sweeps.Load(),
		Updated:     r.updated.Load(),
	}
	if ts := r.lastSweep.Load(); ts != 0 {
		s.LastRunAt = time.Unix(0, ts).UTC()
	}
	return s
}
