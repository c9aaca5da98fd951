package scheduler

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/warp/expense-engine/engine"
)

// =============================================================================
// ROLLING METRICS
// =============================================================================

// Metrics are the rolling counters of the main pass.
type Metrics struct {
	TotalRuns            int        `json:"total_runs"`
	SuccessfulRuns       int        `json:"successful_runs"`
	FailedRuns           int        `json:"failed_runs"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	AverageExecutionMs   int64      `json:"average_execution_ms"`
	EntriesGenerated     int        `json:"entries_generated"`
	ItemFailures         int        `json:"item_failures"`
	LastRunAt            *time.Time `json:"last_run_at,omitempty"`
	LastSuccessAt        *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt        *time.Time `json:"last_failure_at,omitempty"`
	LastError            string     `json:"last_error,omitempty"`
	averageExecutionTime time.Duration
}

// SuccessRate is SuccessfulRuns / TotalRuns, or 1 before the first run.
func (m Metrics) SuccessRate() float64 {
	if m.TotalRuns == 0 {
		return 1
	}
	return float64(m.SuccessfulRuns) / float64(m.TotalRuns)
}

// AverageExecutionTime is the running mean pass duration.
func (m Metrics) AverageExecutionTime() time.Duration {
	return m.averageExecutionTime
}

type metricsTracker struct {
	mu sync.Mutex
	m  Metrics
}

// record accounts one pass. A pass counts as successful when it completed,
// even if some obligations failed.
func (t *metricsTracker) record(at time.Time, elapsed time.Duration, res *engine.Result, err error) Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := &t.m
	m.TotalRuns++
	m.averageExecutionTime += (elapsed - m.averageExecutionTime) / time.Duration(m.TotalRuns)
	m.AverageExecutionMs = m.averageExecutionTime.Milliseconds()
	m.LastRunAt = &at

	if res != nil {
		m.EntriesGenerated += res.Generated()
		m.ItemFailures += res.Failed()
	}
	if err != nil {
		m.FailedRuns++
		m.ConsecutiveFailures++
		m.LastFailureAt = &at
		m.LastError = err.Error()
	} else {
		m.SuccessfulRuns++
		m.ConsecutiveFailures = 0
		m.LastSuccessAt = &at
	}
	return *m
}

func (t *metricsTracker) snapshot() Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.m
}

func (t *metricsTracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m = Metrics{}
}

// =============================================================================
// PROMETHEUS
// =============================================================================

// promMetrics live on a registry owned by one Scheduler, so several
// schedulers (and tests) never collide on registration.
type promMetrics struct {
	registry   *prometheus.Registry
	runs       *prometheus.CounterVec
	duration   prometheus.Histogram
	generated  *prometheus.CounterVec
	failures   *prometheus.CounterVec
	retryDepth prometheus.Gauge
	interval   prometheus.Gauge
	batchSize  prometheus.Gauge
}

func newPromMetrics() *promMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &promMetrics{
		registry: reg,
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "expenses",
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Generation passes by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "expenses",
			Subsystem: "scheduler",
			Name:      "pass_duration_seconds",
			Help:      "Duration of generation passes.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}),
		generated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "expenses",
			Subsystem: "engine",
			Name:      "entries_generated_total",
			Help:      "Ledger entries generated by obligation kind.",
		}, []string{"kind"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "expenses",
			Subsystem: "engine",
			Name:      "item_failures_total",
			Help:      "Obligations that failed to generate, by kind and error class.",
		}, []string{"kind", "class"}),
		retryDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "expenses",
			Subsystem: "scheduler",
			Name:      "retry_queue_depth",
			Help:      "Items waiting in the retry queue.",
		}),
		interval: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "expenses",
			Subsystem: "scheduler",
			Name:      "interval_seconds",
			Help:      "Current main pass interval.",
		}),
		batchSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "expenses",
			Subsystem: "scheduler",
			Name:      "batch_size",
			Help:      "Batch size chosen by the last context analysis.",
		}),
	}
}

func (p *promMetrics) observePass(trigger string, elapsed time.Duration, res *engine.Result, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	p.runs.WithLabelValues(trigger, outcome).Inc()
	p.duration.Observe(elapsed.Seconds())
	if res == nil {
		return
	}
	for _, s := range res.Success {
		p.generated.WithLabelValues(string(s.Kind)).Inc()
	}
	for _, f := range res.Errors {
		p.failures.WithLabelValues(string(f.Kind), string(f.Class)).Inc()
	}
}
