package observability

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/couchcryptid/vxingest/internal/domain"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// ingest workers and the scheduler.
type Metrics struct {
	UnitsProcessed   *prometheus.CounterVec   // labels: outcome={success,error}
	DocumentsWritten *prometheus.CounterVec   // labels: sink={store,file}
	UnitDuration     *prometheus.HistogramVec // labels: builder
	WorkersActive    prometheus.Gauge
	QueueEmptyPolls  prometheus.Counter

	// Scheduler metrics.
	JobRuns          *prometheus.CounterVec // labels: sub_type, outcome={success,failure}
	JobRunDuration   prometheus.Histogram
	SchedulerPasses  prometheus.Counter
	SchedulerRunning prometheus.Gauge
}

// NewMetrics creates and registers all service metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := NewMetricsForTesting()
	prometheus.MustRegister(
		m.UnitsProcessed,
		m.DocumentsWritten,
		m.UnitDuration,
		m.WorkersActive,
		m.QueueEmptyPolls,
		m.JobRuns,
		m.JobRunDuration,
		m.SchedulerPasses,
		m.SchedulerRunning,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, so tests
// can create as many as they need.
func NewMetricsForTesting() *Metrics {
	return &Metrics{
		UnitsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vxingest",
			Name:      "units_processed_total",
			Help:      "Input units dispatched to a builder, by outcome.",
		}, []string{"outcome"}),
		DocumentsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vxingest",
			Name:      "documents_written_total",
			Help:      "Documents flushed to the store or to output files.",
		}, []string{"sink"}),
		UnitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vxingest",
			Name:      "unit_duration_seconds",
			Help:      "Time to build and flush one input unit.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}, []string{"builder"}),
		WorkersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vxingest",
			Name:      "workers_active",
			Help:      "Workers currently draining the queue.",
		}),
		QueueEmptyPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vxingest",
			Name:      "queue_empty_polls_total",
			Help:      "Queue fetches that found nothing to do.",
		}),
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vxingest",
			Name:      "job_runs_total",
			Help:      "Scheduled job runs by sub type and outcome.",
		}, []string{"sub_type", "outcome"}),
		JobRunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vxingest",
			Name:      "job_run_duration_seconds",
			Help:      "Duration of a complete job run including packaging.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		SchedulerPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vxingest",
			Name:      "scheduler_passes_total",
			Help:      "Completed scheduler passes.",
		}),
		SchedulerRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vxingest",
			Name:      "scheduler_running",
			Help:      "1 while a scheduler pass is in progress.",
		}),
	}
}

// RunMetricsFile is the textfile written after every scheduler pass.
const RunMetricsFile = "run_ingest_metrics.prom"

// RunMetrics are the per-job run metrics exported through a node exporter
// textfile. They live on a private registry so the file holds nothing else.
type RunMetrics struct {
	registry    *prometheus.Registry
	host        string
	duration    *prometheus.GaugeVec
	success     *prometheus.CounterVec
	failure     *prometheus.CounterVec
	lastSuccess *prometheus.GaugeVec
}

// NewRunMetrics creates the run metrics labelled with host.
func NewRunMetrics(host string) *RunMetrics {
	labels := []string{"job", "host"}
	m := &RunMetrics{
		registry: prometheus.NewRegistry(),
		host:     host,
		duration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "run_ingest_duration",
			Help: "Seconds taken by the last run of a job.",
		}, labels),
		success: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "run_ingest_success_count",
			Help: "Successful runs of a job.",
		}, labels),
		failure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "run_ingest_failure_count",
			Help: "Failed runs of a job.",
		}, labels),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "job_last_success_unixtime",
			Help: "Unix time of the last successful run of a job.",
		}, labels),
	}
	m.registry.MustRegister(m.duration, m.success, m.failure, m.lastSuccess)
	return m
}

// Observe records one finished job run.
func (m *RunMetrics) Observe(ev domain.JobRunEvent) {
	job := ev.JobName
	m.duration.WithLabelValues(job, m.host).Set(ev.Duration().Seconds())
	if ev.Success {
		m.success.WithLabelValues(job, m.host).Inc()
		m.lastSuccess.WithLabelValues(job, m.host).Set(float64(ev.FinishedAt.Unix()))
		return
	}
	m.failure.WithLabelValues(job, m.host).Inc()
}

// Gatherer exposes the private registry.
func (m *RunMetrics) Gatherer() prometheus.Gatherer { return m.registry }

// WriteTextfile writes the metrics to dir/run_ingest_metrics.prom.
func (m *RunMetrics) WriteTextfile(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	path := filepath.Join(dir, RunMetricsFile)
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
