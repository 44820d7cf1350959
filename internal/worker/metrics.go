package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var buildDurationBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200}

// Metrics tracks build pipeline outcomes for the worker process.
type Metrics struct {
	buildsTotal   *prometheus.CounterVec
	buildDuration prometheus.Histogram
	jobsStalled   prometheus.Counter
	queueDepth    prometheus.Gauge
}

// NewMetrics registers the pipeline collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		buildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cloudexpress",
			Subsystem: "worker",
			Name:      "builds_total",
			Help:      "Count of finished builds by result",
		}, []string{"result"}),
		buildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cloudexpress",
			Subsystem: "worker",
			Name:      "build_duration_seconds",
			Help:      "Duration distribution of builds",
			Buckets:   buildDurationBuckets,
		}),
		jobsStalled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cloudexpress",
			Subsystem: "worker",
			Name:      "jobs_stalled_total",
			Help:      "Count of lease expiries detected by the stall reaper",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cloudexpress",
			Subsystem: "worker",
			Name:      "queue_depth",
			Help:      "Number of pending build jobs",
		}),
	}
	for _, c := range []prometheus.Collector{m.buildsTotal, m.buildDuration, m.jobsStalled, m.queueDepth} {
		if err := prometheus.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}
	return m
}

// ObserveBuild records one finished build.
func (m *Metrics) ObserveBuild(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.buildsTotal.With(prometheus.Labels{"result": result}).Inc()
	m.buildDuration.Observe(duration.Seconds())
}

// IncStalled counts one lease expiry.
func (m *Metrics) IncStalled() {
	if m == nil {
		return
	}
	m.jobsStalled.Inc()
}

// SetQueueDepth records the current number of pending jobs.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
