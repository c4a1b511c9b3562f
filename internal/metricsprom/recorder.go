// Package metricsprom provides Prometheus metrics for the sandbox runtime:
// pool occupancy, execution throughput/latency, queue depth, and resource
// usage. Pattern and namespace/subsystem layout follow the teacher's
// internal/metrics package, scoped down to what the sandbox pool, engine,
// queue, and monitor actually report.
package metricsprom

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder is the reporting surface pool.IsolatePool, timeout.Manager, and
// monitor.ResourceMonitor push samples through (exec.Engine forwards its
// recorder to the latter two, and the pool reports its AsyncQueue's
// length). It is satisfied by *Metrics and by a nil-safe no-op so callers
// can wire metrics optionally.
type Recorder interface {
	SetPoolAvailable(n int)
	SetPoolInUse(n int)
	IncPoolDisposed()
	RecordExecution(status string, duration time.Duration)
	SetQueueLength(n int)
	RecordResourceSample(cpuPercent, memPercent float64)
	RecordTimeout(reason string)
}

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds the Prometheus collectors for one sandbox runtime instance.
type Metrics struct {
	PoolAvailable      prometheus.Gauge
	PoolInUse          prometheus.Gauge
	PoolDisposedTotal  prometheus.Counter
	ExecutionsTotal    *prometheus.CounterVec
	ExecutionDuration  *prometheus.HistogramVec
	QueueLength        prometheus.Gauge
	ResourceCPUPercent prometheus.Gauge
	ResourceMemPercent prometheus.Gauge
	TimeoutsTotal      *prometheus.CounterVec
}

// Get returns the process-wide singleton, registering collectors on first
// call. Safe to call from multiple packages; registration happens once.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	m := &Metrics{}

	m.PoolAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "isobox",
		Subsystem: "pool",
		Name:      "available",
		Help:      "Number of idle isolates ready for acquisition",
	})

	m.PoolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "isobox",
		Subsystem: "pool",
		Name:      "in_use",
		Help:      "Number of isolates currently executing code",
	})

	m.PoolDisposedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "isobox",
		Subsystem: "pool",
		Name:      "disposed_total",
		Help:      "Total number of isolates disposed (idle reap, unhealthy, or drain)",
	})

	m.ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "isobox",
			Subsystem: "execution",
			Name:      "total",
			Help:      "Total number of code executions by outcome",
		},
		[]string{"status"},
	)

	m.ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "isobox",
			Subsystem: "execution",
			Name:      "duration_seconds",
			Help:      "Code execution wall-clock duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)

	m.QueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "isobox",
		Subsystem: "queue",
		Name:      "length",
		Help:      "Number of executions waiting for a free concurrency slot",
	})

	m.ResourceCPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "isobox",
		Subsystem: "resource",
		Name:      "cpu_percent",
		Help:      "Most recent CPU usage sample across monitored isolates, percent of limit",
	})

	m.ResourceMemPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "isobox",
		Subsystem: "resource",
		Name:      "memory_percent",
		Help:      "Most recent heap usage sample across monitored isolates, percent of limit",
	})

	m.TimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "isobox",
			Subsystem: "timeout",
			Name:      "total",
			Help:      "Total number of executions killed by the timeout/CPU watchdog, by reason",
		},
		[]string{"reason"},
	)

	return m
}

func (m *Metrics) SetPoolAvailable(n int) { m.PoolAvailable.Set(float64(n)) }
func (m *Metrics) SetPoolInUse(n int)     { m.PoolInUse.Set(float64(n)) }
func (m *Metrics) IncPoolDisposed()       { m.PoolDisposedTotal.Inc() }

func (m *Metrics) RecordExecution(status string, duration time.Duration) {
	m.ExecutionsTotal.WithLabelValues(status).Inc()
	m.ExecutionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func (m *Metrics) SetQueueLength(n int) { m.QueueLength.Set(float64(n)) }

func (m *Metrics) RecordResourceSample(cpuPercent, memPercent float64) {
	m.ResourceCPUPercent.Set(cpuPercent)
	m.ResourceMemPercent.Set(memPercent)
}

func (m *Metrics) RecordTimeout(reason string) {
	m.TimeoutsTotal.WithLabelValues(reason).Inc()
}

// NoopRecorder discards every sample. Used as the default Recorder so
// pool/exec/monitor can report unconditionally without a nil check at every
// call site.
type NoopRecorder struct{}

func (NoopRecorder) SetPoolAvailable(int)                   {}
func (NoopRecorder) SetPoolInUse(int)                       {}
func (NoopRecorder) IncPoolDisposed()                       {}
func (NoopRecorder) RecordExecution(string, time.Duration)  {}
func (NoopRecorder) SetQueueLength(int)                     {}
func (NoopRecorder) RecordResourceSample(float64, float64)  {}
func (NoopRecorder) RecordTimeout(string)                   {}
