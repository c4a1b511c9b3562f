// Package monitor implements the periodic CPU/heap sampler that watches a
// running isolate and emits threshold-crossing warnings.
package monitor

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"isobox/internal/engine"
	"isobox/internal/isoerr"
	"isobox/internal/logging"
	"isobox/internal/metricsprom"
)

// WarningKind identifies which threshold a sample crossed.
type WarningKind string

const (
	CPUWarning80    WarningKind = "cpu-warning-80"
	CPUWarning95    WarningKind = "cpu-warning-95"
	MemoryWarning80 WarningKind = "memory-warning-80"
	MemoryWarning95 WarningKind = "memory-warning-95"
)

const tickInterval = 10 * time.Millisecond

// Usage is one sample's snapshot.
type Usage struct {
	CPUMs         float64
	WallMs        float64
	HeapUsed      uint64
	HeapLimit     uint64
	ExternalMem   uint64
	TotalMem      uint64
	CPUPercent    float64
	MemoryPercent float64
}

// Stats aggregates a monitoring run's samples.
type Stats struct {
	PeakCPUMs        float64
	PeakHeapUsed     uint64
	PeakTotalMem     uint64
	Final            Usage
	AverageCPUPercent float64
	Duration         time.Duration
}

// Warning is emitted when a sample crosses a configured threshold.
type Warning struct {
	ID        string
	Kind      WarningKind
	Usage     Usage
	Timestamp time.Time
}

// WarningFunc receives threshold-crossing warnings. Panics are recovered
// and logged, never propagated to the sampler.
type WarningFunc func(Warning)

// ResourceMonitor arms/disarms periodic samplers, one per monitored id.
type ResourceMonitor struct {
	mu       sync.Mutex
	handles  map[string]*monitorHandle
	logger   *zap.Logger
	recorder metricsprom.Recorder
}

// New constructs a ResourceMonitor. logger defaults to logging.L() if nil.
func New(logger *zap.Logger) *ResourceMonitor {
	if logger == nil {
		logger = logging.L()
	}
	return &ResourceMonitor{handles: make(map[string]*monitorHandle), logger: logger, recorder: metricsprom.NoopRecorder{}}
}

// WithRecorder sets the Prometheus recorder samples are pushed through.
// Passing nil restores the no-op recorder.
func (m *ResourceMonitor) WithRecorder(r metricsprom.Recorder) *ResourceMonitor {
	if r == nil {
		r = metricsprom.NoopRecorder{}
	}
	m.mu.Lock()
	m.recorder = r
	m.mu.Unlock()
	return m
}

// StartMonitoring arms a 10ms sampler against iso, identified by id.
// cpuLimitMs and memLimitBytes of 0 disable warnings on that axis. onWarn
// may be nil (samples are still aggregated into Stats, just never
// reported live).
func (m *ResourceMonitor) StartMonitoring(iso engine.Isolate, id string, cpuLimitMs float64, memLimitBytes uint64, onWarn WarningFunc) (string, error) {
	if id == "" {
		return "", isoerr.New(isoerr.InvalidConfig, "monitor id must not be empty")
	}
	m.mu.Lock()
	recorder := m.recorder
	m.mu.Unlock()

	h := &monitorHandle{
		id:            id,
		isolate:       iso,
		cpuLimitMs:    cpuLimitMs,
		memLimitBytes: memLimitBytes,
		startTime:     time.Now(),
		stopCh:        make(chan struct{}),
		limiter:       rate.NewLimiter(rate.Limit(1000), 20),
		onWarn:        onWarn,
		logger:        m.logger,
		recorder:      recorder,
	}

	m.mu.Lock()
	m.handles[id] = h
	m.mu.Unlock()

	h.wg.Add(1)
	go h.run()
	return id, nil
}

// StopMonitoring cancels the sampler for id and returns its aggregate
// stats. Stopping an id that was never armed, or was already stopped, is
// safe and returns a zero Stats.
func (m *ResourceMonitor) StopMonitoring(id string) Stats {
	m.mu.Lock()
	h, ok := m.handles[id]
	if ok {
		delete(m.handles, id)
	}
	m.mu.Unlock()

	if !ok {
		return Stats{}
	}
	close(h.stopCh)
	h.wg.Wait()
	return h.snapshot()
}

// Active reports whether id currently has an armed sampler.
func (m *ResourceMonitor) Active(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handles[id]
	return ok
}

type monitorHandle struct {
	id            string
	isolate       engine.Isolate
	cpuLimitMs    float64
	memLimitBytes uint64
	startTime     time.Time
	stopCh        chan struct{}
	wg            sync.WaitGroup
	limiter       *rate.Limiter
	onWarn        WarningFunc
	logger        *zap.Logger
	recorder      metricsprom.Recorder

	mu            sync.Mutex
	peakCPUMs     float64
	peakHeapUsed  uint64
	peakTotalMem  uint64
	sumCPUPercent float64
	samples       int
	final         Usage
}

func (h *monitorHandle) run() {
	defer h.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.sample()
		}
	}
}

func (h *monitorHandle) sample() {
	if h.isolate.IsDisposed() {
		return
	}

	cpu := h.isolate.CPUTime()
	heap := h.isolate.HeapStatistics()

	wallMs := float64(time.Since(h.startTime)) / float64(time.Millisecond)
	cpuMs := float64(cpu) / float64(time.Millisecond)
	var cpuPercent float64
	if wallMs > 0 {
		cpuPercent = cpuMs / wallMs * 100
		if cpuPercent > 100 {
			cpuPercent = 100
		}
	}

	totalMem := heap.TotalHeapSize + heap.ExternalMemory
	var memPercent float64
	if h.memLimitBytes > 0 {
		memPercent = float64(heap.UsedHeapSize) / float64(h.memLimitBytes) * 100
	}

	usage := Usage{
		CPUMs:         cpuMs,
		WallMs:        wallMs,
		HeapUsed:      heap.UsedHeapSize,
		HeapLimit:     heap.HeapSizeLimit,
		ExternalMem:   heap.ExternalMemory,
		TotalMem:      totalMem,
		CPUPercent:    cpuPercent,
		MemoryPercent: memPercent,
	}

	h.mu.Lock()
	h.samples++
	h.sumCPUPercent += cpuPercent
	if cpuMs > h.peakCPUMs {
		h.peakCPUMs = cpuMs
	}
	if heap.UsedHeapSize > h.peakHeapUsed {
		h.peakHeapUsed = heap.UsedHeapSize
	}
	if totalMem > h.peakTotalMem {
		h.peakTotalMem = totalMem
	}
	h.final = usage
	h.mu.Unlock()

	if h.recorder != nil {
		h.recorder.RecordResourceSample(cpuPercent, memPercent)
	}

	if h.cpuLimitMs > 0 {
		if cpuMs >= 0.95*h.cpuLimitMs {
			h.emit(CPUWarning95, usage)
		} else if cpuMs >= 0.80*h.cpuLimitMs {
			h.emit(CPUWarning80, usage)
		}
	}
	if h.memLimitBytes > 0 {
		totalF := float64(h.memLimitBytes)
		if float64(totalMem) >= 0.95*totalF {
			h.emit(MemoryWarning95, usage)
		} else if float64(totalMem) >= 0.80*totalF {
			h.emit(MemoryWarning80, usage)
		}
	}
}

func (h *monitorHandle) emit(kind WarningKind, usage Usage) {
	if h.onWarn == nil {
		return
	}
	if !h.limiter.Allow() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("resource monitor warning callback panicked",
				zap.String("id", h.id), zap.String("kind", string(kind)), zap.Any("recovered", r))
		}
	}()
	h.onWarn(Warning{ID: h.id, Kind: kind, Usage: usage, Timestamp: time.Now()})
}

func (h *monitorHandle) snapshot() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	avg := 0.0
	if h.samples > 0 {
		avg = h.sumCPUPercent / float64(h.samples)
	}
	return Stats{
		PeakCPUMs:         h.peakCPUMs,
		PeakHeapUsed:      h.peakHeapUsed,
		PeakTotalMem:      h.peakTotalMem,
		Final:             h.final,
		AverageCPUPercent: avg,
		Duration:          time.Since(h.startTime),
	}
}
