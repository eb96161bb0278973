// Package monitoring samples host resource usage and counts API requests,
// supplying figures for the /api/metrics endpoint, grounded on the teacher's Pi performance monitor
// (tools/pi_performance_monitor.go) generalized from Pi-specific thresholds
// to a general low-resource throttle signal.
package monitoring

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// ResourceSnapshot is one host-resource sample, refreshed on a timer so the
// Worker Pool's throttle check and the metrics endpoint never block on a
// live syscall.
type ResourceSnapshot struct {
	Timestamp        time.Time `json:"timestamp"`
	CPUPercent       float64   `json:"cpu_percent"`
	MemoryUsedPct    float64   `json:"memory_used_percent"`
	MemoryAvailableMB uint64   `json:"memory_available_mb"`
	DiskUsedPct      float64   `json:"disk_used_percent"`
	Goroutines       int       `json:"goroutines"`
}

// ResourceMonitor periodically samples CPU, memory, and disk usage via
// gopsutil, grounded on the teacher's collectCPUMetrics/collectMemoryMetrics
// /collectDiskMetrics trio.
type ResourceMonitor struct {
	diskPath string
	interval time.Duration

	mu       sync.RWMutex
	snapshot ResourceSnapshot

	stop chan struct{}
	once sync.Once
}

// NewResourceMonitor constructs a monitor sampling diskPath's usage every
// interval. Call Start to begin sampling in the background.
func NewResourceMonitor(diskPath string, interval time.Duration) *ResourceMonitor {
	if diskPath == "" {
		diskPath = "/"
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ResourceMonitor{diskPath: diskPath, interval: interval, stop: make(chan struct{})}
}

// Start runs the sampling loop until Stop is called.
func (m *ResourceMonitor) Start(ctx context.Context) {
	m.sample()

	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.sample()
			}
		}
	}()
}

// Stop ends the sampling loop.
func (m *ResourceMonitor) Stop() {
	m.once.Do(func() { close(m.stop) })
}

func (m *ResourceMonitor) sample() {
	snap := ResourceSnapshot{Timestamp: time.Now(), Goroutines: runtime.NumGoroutine()}

	if percent, err := cpu.Percent(0, false); err == nil && len(percent) > 0 {
		snap.CPUPercent = percent[0]
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		snap.MemoryUsedPct = vmem.UsedPercent
		snap.MemoryAvailableMB = vmem.Available / 1024 / 1024
	}
	if usage, err := disk.Usage(m.diskPath); err == nil {
		snap.DiskUsedPct = usage.UsedPercent
	}

	m.mu.Lock()
	m.snapshot = snap
	m.mu.Unlock()
}

// Snapshot returns the most recently sampled resource figures.
func (m *ResourceMonitor) Snapshot() ResourceSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// IsMemoryCritical reports whether host memory usage is high enough that
// the engine should pause claiming new work, per spec.md §6's host
// resource throttle.
func (m *ResourceMonitor) IsMemoryCritical(thresholdPercent float64) bool {
	return m.Snapshot().MemoryUsedPct >= thresholdPercent
}

// RequestMetrics counts HTTP requests and errors served by the API layer.
type RequestMetrics struct {
	requestCount int64
	errorCount   int64
	startTime    time.Time
}

// NewRequestMetrics constructs a counter starting now.
func NewRequestMetrics() *RequestMetrics {
	return &RequestMetrics{startTime: time.Now()}
}

// RecordRequest increments the request counter.
func (r *RequestMetrics) RecordRequest() { atomic.AddInt64(&r.requestCount, 1) }

// RecordError increments the error counter.
func (r *RequestMetrics) RecordError() { atomic.AddInt64(&r.errorCount, 1) }

// Snapshot is a point-in-time view of request counters and rates.
type RequestSnapshot struct {
	Uptime       time.Duration `json:"uptime"`
	RequestCount int64         `json:"request_count"`
	ErrorCount   int64         `json:"error_count"`
	ErrorRate    float64       `json:"error_rate_percent"`
}

// Snapshot returns the current request counters.
func (r *RequestMetrics) Snapshot() RequestSnapshot {
	requests := atomic.LoadInt64(&r.requestCount)
	errs := atomic.LoadInt64(&r.errorCount)
	errorRate := 0.0
	if requests > 0 {
		errorRate = float64(errs) / float64(requests) * 100
	}
	return RequestSnapshot{
		Uptime:       time.Since(r.startTime),
		RequestCount: requests,
		ErrorCount:   errs,
		ErrorRate:    errorRate,
	}
}
