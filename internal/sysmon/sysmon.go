// Package sysmon samples host health and feeds it into the event stream as
// system_metrics events, raising performance_alert events when thresholds
// are crossed.
package sysmon

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/event"
	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/metrics"
)

// Emitter pushes sampled events onto the bus.
type Emitter interface {
	Emit(ctx context.Context, e *event.Event) error
}

// Thresholds above which a sample also produces a performance_alert.
type Thresholds struct {
	CPUPercent  float64
	MemPercent  float64
	DiskPercent float64
}

// DefaultThresholds matches the alerting defaults of the management server.
var DefaultThresholds = Thresholds{
	CPUPercent:  90,
	MemPercent:  90,
	DiskPercent: 85,
}

// Monitor periodically samples CPU, memory, and disk. The latest sample is
// cached for the load probe and the get_system_info control response.
type Monitor struct {
	emitter    Emitter
	logger     zerolog.Logger
	interval   time.Duration
	thresholds Thresholds
	diskPath   string

	mu     sync.RWMutex
	latest sample
}

type sample struct {
	takenAt     time.Time
	cpuPercent  float64
	memPercent  float64
	memUsed     uint64
	memTotal    uint64
	diskPercent float64
	diskUsed    uint64
	diskTotal   uint64
	goroutines  int
}

// NewMonitor builds a monitor sampling every interval (default 30s).
func NewMonitor(emitter Emitter, logger zerolog.Logger, interval time.Duration, thresholds Thresholds) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if thresholds == (Thresholds{}) {
		thresholds = DefaultThresholds
	}
	return &Monitor{
		emitter:    emitter,
		logger:     logger.With().Str("component", "sysmon").Logger(),
		interval:   interval,
		thresholds: thresholds,
		diskPath:   "/",
	}
}

// SetEmitter installs the bus after construction. The monitor is built
// before the bus because the batcher needs its load probe.
func (m *Monitor) SetEmitter(e Emitter) {
	m.emitter = e
}

// Run samples until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleOnce(ctx)
		}
	}
}

func (m *Monitor) sampleOnce(ctx context.Context) {
	s := sample{takenAt: time.Now().UTC(), goroutines: runtime.NumGoroutine()}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		s.cpuPercent = percents[0]
	} else if err != nil {
		m.logger.Debug().Err(err).Msg("CPU sample failed")
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.memPercent = vm.UsedPercent
		s.memUsed = vm.Used
		s.memTotal = vm.Total
	} else {
		m.logger.Debug().Err(err).Msg("Memory sample failed")
	}
	if du, err := disk.UsageWithContext(ctx, m.diskPath); err == nil {
		s.diskPercent = du.UsedPercent
		s.diskUsed = du.Used
		s.diskTotal = du.Total
	} else {
		m.logger.Debug().Err(err).Msg("Disk sample failed")
	}

	m.mu.Lock()
	m.latest = s
	m.mu.Unlock()

	metrics.SystemSamples.Inc()
	m.emitMetrics(ctx, s)
	m.emitAlerts(ctx, s)
}

func (m *Monitor) emitMetrics(ctx context.Context, s sample) {
	if m.emitter == nil {
		return
	}
	e, err := event.New(event.TypeSystemMetrics, event.PriorityLow, event.SeverityInfo, map[string]any{
		"cpu_percent":    s.cpuPercent,
		"memory_percent": s.memPercent,
		"memory_used":    s.memUsed,
		"memory_total":   s.memTotal,
		"disk_percent":   s.diskPercent,
		"disk_used":      s.diskUsed,
		"disk_total":     s.diskTotal,
		"goroutines":     s.goroutines,
	})
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to build system metrics event")
		return
	}
	e.Metadata.SourceComponent = "sysmon"
	if err := m.emitter.Emit(ctx, e); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to emit system metrics event")
	}
}

func (m *Monitor) emitAlerts(ctx context.Context, s sample) {
	type breach struct {
		resource  string
		value     float64
		threshold float64
	}
	if m.emitter == nil {
		return
	}
	var breaches []breach
	if m.thresholds.CPUPercent > 0 && s.cpuPercent >= m.thresholds.CPUPercent {
		breaches = append(breaches, breach{"cpu", s.cpuPercent, m.thresholds.CPUPercent})
	}
	if m.thresholds.MemPercent > 0 && s.memPercent >= m.thresholds.MemPercent {
		breaches = append(breaches, breach{"memory", s.memPercent, m.thresholds.MemPercent})
	}
	if m.thresholds.DiskPercent > 0 && s.diskPercent >= m.thresholds.DiskPercent {
		breaches = append(breaches, breach{"disk", s.diskPercent, m.thresholds.DiskPercent})
	}

	for _, b := range breaches {
		e, err := event.New(event.TypePerformanceAlert, event.PriorityCritical, event.SeverityWarning, map[string]any{
			"resource":  b.resource,
			"value":     b.value,
			"threshold": b.threshold,
		})
		if err != nil {
			m.logger.Error().Err(err).Msg("Failed to build performance alert")
			continue
		}
		e.Metadata.SourceComponent = "sysmon"
		if err := m.emitter.Emit(ctx, e); err != nil {
			m.logger.Warn().Err(err).Str("resource", b.resource).Msg("Failed to emit performance alert")
		}
	}
}

// Load reports system load in [0,1], the max of CPU and memory utilization.
// Used by the batcher's adaptive sizing.
func (m *Monitor) Load() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	load := m.latest.cpuPercent
	if m.latest.memPercent > load {
		load = m.latest.memPercent
	}
	return load / 100
}

// Info returns the latest sample for the get_system_info control response.
func (m *Monitor) Info() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.latest
	return map[string]any{
		"sampled_at":     s.takenAt.Format(time.RFC3339),
		"cpu_percent":    s.cpuPercent,
		"memory_percent": s.memPercent,
		"disk_percent":   s.diskPercent,
		"goroutines":     s.goroutines,
	}
}
