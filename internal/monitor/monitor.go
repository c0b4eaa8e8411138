package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/scanwatch/rdio-monitor/pkg/logger"
)

// maxDurationSamples bounds the rolling window of per-call processing times.
const maxDurationSamples = 1000

// memoryAlertPct is the used-memory percentage above which health degrades
// to warning.
const memoryAlertPct = 90

// Aggregate health statuses. Unhealthy dominates warning dominates healthy.
const (
	StatusHealthy   = "healthy"
	StatusWarning   = "warning"
	StatusUnhealthy = "unhealthy"
)

// StorePinger is the slice of the record store the monitor probes.
type StorePinger interface {
	Ping(ctx context.Context) error
}

// ConnectionTester is the slice of the scanner client the monitor probes.
type ConnectionTester interface {
	TestConnection(ctx context.Context) bool
}

// Monitor aggregates counters and timings from the ingestion loop and
// probes dependent components. Counters are updated from the poll path and
// read from the health-check path, so everything is mutex-guarded.
type Monitor struct {
	mu             sync.Mutex
	startTime      time.Time
	callsProcessed int64
	errorCount     int64
	durations      []float64 // seconds, most recent maxDurationSamples

	diskThresholdPct int
	watchedDirs      []string
	logger           *logger.Logger
}

// SystemStats is a point-in-time view of the monitor counters.
type SystemStats struct {
	Timestamp         time.Time `json:"timestamp"`
	UptimeSeconds     float64   `json:"uptime_seconds"`
	CallsProcessed    int64     `json:"calls_processed"`
	ErrorCount        int64     `json:"error_count"`
	AvgProcessingTime float64   `json:"avg_processing_time"`
	CallsPerHour      float64   `json:"calls_per_hour"`
	ErrorRate         float64   `json:"error_rate"`
}

// ComponentHealth is the per-component detail in a health check result.
type ComponentHealth struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// DiskHealth reports capacity for one watched directory.
type DiskHealth struct {
	Path        string  `json:"path"`
	TotalBytes  uint64  `json:"total_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
	UsedPercent float64 `json:"used_percent"`
	Alert       bool    `json:"alert"`
}

// MemoryHealth reports system memory usage.
type MemoryHealth struct {
	TotalBytes  uint64  `json:"total_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
	UsedPercent float64 `json:"used_percent"`
	Alert       bool    `json:"alert"`
}

// HealthStatus is the aggregate health check result.
type HealthStatus struct {
	Timestamp     time.Time                  `json:"timestamp"`
	OverallStatus string                     `json:"overall_status"`
	Components    map[string]ComponentHealth `json:"components"`
	Disks         []DiskHealth               `json:"disks"`
	Memory        *MemoryHealth              `json:"memory,omitempty"`
	SystemStats   *SystemStats               `json:"system_stats"`
}

// New creates a monitor watching the given directories for disk capacity.
func New(diskThresholdPct int, watchedDirs []string, logger *logger.Logger) *Monitor {
	return &Monitor{
		startTime:        time.Now().UTC(),
		diskThresholdPct: diskThresholdPct,
		watchedDirs:      watchedDirs,
		logger:           logger.Named("monitor"),
	}
}

// RecordCallProcessed records one processed call and its processing time.
func (m *Monitor) RecordCallProcessed(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.callsProcessed++
	m.durations = append(m.durations, d.Seconds())
	if len(m.durations) > maxDurationSamples {
		m.durations = m.durations[len(m.durations)-maxDurationSamples:]
	}
}

// RecordError records one error.
func (m *Monitor) RecordError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorCount++
}

// SystemStats derives throughput and error rate from the rolling window.
func (m *Monitor) SystemStats() *SystemStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	uptime := now.Sub(m.startTime).Seconds()

	var avg float64
	if len(m.durations) > 0 {
		var sum float64
		for _, d := range m.durations {
			sum += d
		}
		avg = sum / float64(len(m.durations))
	}

	var perHour float64
	if uptime > 0 {
		perHour = float64(m.callsProcessed) / (uptime / 3600)
	}

	processed := m.callsProcessed
	if processed < 1 {
		processed = 1
	}

	return &SystemStats{
		Timestamp:         now,
		UptimeSeconds:     uptime,
		CallsProcessed:    m.callsProcessed,
		ErrorCount:        m.errorCount,
		AvgProcessingTime: avg,
		CallsPerHour:      perHour,
		ErrorRate:         float64(m.errorCount) / float64(processed),
	}
}

// CheckDiskSpace reports usage for one path against the alert threshold.
func (m *Monitor) CheckDiskSpace(path string) (*DiskHealth, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return nil, fmt.Errorf("failed to stat filesystem for %s: %w", path, err)
	}

	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	var usedPct float64
	if total > 0 {
		usedPct = float64(total-free) / float64(total) * 100
	}

	return &DiskHealth{
		Path:        path,
		TotalBytes:  total,
		FreeBytes:   free,
		UsedPercent: usedPct,
		Alert:       usedPct > float64(m.diskThresholdPct),
	}, nil
}

// CheckMemory reports system memory usage. Buffers and cache count as
// reclaimable, matching how free memory is usually read.
func (m *Monitor) CheckMemory() (*MemoryHealth, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return nil, fmt.Errorf("failed to read system memory info: %w", err)
	}

	unit := uint64(info.Unit)
	total := uint64(info.Totalram) * unit
	free := (uint64(info.Freeram) + uint64(info.Bufferram)) * unit
	var usedPct float64
	if total > 0 {
		usedPct = float64(total-free) / float64(total) * 100
	}

	return &MemoryHealth{
		TotalBytes:  total,
		FreeBytes:   free,
		UsedPercent: usedPct,
		Alert:       usedPct > memoryAlertPct,
	}, nil
}

// PerformHealthCheck probes the store, the scanner API, memory, and watched
// directories, producing an aggregate status.
func (m *Monitor) PerformHealthCheck(ctx context.Context, store StorePinger, client ConnectionTester) *HealthStatus {
	health := &HealthStatus{
		Timestamp:     time.Now().UTC(),
		OverallStatus: StatusHealthy,
		Components:    make(map[string]ComponentHealth),
	}

	// Store connectivity
	if err := store.Ping(ctx); err != nil {
		health.Components["database"] = ComponentHealth{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("store ping failed: %v", err),
		}
		health.OverallStatus = escalate(health.OverallStatus, StatusUnhealthy)
	} else {
		health.Components["database"] = ComponentHealth{
			Status:  StatusHealthy,
			Message: "store connection successful",
		}
	}

	// Remote API connectivity
	if client.TestConnection(ctx) {
		health.Components["api"] = ComponentHealth{
			Status:  StatusHealthy,
			Message: "scanner API reachable",
		}
	} else {
		health.Components["api"] = ComponentHealth{
			Status:  StatusUnhealthy,
			Message: "scanner API unreachable",
		}
		health.OverallStatus = escalate(health.OverallStatus, StatusUnhealthy)
	}

	// Memory pressure
	if mem, err := m.CheckMemory(); err != nil {
		m.logger.Warn("Memory check failed", logger.Error(err))
		health.OverallStatus = escalate(health.OverallStatus, StatusWarning)
	} else {
		health.Memory = mem
		if mem.Alert {
			health.OverallStatus = escalate(health.OverallStatus, StatusWarning)
		}
	}

	// Disk capacity for the audio, log, and temp directories
	for _, dir := range m.watchedDirs {
		disk, err := m.CheckDiskSpace(dir)
		if err != nil {
			m.logger.Warn("Disk check failed",
				logger.String("path", dir),
				logger.Error(err),
			)
			health.OverallStatus = escalate(health.OverallStatus, StatusWarning)
			continue
		}
		health.Disks = append(health.Disks, *disk)
		if disk.Alert {
			health.OverallStatus = escalate(health.OverallStatus, StatusWarning)
		}
	}

	health.SystemStats = m.SystemStats()
	MetricHealthStatus.Set(statusValue(health.OverallStatus))

	return health
}

// escalate merges statuses with unhealthy > warning > healthy precedence.
func escalate(current, incoming string) string {
	rank := map[string]int{StatusHealthy: 0, StatusWarning: 1, StatusUnhealthy: 2}
	if rank[incoming] > rank[current] {
		return incoming
	}
	return current
}

func statusValue(status string) float64 {
	switch status {
	case StatusWarning:
		return 1
	case StatusUnhealthy:
		return 2
	}
	return 0
}
