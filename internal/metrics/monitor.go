package metrics

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// ResourceSnapshot holds current resource usage of the server process.
type ResourceSnapshot struct {
	Timestamp time.Time `json:"timestamp"`

	CPUPercent float64 `json:"cpu_percent"`
	CPUCores   int     `json:"cpu_cores"`
	GoRoutines int     `json:"go_routines"`

	MemoryUsedMB  uint64  `json:"memory_used_mb"`
	MemoryTotalMB uint64  `json:"memory_total_mb"`
	MemoryPercent float64 `json:"memory_percent"`
	HeapAllocMB   uint64  `json:"heap_alloc_mb"`
	HeapSysMB     uint64  `json:"heap_sys_mb"`

	ActiveJobs     int           `json:"active_jobs"`
	MaxConcurrency int           `json:"max_concurrency"`
	Uptime         time.Duration `json:"uptime"`
}

// ResourceMonitor periodically samples process and host resource usage
// and feeds the server gauges.
type ResourceMonitor struct {
	startTime      time.Time
	interval       time.Duration
	maxConcurrency int

	snapshot   ResourceSnapshot
	mu         sync.RWMutex
	activeJobs int

	cpuThreshold    float64
	memoryThreshold float64

	process *process.Process
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewResourceMonitor creates a monitor for the current process.
func NewResourceMonitor(maxConcurrency int) *ResourceMonitor {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logging.Log.WithError(err).Warn("Failed to get process handle for monitoring")
		proc = nil
	}

	return &ResourceMonitor{
		startTime:       time.Now(),
		interval:        30 * time.Second,
		maxConcurrency:  maxConcurrency,
		cpuThreshold:    80.0,
		memoryThreshold: 90.0,
		process:         proc,
		stopCh:          make(chan struct{}),
	}
}

// Start begins the sampling loop.
func (rm *ResourceMonitor) Start(ctx context.Context) {
	rm.wg.Add(1)
	go rm.monitorLoop(ctx)
}

// Stop stops the sampling loop and waits for it to exit.
func (rm *ResourceMonitor) Stop() {
	close(rm.stopCh)
	rm.wg.Wait()
}

func (rm *ResourceMonitor) monitorLoop(ctx context.Context) {
	defer rm.wg.Done()

	ticker := time.NewTicker(rm.interval)
	defer ticker.Stop()

	rm.collect()

	for {
		select {
		case <-ctx.Done():
			logging.Log.Info("Resource monitor stopping due to context cancellation")
			return
		case <-rm.stopCh:
			logging.Log.Info("Resource monitor stopping")
			return
		case <-ticker.C:
			rm.collect()
			rm.checkThresholds()
		}
	}
}

func (rm *ResourceMonitor) collect() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	snapshot := ResourceSnapshot{
		Timestamp:      time.Now(),
		Uptime:         time.Since(rm.startTime),
		MaxConcurrency: rm.maxConcurrency,
		ActiveJobs:     rm.activeJobs,
		CPUCores:       runtime.NumCPU(),
		GoRoutines:     runtime.NumGoroutine(),
	}

	if rm.process != nil {
		if cpuPercent, err := rm.process.CPUPercent(); err == nil {
			snapshot.CPUPercent = cpuPercent
		}
	}

	if vmStat, err := mem.VirtualMemory(); err == nil {
		snapshot.MemoryUsedMB = vmStat.Used / 1024 / 1024
		snapshot.MemoryTotalMB = vmStat.Total / 1024 / 1024
		snapshot.MemoryPercent = vmStat.UsedPercent
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	snapshot.HeapAllocMB = memStats.HeapAlloc / 1024 / 1024
	snapshot.HeapSysMB = memStats.HeapSys / 1024 / 1024

	rm.snapshot = snapshot

	UpdateServerResourceUsage(snapshot.CPUPercent, float64(memStats.HeapAlloc))

	logging.Log.WithField("metrics", snapshot).Debug("Resource metrics collected")
}

func (rm *ResourceMonitor) checkThresholds() {
	rm.mu.RLock()
	snapshot := rm.snapshot
	rm.mu.RUnlock()

	if snapshot.CPUPercent > rm.cpuThreshold {
		logging.Log.WithField("cpu_percent", snapshot.CPUPercent).
			WithField("threshold", rm.cpuThreshold).
			Warn("CPU usage exceeds threshold")
	}

	if snapshot.MemoryPercent > rm.memoryThreshold {
		logging.Log.WithField("memory_percent", snapshot.MemoryPercent).
			WithField("threshold", rm.memoryThreshold).
			Warn("Memory usage exceeds threshold")
	}
}

// GetSnapshot returns the latest resource snapshot.
func (rm *ResourceMonitor) GetSnapshot() ResourceSnapshot {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.snapshot
}

// JobStarted records a job entering execution.
func (rm *ResourceMonitor) JobStarted() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.activeJobs++
	JobsActive.Set(float64(rm.activeJobs))
}

// JobFinished records a job leaving execution.
func (rm *ResourceMonitor) JobFinished() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.activeJobs--
	if rm.activeJobs < 0 {
		rm.activeJobs = 0
	}
	JobsActive.Set(float64(rm.activeJobs))
}
