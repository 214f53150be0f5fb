package util

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
)

// ProcessInfo holds information about the process
type ProcessInfo struct {
	PID         int
	Goroutines  int
	Memory      MemStats
	CPUCores    int
	GoVersion   string
	StartTime   time.Time
	ElapsedTime time.Duration
}

// MemStats holds memory statistics information
type MemStats struct {
	Alloc      string
	TotalAlloc string
	Sys        string
	NumGC      uint32
	HeapAlloc  string
	HeapSys    string
	HeapIdle   string
	HeapInUse  string
	StackInUse string
}

// GetProcessInfo returns diagnostic information about the running process
func GetProcessInfo(startTime time.Time) ProcessInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return ProcessInfo{
		PID:        os.Getpid(),
		Goroutines: runtime.NumGoroutine(),
		Memory: MemStats{
			Alloc:      FormatBytes(int64(m.Alloc)),
			TotalAlloc: FormatBytes(int64(m.TotalAlloc)),
			Sys:        FormatBytes(int64(m.Sys)),
			NumGC:      m.NumGC,
			HeapAlloc:  FormatBytes(int64(m.HeapAlloc)),
			HeapSys:    FormatBytes(int64(m.HeapSys)),
			HeapIdle:   FormatBytes(int64(m.HeapIdle)),
			HeapInUse:  FormatBytes(int64(m.HeapInuse)),
			StackInUse: FormatBytes(int64(m.StackInuse)),
		},
		CPUCores:    runtime.NumCPU(),
		GoVersion:   runtime.Version(),
		StartTime:   startTime,
		ElapsedTime: time.Since(startTime),
	}
}

// StartDiagnosticMonitor starts a goroutine that periodically logs diagnostic information
func StartDiagnosticMonitor(logger zerolog.Logger, startTime time.Time, interval time.Duration) chan struct{} {
	stopChan := make(chan struct{})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stopChan:
				return
			case <-ticker.C:
				info := GetProcessInfo(startTime)
				logger.Info().
					Int("goroutines", info.Goroutines).
					Str("heap_in_use", info.Memory.HeapInUse).
					Str("heap_sys", info.Memory.HeapSys).
					Uint32("gc_cycles", info.Memory.NumGC).
					Msg("diagnostics")
			}
		}
	}()

	return stopChan
}

// LogFullDiagnostics logs detailed diagnostic information
func LogFullDiagnostics(logger zerolog.Logger, startTime time.Time) {
	info := GetProcessInfo(startTime)

	logger.Info().
		Int("pid", info.PID).
		Str("go_version", info.GoVersion).
		Int("cpu_cores", info.CPUCores).
		Int("goroutines", info.Goroutines).
		Str("runtime", info.ElapsedTime.Round(time.Second).String()).
		Str("alloc", info.Memory.Alloc).
		Str("total_alloc", info.Memory.TotalAlloc).
		Str("sys", info.Memory.Sys).
		Str("heap_alloc", info.Memory.HeapAlloc).
		Str("heap_in_use", info.Memory.HeapInUse).
		Str("stack_in_use", info.Memory.StackInUse).
		Uint32("gc_cycles", info.Memory.NumGC).
		Msg("diagnostic report")
}

// FormatBytes formats bytes as human-readable string
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
