package worker

import (
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// systemSnapshot returns structured log fields describing host capacity at
// registration time. Metric failures degrade to fewer fields rather than
// blocking startup.
func systemSnapshot() []any {
	fields := []any{
		"goos", runtime.GOOS,
	}
	if cores, err := cpu.Counts(true); err == nil {
		fields = append(fields, "logical_cores", cores)
	}
	if v, err := mem.VirtualMemory(); err == nil {
		fields = append(fields,
			"memory_total_gb", bytesToGB(v.Total),
			"memory_available_gb", bytesToGB(v.Available),
		)
	}
	return fields
}

func bytesToGB(b uint64) float64 {
	return float64(b) / 1024 / 1024 / 1024
}

// checkMemoryPressure validates a worker count against available memory.
// Returns a warning message when the count looks too high, empty when fine
// or when memory stats are unavailable.
func checkMemoryPressure(workers int) string {
	v, err := mem.VirtualMemory()
	if err != nil {
		return ""
	}

	// Rough budget: half a GB per concurrent task plus one GB of headroom.
	const memoryPerWorkerGB = 0.5
	const memoryBufferGB = 1.0

	availableGB := bytesToGB(v.Available)
	usable := availableGB - memoryBufferGB
	if usable < 0 {
		usable = 0
	}
	recommended := int(usable / memoryPerWorkerGB)
	if recommended < 1 {
		recommended = 1
	}

	if workers > recommended {
		return fmt.Sprintf(
			"Worker count (%d) exceeds recommended (%d) for available memory (%.1fGB available of %.1fGB)",
			workers, recommended, availableGB, bytesToGB(v.Total))
	}
	return ""
}
