package supervisor

import (
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

const resourceSampleInterval = 10 * time.Second

// sampleResources periodically caches CPU and memory usage of the owned
// process so Status can stay a pure in-memory read. It exits when the
// process does.
func (s *Supervisor) sampleResources(pid int, done chan struct{}) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return
	}

	ticker := time.NewTicker(resourceSampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		cpuPct, err := proc.CPUPercent()
		if err != nil {
			continue
		}
		var memMB float64
		if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
			memMB = float64(memInfo.RSS) / (1024 * 1024)
		}

		s.mu.Lock()
		s.cpuPct = cpuPct
		s.memMB = memMB
		s.mu.Unlock()
	}
}
