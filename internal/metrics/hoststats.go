package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/procfs"

	"github.com/dantegpu/gpu-node/internal/domain"
)

// HostStatsSource reads host-wide CPU and memory counters from procfs.
type HostStatsSource struct {
	fs procfs.FS
}

// NewHostStatsSource creates a source rooted at procRoot (normally
// "/proc").
func NewHostStatsSource(procRoot string) (*HostStatsSource, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs at %s: %w", procRoot, err)
	}
	return &HostStatsSource{fs: fs}, nil
}

func (h *HostStatsSource) ReadStats(_ context.Context) (domain.HostCounters, error) {
	stat, err := h.fs.Stat()
	if err != nil {
		return domain.HostCounters{}, fmt.Errorf("failed to read cpu stat: %w", err)
	}
	cpu := stat.CPUTotal
	busy := cpu.User + cpu.Nice + cpu.System + cpu.IRQ + cpu.SoftIRQ + cpu.Steal
	total := busy + cpu.Idle + cpu.Iowait

	mem, err := h.fs.Meminfo()
	if err != nil {
		return domain.HostCounters{}, fmt.Errorf("failed to read meminfo: %w", err)
	}
	var totalMB, usedMB uint64
	if mem.MemTotal != nil {
		totalMB = *mem.MemTotal / 1024
		available := uint64(0)
		if mem.MemAvailable != nil {
			available = *mem.MemAvailable
		} else if mem.MemFree != nil {
			available = *mem.MemFree
		}
		usedMB = (*mem.MemTotal - available) / 1024
	}

	return domain.HostCounters{
		CPUBusy:       busy,
		CPUTotal:      total,
		MemoryUsedMB:  usedMB,
		MemoryTotalMB: totalMB,
	}, nil
}

// Compile-time interface check
var _ domain.StatsSource = (*HostStatsSource)(nil)
