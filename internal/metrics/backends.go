package metrics

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dantegpu/gpu-node/internal/domain"
)

// NVMLBackend samples through the vendor GPU library. Primary backend
// for NVIDIA devices.
type NVMLBackend struct {
	provider domain.GPUProvider
}

func NewNVMLBackend(provider domain.GPUProvider) *NVMLBackend {
	return &NVMLBackend{provider: provider}
}

func (b *NVMLBackend) Name() string { return "nvml" }

func (b *NVMLBackend) Sample(_ context.Context, device domain.GPUDevice) (*domain.GPUStats, error) {
	if device.UUID == "" {
		return nil, fmt.Errorf("device %s has no vendor UUID", device.ID)
	}
	return b.provider.GetStats(device.UUID)
}

// SMIBackend shells out to the vendor diagnostic tool and parses its
// CSV output. Used when the library binding is unavailable but the tool
// is on PATH.
type SMIBackend struct {
	Binary string // defaults to "nvidia-smi"
}

func NewSMIBackend() *SMIBackend {
	return &SMIBackend{Binary: "nvidia-smi"}
}

func (b *SMIBackend) Name() string { return "smi" }

func (b *SMIBackend) Sample(ctx context.Context, device domain.GPUDevice) (*domain.GPUStats, error) {
	if device.UUID == "" {
		return nil, fmt.Errorf("device %s has no vendor UUID", device.ID)
	}

	out, err := exec.CommandContext(ctx, b.Binary,
		"--query-gpu=utilization.gpu,memory.used,memory.total,temperature.gpu,power.draw",
		"--format=csv,noheader,nounits",
		"--id="+device.UUID).Output()
	if err != nil {
		return nil, fmt.Errorf("vendor tool failed for %s: %w", device.ID, err)
	}

	return parseSMILine(strings.TrimSpace(string(out)))
}

// parseSMILine parses one "util, mem.used, mem.total, temp, power" CSV
// row. Unqueryable columns show up as "[N/A]" and read as zero.
func parseSMILine(line string) (*domain.GPUStats, error) {
	fields := strings.Split(line, ",")
	if len(fields) < 5 {
		return nil, fmt.Errorf("unexpected vendor tool output: %q", line)
	}

	col := func(i int) float64 {
		v, err := strconv.ParseFloat(strings.TrimSpace(fields[i]), 64)
		if err != nil {
			return 0
		}
		return v
	}

	return &domain.GPUStats{
		UtilizationPct: col(0),
		MemoryUsedMB:   uint64(col(1)),
		MemoryTotalMB:  uint64(col(2)),
		TemperatureC:   int(col(3)),
		PowerWatts:     col(4),
	}, nil
}

// SysfsBackend reads raw telemetry files exposed by the amdgpu driver
// and friends. Last-resort fallback; utilization is mandatory, the rest
// is best effort.
type SysfsBackend struct {
	Root string // "/sys" in production
}

func NewSysfsBackend(root string) *SysfsBackend {
	return &SysfsBackend{Root: root}
}

func (b *SysfsBackend) Name() string { return "sysfs" }

func (b *SysfsBackend) Sample(_ context.Context, device domain.GPUDevice) (*domain.GPUStats, error) {
	devPath := filepath.Join(b.Root, "bus", "pci", "devices", device.ID)

	busy, err := readUintFile(filepath.Join(devPath, "gpu_busy_percent"))
	if err != nil {
		return nil, fmt.Errorf("no sysfs utilization for %s: %w", device.ID, err)
	}

	stats := &domain.GPUStats{UtilizationPct: float64(busy)}
	if used, err := readUintFile(filepath.Join(devPath, "mem_info_vram_used")); err == nil {
		stats.MemoryUsedMB = used / (1024 * 1024)
	}
	if total, err := readUintFile(filepath.Join(devPath, "mem_info_vram_total")); err == nil {
		stats.MemoryTotalMB = total / (1024 * 1024)
	}
	if milli, err := readUintFile(filepath.Join(devPath, "temp1_input")); err == nil {
		stats.TemperatureC = int(milli / 1000)
	}
	if micro, err := readUintFile(filepath.Join(devPath, "power1_average")); err == nil {
		stats.PowerWatts = float64(micro) / 1e6
	}
	return stats, nil
}

func readUintFile(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}

// Compile-time interface checks
var (
	_ domain.TelemetryBackend = (*NVMLBackend)(nil)
	_ domain.TelemetryBackend = (*SMIBackend)(nil)
	_ domain.TelemetryBackend = (*SysfsBackend)(nil)
)
