package metrics

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dantegpu/gpu-node/internal/adapters/nvml"
	"github.com/dantegpu/gpu-node/internal/domain"
)

func TestParseSMILine(t *testing.T) {
	stats, err := parseSMILine("42, 1024, 8192, 55, 123.45")
	require.NoError(t, err)

	assert.InDelta(t, 42.0, stats.UtilizationPct, 1e-9)
	assert.Equal(t, uint64(1024), stats.MemoryUsedMB)
	assert.Equal(t, uint64(8192), stats.MemoryTotalMB)
	assert.Equal(t, 55, stats.TemperatureC)
	assert.InDelta(t, 123.45, stats.PowerWatts, 1e-9)
}

func TestParseSMILine_NotAvailableColumnsReadZero(t *testing.T) {
	stats, err := parseSMILine("42, [N/A], 8192, [N/A], [N/A]")
	require.NoError(t, err)

	assert.InDelta(t, 42.0, stats.UtilizationPct, 1e-9)
	assert.Equal(t, uint64(0), stats.MemoryUsedMB)
	assert.Equal(t, 0, stats.TemperatureC)
	assert.Zero(t, stats.PowerWatts)
}

func TestParseSMILine_TruncatedOutput(t *testing.T) {
	_, err := parseSMILine("42, 1024")
	assert.Error(t, err)
}

func TestSMIBackend_ParsesToolOutput(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "fake-smi")
	require.NoError(t, os.WriteFile(script,
		[]byte("#!/bin/sh\necho '17, 2048, 16384, 48, 99.5'\n"), 0o755))

	b := &SMIBackend{Binary: script}
	stats, err := b.Sample(context.Background(), domain.GPUDevice{
		ID:   "0000:01:00.0",
		UUID: "GPU-abc",
	})
	require.NoError(t, err)

	assert.InDelta(t, 17.0, stats.UtilizationPct, 1e-9)
	assert.Equal(t, uint64(2048), stats.MemoryUsedMB)
	assert.Equal(t, 48, stats.TemperatureC)
}

func TestSMIBackend_RequiresUUID(t *testing.T) {
	b := NewSMIBackend()

	_, err := b.Sample(context.Background(), domain.GPUDevice{ID: "0000:01:00.0"})
	assert.Error(t, err)
}

func TestNVMLBackend_SamplesByUUID(t *testing.T) {
	provider := nvml.NewMockGPUProvider(nil)
	provider.Stats["GPU-abc"] = &domain.GPUStats{UtilizationPct: 73, TemperatureC: 66}

	b := NewNVMLBackend(provider)
	stats, err := b.Sample(context.Background(), domain.GPUDevice{
		ID:   "0000:01:00.0",
		UUID: "GPU-abc",
	})
	require.NoError(t, err)

	assert.InDelta(t, 73.0, stats.UtilizationPct, 1e-9)
	assert.Equal(t, 66, stats.TemperatureC)
}

func TestNVMLBackend_RequiresUUID(t *testing.T) {
	b := NewNVMLBackend(nvml.NewMockGPUProvider(nil))

	_, err := b.Sample(context.Background(), domain.GPUDevice{ID: "0000:01:00.0"})
	assert.Error(t, err)
}

func writeSysfsTelemetry(t *testing.T, root, addr string, files map[string]string) {
	t.Helper()
	devDir := filepath.Join(root, "bus", "pci", "devices", addr)
	require.NoError(t, os.MkdirAll(devDir, 0o755))
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(devDir, name), []byte(content+"\n"), 0o644))
	}
}

func TestSysfsBackend_ReadsDriverTelemetry(t *testing.T) {
	root := t.TempDir()
	writeSysfsTelemetry(t, root, "0000:03:00.0", map[string]string{
		"gpu_busy_percent":    "64",
		"mem_info_vram_used":  "4294967296",
		"mem_info_vram_total": "17179869184",
		"temp1_input":         "67000",
		"power1_average":      "215000000",
	})

	b := NewSysfsBackend(root)
	stats, err := b.Sample(context.Background(), domain.GPUDevice{ID: "0000:03:00.0"})
	require.NoError(t, err)

	assert.InDelta(t, 64.0, stats.UtilizationPct, 1e-9)
	assert.Equal(t, uint64(4096), stats.MemoryUsedMB)
	assert.Equal(t, uint64(16384), stats.MemoryTotalMB)
	assert.Equal(t, 67, stats.TemperatureC)
	assert.InDelta(t, 215.0, stats.PowerWatts, 1e-9)
}

func TestSysfsBackend_UtilizationMandatory(t *testing.T) {
	root := t.TempDir()
	writeSysfsTelemetry(t, root, "0000:03:00.0", map[string]string{
		"mem_info_vram_used": "4294967296",
	})

	b := NewSysfsBackend(root)
	_, err := b.Sample(context.Background(), domain.GPUDevice{ID: "0000:03:00.0"})
	assert.Error(t, err)
}

func TestSysfsBackend_PartialTelemetryIsFine(t *testing.T) {
	root := t.TempDir()
	writeSysfsTelemetry(t, root, "0000:03:00.0", map[string]string{
		"gpu_busy_percent": "12",
	})

	b := NewSysfsBackend(root)
	stats, err := b.Sample(context.Background(), domain.GPUDevice{ID: "0000:03:00.0"})
	require.NoError(t, err)

	assert.InDelta(t, 12.0, stats.UtilizationPct, 1e-9)
	assert.Zero(t, stats.MemoryUsedMB)
	assert.Zero(t, stats.TemperatureC)
}
