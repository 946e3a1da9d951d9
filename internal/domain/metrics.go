package domain

import (
	"context"
	"time"
)

// GPUStats is one point-in-time reading of a GPU's live counters.
type GPUStats struct {
	UtilizationPct float64 `json:"utilization_percent"`
	MemoryUsedMB   uint64  `json:"memory_used_mb"`
	MemoryTotalMB  uint64  `json:"memory_total_mb"`
	TemperatureC   int     `json:"temperature_c"`
	PowerWatts     float64 `json:"power_watts"`
}

// MetricSample is one tick of resource usage for a monitored entity.
// GPU is nil when the entity has no attached device or every telemetry
// backend failed for the tick.
type MetricSample struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryUsedMB  uint64    `json:"memory_used_mb"`
	MemoryTotalMB uint64    `json:"memory_total_mb"`
	GPU           *GPUStats `json:"gpu,omitempty"`
}

// HostCounters are raw cumulative CPU counters plus current memory usage
// from a stats source. The collector turns consecutive CPU readings into
// a usage percentage, keeping the previous reading per entity.
type HostCounters struct {
	CPUBusy  float64
	CPUTotal float64

	MemoryUsedMB  uint64
	MemoryTotalMB uint64
}

// StatsSource reads CPU/memory counters for one entity (the host itself
// or a sandbox).
type StatsSource interface {
	ReadStats(ctx context.Context) (HostCounters, error)
}

// TelemetryBackend reads live GPU counters for a device. Backends are
// tried in order; any error just moves on to the next one.
type TelemetryBackend interface {
	Name() string
	Sample(ctx context.Context, device GPUDevice) (*GPUStats, error)
}

// GPUSpec is a vendor library's static view of one GPU, used to enrich
// the sysfs inventory.
type GPUSpec struct {
	UUID         string `json:"uuid"`
	Name         string `json:"name"`
	MemoryTotal  uint64 `json:"memory_total_mb"`
	ComputeUnits uint32 `json:"compute_units"`
	PCIBusID     string `json:"pci_bus_id"`
	DriverVer    string `json:"driver_version"`
}

// GPUProvider abstracts the vendor GPU library (NVML or mock).
type GPUProvider interface {
	// Init initializes the provider; a failure means no vendor
	// enrichment, never a failed scan.
	Init() error
	// Shutdown cleanly shuts down the provider.
	Shutdown() error
	// GetDeviceCount returns the number of GPUs the vendor library sees.
	GetDeviceCount() (int, error)
	// GetSpecs returns static specifications for all GPUs.
	GetSpecs() ([]GPUSpec, error)
	// GetStats returns live counters for the GPU with the given vendor
	// UUID.
	GetStats(uuid string) (*GPUStats, error)
}
