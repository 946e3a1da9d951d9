package domain

import "time"

// GPUDevice is one physical GPU as seen by the last inventory scan.
// Identity and capacity fields are only written by scans; allocation and
// attachment status live in the pool and the passthrough orchestrator.
type GPUDevice struct {
	// ID is the canonical PCI address, e.g. "0000:01:00.0".
	ID     string `json:"id"`
	Vendor string `json:"vendor"`
	Model  string `json:"model"`
	// UUID is the vendor-reported identifier (NVML), empty when unknown.
	UUID          string `json:"uuid,omitempty"`
	VRAMMB        uint64 `json:"vram_mb"`
	ComputeUnits  uint32 `json:"compute_units"`
	DriverVersion string `json:"driver_version,omitempty"`

	// API capability flags. Nil means "not probed on this platform".
	VulkanSupport  *bool    `json:"vulkan_support,omitempty"`
	MetalSupport   *bool    `json:"metal_support,omitempty"`
	DirectXVersion *float32 `json:"directx_version,omitempty"`

	// IOMMUGroup is nil when the device has no resolvable isolation
	// domain link.
	IOMMUGroup *uint64 `json:"iommu_group,omitempty"`

	// Opportunistic telemetry read during the scan. Nil when the read
	// failed or the platform does not expose it.
	TemperatureC   *float64 `json:"temperature_c,omitempty"`
	UtilizationPct *float64 `json:"utilization_percent,omitempty"`
}

// IsolationGroup is one hardware isolation domain and its member device
// addresses. A device belongs to at most one group per scan.
type IsolationGroup struct {
	ID      uint64   `json:"id"`
	Devices []string `json:"devices"`
	// Viable is true when every member is a display or audio function,
	// so passing the group through exposes nothing unrelated.
	Viable bool `json:"viable"`
	// Implicit marks a synthetic single-device group for a device
	// without an iommu_group link.
	Implicit bool `json:"implicit,omitempty"`
}

// AllocationRecord maps an allocated device to its owning consumer.
// Cost is computed once at allocation time and never changes.
type AllocationRecord struct {
	DeviceID    string    `json:"device_id"`
	Consumer    string    `json:"consumer"`
	Cost        float64   `json:"cost"`
	VRAMMB      uint64    `json:"vram_mb"`
	AllocatedAt time.Time `json:"allocated_at"`
}

// Quota limits a consumer's concurrent GPU footprint. A zero limit means
// unlimited for that dimension.
type Quota struct {
	MaxGPUs   int    `json:"max_gpus" yaml:"max_gpus"`
	MaxVRAMMB uint64 `json:"max_vram_mb" yaml:"max_vram_mb"`
}

// Rates are the pricing constants for the allocation cost formula.
type Rates struct {
	PerVRAMMB      float64 `json:"per_vram_mb" yaml:"per_vram_mb"`
	PerComputeUnit float64 `json:"per_compute_unit" yaml:"per_compute_unit"`
}

// SessionState is one step of the driver-switch state machine.
type SessionState string

const (
	StateRequested      SessionState = "requested"
	StateGroupValidated SessionState = "group_validated"
	StateDriverUnbound  SessionState = "driver_unbound"
	StateAltDriverBound SessionState = "alt_driver_bound"
	StateDeviceVerified SessionState = "device_verified"
	StateAttached       SessionState = "attached"
	StateRollingBack    SessionState = "rolling_back"
	StateReleased       SessionState = "released"
	StateFailed         SessionState = "failed"
)

// PassthroughSession tracks one device's journey from the host driver to
// the passthrough driver. OriginalDriver is recorded before unbinding so
// a failed or finished session can restore it.
type PassthroughSession struct {
	ID             string       `json:"id"`
	DeviceID       string       `json:"device_id"`
	Owner          string       `json:"owner"`
	State          SessionState `json:"state"`
	OriginalDriver string       `json:"original_driver,omitempty"`
	StartedAt      time.Time    `json:"started_at"`
}
