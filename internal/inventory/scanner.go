package inventory

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/dantegpu/gpu-node/internal/domain"
)

// PCI vendor ids accepted as GPU candidates.
var vendorNames = map[string]string{
	"0x10de": "NVIDIA",
	"0x1002": "AMD",
	"0x8086": "Intel",
}

const (
	classPrefixDisplay = "0x03"   // display controllers
	classPrefixAudio   = "0x0403" // HDMI/DP audio companion functions
)

// Manager owns the device inventory. Devices and groups are replaced
// wholesale on each scan and read-shared through copying accessors.
type Manager struct {
	mu        sync.RWMutex
	sysfsRoot string
	provider  domain.GPUProvider // nil when no vendor library is available

	devices      []domain.GPUDevice
	groups       map[uint64]domain.IsolationGroup
	iommuEnabled bool
}

// NewManager creates an inventory manager rooted at sysfsRoot (normally
// "/sys"; tests point it at a fixture tree). provider may be nil.
func NewManager(sysfsRoot string, provider domain.GPUProvider) *Manager {
	return &Manager{
		sysfsRoot: sysfsRoot,
		provider:  provider,
		groups:    make(map[uint64]domain.IsolationGroup),
	}
}

// Scan enumerates PCI devices, keeps display-class devices from known GPU
// vendors, and replaces the inventory snapshot, isolation groups
// included. A device whose mandatory identity files cannot be read is
// logged and skipped; telemetry reads are opportunistic and never fail
// the scan.
func (m *Manager) Scan() ([]domain.GPUDevice, error) {
	devicesDir := filepath.Join(m.sysfsRoot, "bus", "pci", "devices")
	entries, err := os.ReadDir(devicesDir)
	if err != nil {
		return nil, domain.WrapErr(domain.CodeSystemIoError, devicesDir, err)
	}

	devices := make([]domain.GPUDevice, 0, len(entries))
	for _, entry := range entries {
		addr := entry.Name()
		devPath := filepath.Join(devicesDir, addr)

		class, err := readSysfsValue(devPath, "class")
		if err != nil {
			slog.Warn("skipping device without readable class", "device", addr, "error", err)
			continue
		}
		if !strings.HasPrefix(class, classPrefixDisplay) {
			continue
		}

		vendorID, err := readSysfsValue(devPath, "vendor")
		if err != nil {
			slog.Warn("skipping device without readable vendor", "device", addr, "error", err)
			continue
		}
		vendor, ok := vendorNames[strings.ToLower(vendorID)]
		if !ok {
			continue
		}

		dev := domain.GPUDevice{
			ID:     addr,
			Vendor: vendor,
			Model:  readModel(devPath),
		}

		// GPU vendors on Linux all ship Vulkan-capable drivers for
		// the display classes we accept.
		vulkan := true
		dev.VulkanSupport = &vulkan

		if group, ok := readGroupID(devPath); ok {
			dev.IOMMUGroup = &group
		}
		if vram, err := readSysfsUint(devPath, "mem_info_vram_total"); err == nil {
			dev.VRAMMB = vram / (1024 * 1024)
		}
		if milli, err := readSysfsUint(devPath, "temp1_input"); err == nil {
			temp := float64(milli) / 1000.0
			dev.TemperatureC = &temp
		}
		if busy, err := readSysfsUint(devPath, "gpu_busy_percent"); err == nil {
			util := float64(busy)
			dev.UtilizationPct = &util
		}

		devices = append(devices, dev)
	}

	m.enrichFromProvider(devices)

	iommuEnabled := m.detectIommuSupport()
	if !iommuEnabled {
		slog.Warn("IOMMU support not detected, devices will not be passthrough capable")
	}

	m.mu.Lock()
	m.devices = devices
	m.iommuEnabled = iommuEnabled
	m.rebuildGroupsLocked()
	m.mu.Unlock()

	return m.Devices(), nil
}

// enrichFromProvider overlays vendor-library specs (model name, VRAM,
// compute units, driver version) onto scanned devices, matched by PCI
// address. Provider failures leave the sysfs data as-is.
func (m *Manager) enrichFromProvider(devices []domain.GPUDevice) {
	if m.provider == nil {
		return
	}
	specs, err := m.provider.GetSpecs()
	if err != nil {
		slog.Debug("vendor GPU library unavailable for enrichment", "error", err)
		return
	}

	byBusID := make(map[string]domain.GPUSpec, len(specs))
	for _, spec := range specs {
		byBusID[strings.ToLower(spec.PCIBusID)] = spec
	}

	for i := range devices {
		spec, ok := byBusID[strings.ToLower(devices[i].ID)]
		if !ok {
			continue
		}
		devices[i].UUID = spec.UUID
		devices[i].Model = spec.Name
		devices[i].VRAMMB = spec.MemoryTotal
		devices[i].ComputeUnits = spec.ComputeUnits
		devices[i].DriverVersion = spec.DriverVer
	}
}

// detectIommuSupport reports whether the kernel exposes any IOMMU groups
// at all. When it does not, scanning degrades to a passthrough-incapable
// inventory instead of erroring.
func (m *Manager) detectIommuSupport() bool {
	entries, err := os.ReadDir(filepath.Join(m.sysfsRoot, "kernel", "iommu_groups"))
	return err == nil && len(entries) > 0
}

// Devices returns a copy of the current inventory snapshot.
func (m *Manager) Devices() []domain.GPUDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.GPUDevice, len(m.devices))
	copy(out, m.devices)
	return out
}

// Device returns the device with the given PCI address.
func (m *Manager) Device(id string) (domain.GPUDevice, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, dev := range m.devices {
		if dev.ID == id {
			return dev, true
		}
	}
	return domain.GPUDevice{}, false
}

// readModel extracts a model identifier from the device uevent. The
// PCI_ID pair is the stable fallback when no vendor library names the
// card.
func readModel(devPath string) string {
	data, err := os.ReadFile(filepath.Join(devPath, "uevent"))
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		key, value, found := strings.Cut(line, "=")
		if found && key == "PCI_ID" {
			return value
		}
	}
	return ""
}

// readGroupID resolves the device's iommu_group symlink to a numeric
// group id. The string path fragment is parsed exactly once, here.
func readGroupID(devPath string) (uint64, bool) {
	target, err := os.Readlink(filepath.Join(devPath, "iommu_group"))
	if err != nil {
		return 0, false
	}
	id, err := strconv.ParseUint(filepath.Base(target), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func readSysfsValue(devPath, name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(devPath, name))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readSysfsUint(devPath, name string) (uint64, error) {
	value, err := readSysfsValue(devPath, name)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(value, 10, 64)
}
