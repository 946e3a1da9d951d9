package inventory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dantegpu/gpu-node/internal/adapters/nvml"
	"github.com/dantegpu/gpu-node/internal/domain"
)

// fakeSysfs builds a minimal PCI sysfs tree under a temp dir.
type fakeSysfs struct {
	t    *testing.T
	root string
}

func newFakeSysfs(t *testing.T) *fakeSysfs {
	t.Helper()
	return &fakeSysfs{t: t, root: t.TempDir()}
}

func (f *fakeSysfs) addDevice(addr string, files map[string]string) {
	f.t.Helper()
	dir := filepath.Join(f.root, "bus", "pci", "devices", addr)
	require.NoError(f.t, os.MkdirAll(dir, 0o755))
	for name, content := range files {
		require.NoError(f.t, os.WriteFile(filepath.Join(dir, name), []byte(content+"\n"), 0o644))
	}
}

func (f *fakeSysfs) addToGroup(addr, group string) {
	f.t.Helper()
	groupDir := filepath.Join(f.root, "kernel", "iommu_groups", group, "devices")
	require.NoError(f.t, os.MkdirAll(groupDir, 0o755))

	devDir := filepath.Join(f.root, "bus", "pci", "devices", addr)
	require.NoError(f.t, os.Symlink(devDir, filepath.Join(groupDir, addr)))
	require.NoError(f.t, os.Symlink(
		filepath.Join(f.root, "kernel", "iommu_groups", group),
		filepath.Join(devDir, "iommu_group")))
}

// enableIommu makes the group directory non-empty even when no device is
// grouped, simulating an active IOMMU with unrelated groups.
func (f *fakeSysfs) enableIommu() {
	f.t.Helper()
	require.NoError(f.t, os.MkdirAll(filepath.Join(f.root, "kernel", "iommu_groups", "99"), 0o755))
}

func gpuFiles(vendor string) map[string]string {
	return map[string]string{
		"vendor": vendor,
		"class":  "0x030000",
		"uevent": "DRIVER=nouveau\nPCI_ID=10DE:2204\nPCI_SUBSYS_ID=10DE:1454",
	}
}

func TestScan_KeepsOnlyKnownGPUVendors(t *testing.T) {
	fs := newFakeSysfs(t)
	fs.addDevice("0000:01:00.0", gpuFiles("0x10de"))
	fs.addDevice("0000:02:00.0", map[string]string{"vendor": "0x8086", "class": "0x020000"}) // NIC
	fs.addDevice("0000:03:00.0", map[string]string{"vendor": "0x1234", "class": "0x030000"}) // unknown vendor

	m := NewManager(fs.root, nil)
	devices, err := m.Scan()

	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "0000:01:00.0", devices[0].ID)
	assert.Equal(t, "NVIDIA", devices[0].Vendor)
	assert.Equal(t, "10DE:2204", devices[0].Model)
}

func TestScan_SkipsDeviceWithUnreadableIdentity(t *testing.T) {
	fs := newFakeSysfs(t)
	fs.addDevice("0000:01:00.0", gpuFiles("0x10de"))
	fs.addDevice("0000:02:00.0", map[string]string{"vendor": "0x10de"}) // no class file

	m := NewManager(fs.root, nil)
	devices, err := m.Scan()

	require.NoError(t, err)
	assert.Len(t, devices, 1)
}

func TestScan_TelemetryIsOpportunistic(t *testing.T) {
	fs := newFakeSysfs(t)
	amd := map[string]string{
		"vendor":              "0x1002",
		"class":               "0x030000",
		"mem_info_vram_total": "17163091968", // 16368 MB
		"temp1_input":         "54000",
		"gpu_busy_percent":    "37",
	}
	fs.addDevice("0000:01:00.0", amd)
	fs.addDevice("0000:02:00.0", gpuFiles("0x10de")) // no telemetry files

	m := NewManager(fs.root, nil)
	devices, err := m.Scan()
	require.NoError(t, err)
	require.Len(t, devices, 2)

	withTelemetry := devices[0]
	assert.Equal(t, uint64(16368), withTelemetry.VRAMMB)
	require.NotNil(t, withTelemetry.TemperatureC)
	assert.InDelta(t, 54.0, *withTelemetry.TemperatureC, 0.001)
	require.NotNil(t, withTelemetry.UtilizationPct)
	assert.InDelta(t, 37.0, *withTelemetry.UtilizationPct, 0.001)

	bare := devices[1]
	assert.Nil(t, bare.TemperatureC)
	assert.Nil(t, bare.UtilizationPct)
}

func TestScan_FailsWhenDeviceTreeMissing(t *testing.T) {
	m := NewManager(t.TempDir(), nil)

	_, err := m.Scan()

	assert.ErrorIs(t, err, domain.ErrSystemIoError)
}

func TestScan_EnrichesFromVendorProvider(t *testing.T) {
	fs := newFakeSysfs(t)
	fs.addDevice("0000:01:00.0", gpuFiles("0x10de"))

	provider := nvml.NewMockGPUProvider([]domain.GPUSpec{{
		UUID:         "GPU-deadbeef",
		Name:         "RTX 4090",
		MemoryTotal:  24564,
		ComputeUnits: 128,
		PCIBusID:     "0000:01:00.0",
		DriverVer:    "550.54",
	}})

	m := NewManager(fs.root, provider)
	devices, err := m.Scan()

	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "GPU-deadbeef", devices[0].UUID)
	assert.Equal(t, "RTX 4090", devices[0].Model)
	assert.Equal(t, uint64(24564), devices[0].VRAMMB)
	assert.Equal(t, uint32(128), devices[0].ComputeUnits)
	assert.Equal(t, "550.54", devices[0].DriverVersion)
}

func TestBuildGroups_DeviceAppearsInAtMostOneGroup(t *testing.T) {
	fs := newFakeSysfs(t)
	fs.addDevice("0000:01:00.0", gpuFiles("0x10de"))
	fs.addDevice("0000:02:00.0", gpuFiles("0x10de"))
	fs.addToGroup("0000:01:00.0", "13")
	fs.addToGroup("0000:02:00.0", "14")

	m := NewManager(fs.root, nil)
	_, err := m.Scan()
	require.NoError(t, err)

	groups, err := m.BuildGroups()
	require.NoError(t, err)

	seen := make(map[string]int)
	for _, g := range groups {
		for _, dev := range g.Devices {
			seen[dev]++
		}
	}
	for dev, count := range seen {
		assert.Equal(t, 1, count, "device %s must belong to exactly one group", dev)
	}
}

func TestBuildGroups_SingleGPUGroupIsViable(t *testing.T) {
	fs := newFakeSysfs(t)
	fs.addDevice("0000:01:00.0", gpuFiles("0x10de"))
	fs.addToGroup("0000:01:00.0", "13")

	m := NewManager(fs.root, nil)
	_, err := m.Scan()
	require.NoError(t, err)

	groups, err := m.BuildGroups()
	require.NoError(t, err)

	require.Contains(t, groups, uint64(13))
	assert.True(t, groups[13].Viable)
	assert.NoError(t, m.CheckGroupViable("0000:01:00.0"))
}

func TestBuildGroups_AudioCompanionKeepsGroupViable(t *testing.T) {
	fs := newFakeSysfs(t)
	fs.addDevice("0000:01:00.0", gpuFiles("0x10de"))
	fs.addDevice("0000:01:00.1", map[string]string{"vendor": "0x10de", "class": "0x040300"})
	fs.addToGroup("0000:01:00.0", "13")
	fs.addToGroup("0000:01:00.1", "13")

	m := NewManager(fs.root, nil)
	_, err := m.Scan()
	require.NoError(t, err)

	groups, err := m.BuildGroups()
	require.NoError(t, err)

	require.Contains(t, groups, uint64(13))
	assert.True(t, groups[13].Viable)
	assert.Len(t, groups[13].Devices, 2)
}

func TestBuildGroups_UnrelatedDeviceMakesGroupUnsafe(t *testing.T) {
	fs := newFakeSysfs(t)
	fs.addDevice("0000:01:00.0", gpuFiles("0x10de"))
	fs.addDevice("0000:02:00.0", map[string]string{"vendor": "0x8086", "class": "0x020000"})
	fs.addToGroup("0000:01:00.0", "13")
	fs.addToGroup("0000:02:00.0", "13")

	m := NewManager(fs.root, nil)
	_, err := m.Scan()
	require.NoError(t, err)

	groups, err := m.BuildGroups()
	require.NoError(t, err)

	require.Contains(t, groups, uint64(13))
	assert.False(t, groups[13].Viable)

	err = m.CheckGroupViable("0000:01:00.0")
	assert.ErrorIs(t, err, domain.ErrIommuGroupUnsafe)
	assert.Contains(t, err.Error(), "13")
}

func TestScan_RecomputesGroupsItself(t *testing.T) {
	fs := newFakeSysfs(t)
	fs.addDevice("0000:01:00.0", gpuFiles("0x10de"))
	fs.addDevice("0000:02:00.0", map[string]string{"vendor": "0x8086", "class": "0x020000"})
	fs.addToGroup("0000:01:00.0", "5")
	fs.addToGroup("0000:02:00.0", "5")

	m := NewManager(fs.root, nil)
	_, err := m.Scan()
	require.NoError(t, err)

	// No BuildGroups call: the verdict must already see the NIC peer.
	err = m.CheckGroupViable("0000:01:00.0")
	assert.ErrorIs(t, err, domain.ErrIommuGroupUnsafe,
		"GPU sharing a group with a NIC must not be viable")

	group, ok := m.GroupFor("0000:01:00.0")
	require.True(t, ok)
	assert.False(t, group.Viable)
	assert.Len(t, group.Devices, 2)
}

func TestGroupFor_LinkedDeviceMissingFromMapFailsClosed(t *testing.T) {
	fs := newFakeSysfs(t)
	fs.addDevice("0000:01:00.0", gpuFiles("0x10de"))
	fs.addToGroup("0000:01:00.0", "5")

	m := NewManager(fs.root, nil)
	_, err := m.Scan()
	require.NoError(t, err)

	// Force the map out of step with the device snapshot.
	m.mu.Lock()
	m.groups = make(map[uint64]domain.IsolationGroup)
	m.mu.Unlock()

	group, ok := m.GroupFor("0000:01:00.0")
	require.True(t, ok)
	assert.False(t, group.Viable)
	assert.False(t, group.Implicit)

	err = m.CheckGroupViable("0000:01:00.0")
	assert.ErrorIs(t, err, domain.ErrIommuGroupUnsafe)
}

func TestGroupFor_UngroupedDeviceGetsImplicitGroup(t *testing.T) {
	fs := newFakeSysfs(t)
	fs.addDevice("0000:01:00.0", gpuFiles("0x10de")) // no iommu_group link
	fs.enableIommu()

	m := NewManager(fs.root, nil)
	_, err := m.Scan()
	require.NoError(t, err)
	_, err = m.BuildGroups()
	require.NoError(t, err)

	group, ok := m.GroupFor("0000:01:00.0")
	require.True(t, ok)
	assert.True(t, group.Implicit)
	assert.True(t, group.Viable)
	assert.Equal(t, []string{"0000:01:00.0"}, group.Devices)
}

func TestScan_DegradesWhenIommuUnsupported(t *testing.T) {
	fs := newFakeSysfs(t)
	fs.addDevice("0000:01:00.0", gpuFiles("0x10de")) // no kernel/iommu_groups at all

	m := NewManager(fs.root, nil)
	devices, err := m.Scan()
	require.NoError(t, err)
	require.Len(t, devices, 1)

	groups, err := m.BuildGroups()
	require.NoError(t, err)
	assert.Empty(t, groups)

	err = m.CheckGroupViable("0000:01:00.0")
	assert.ErrorIs(t, err, domain.ErrIommuGroupUnsafe)
}

func TestCheckGroupViable_UnknownDevice(t *testing.T) {
	fs := newFakeSysfs(t)
	fs.addDevice("0000:01:00.0", gpuFiles("0x10de"))

	m := NewManager(fs.root, nil)
	_, err := m.Scan()
	require.NoError(t, err)

	err = m.CheckGroupViable("0000:ff:00.0")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
