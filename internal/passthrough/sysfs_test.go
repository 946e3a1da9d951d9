package passthrough

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSysfsTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	devDir := filepath.Join(root, "bus", "pci", "devices", "0000:01:00.0")
	require.NoError(t, os.MkdirAll(devDir, 0o755))

	driverDir := filepath.Join(root, "bus", "pci", "drivers", "nouveau")
	require.NoError(t, os.MkdirAll(driverDir, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "bus", "pci", "drivers", "vfio-pci"), 0o755))

	require.NoError(t, os.Symlink(driverDir, filepath.Join(devDir, "driver")))
	require.NoError(t, os.WriteFile(filepath.Join(devDir, "power_state"), []byte("D0\n"), 0o644))
	return root
}

func TestCurrentDriver_ResolvesSymlink(t *testing.T) {
	root := newSysfsTree(t)
	ops := NewSysfsDriverOps(root)

	driver, err := ops.CurrentDriver("0000:01:00.0")

	require.NoError(t, err)
	assert.Equal(t, "nouveau", driver)
}

func TestCurrentDriver_NoDriverBound(t *testing.T) {
	root := newSysfsTree(t)
	require.NoError(t, os.Remove(filepath.Join(root, "bus", "pci", "devices", "0000:01:00.0", "driver")))
	ops := NewSysfsDriverOps(root)

	driver, err := ops.CurrentDriver("0000:01:00.0")

	require.NoError(t, err)
	assert.Empty(t, driver)
}

func TestUnbind_WritesDeviceAddress(t *testing.T) {
	root := newSysfsTree(t)
	ops := NewSysfsDriverOps(root)

	err := ops.Unbind(context.Background(), "0000:01:00.0", "nouveau")

	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(root, "bus", "pci", "drivers", "nouveau", "unbind"))
	require.NoError(t, err)
	assert.Equal(t, "0000:01:00.0", string(data))
}

func TestSetOverride_WritesAndClears(t *testing.T) {
	root := newSysfsTree(t)
	ops := NewSysfsDriverOps(root)
	overridePath := filepath.Join(root, "bus", "pci", "devices", "0000:01:00.0", "driver_override")

	require.NoError(t, ops.SetOverride(context.Background(), "0000:01:00.0", "vfio-pci"))
	data, err := os.ReadFile(overridePath)
	require.NoError(t, err)
	assert.Equal(t, "vfio-pci", string(data))

	require.NoError(t, ops.SetOverride(context.Background(), "0000:01:00.0", ""))
	data, err = os.ReadFile(overridePath)
	require.NoError(t, err)
	assert.Equal(t, "\n", string(data))
}

func TestProbe_WritesToDriversProbe(t *testing.T) {
	root := newSysfsTree(t)
	ops := NewSysfsDriverOps(root)

	require.NoError(t, ops.Probe(context.Background(), "0000:01:00.0"))

	data, err := os.ReadFile(filepath.Join(root, "bus", "pci", "drivers_probe"))
	require.NoError(t, err)
	assert.Equal(t, "0000:01:00.0", string(data))
}

func TestPowerState_TrimsValue(t *testing.T) {
	root := newSysfsTree(t)
	ops := NewSysfsDriverOps(root)

	state, err := ops.PowerState("0000:01:00.0")

	require.NoError(t, err)
	assert.Equal(t, "D0", state)
}

func TestHasMemoryBAR_FindsMemoryRegion(t *testing.T) {
	root := newSysfsTree(t)
	resource := "0x00000000fb000000 0x00000000fbffffff 0x0000000000040200\n" +
		"0x0000000000000000 0x0000000000000000 0x0000000000000000\n"
	require.NoError(t, os.WriteFile(
		filepath.Join(root, "bus", "pci", "devices", "0000:01:00.0", "resource"),
		[]byte(resource), 0o644))
	ops := NewSysfsDriverOps(root)

	ok, err := ops.HasMemoryBAR("0000:01:00.0")

	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHasMemoryBAR_RejectsIOOnlyDevice(t *testing.T) {
	root := newSysfsTree(t)
	// One IO port region, rest empty.
	resource := "0x0000000000003000 0x000000000000307f 0x0000000000040101\n" +
		"0x0000000000000000 0x0000000000000000 0x0000000000000000\n"
	require.NoError(t, os.WriteFile(
		filepath.Join(root, "bus", "pci", "devices", "0000:01:00.0", "resource"),
		[]byte(resource), 0o644))
	ops := NewSysfsDriverOps(root)

	ok, err := ops.HasMemoryBAR("0000:01:00.0")

	require.NoError(t, err)
	assert.False(t, ok)
}
