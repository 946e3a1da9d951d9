package passthrough

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DriverOps abstracts the PCI driver plumbing so the state machine can
// be tested against a fake kernel. The sysfs implementation is the only
// production one.
type DriverOps interface {
	// CurrentDriver returns the driver bound to the device, or "" when
	// none is bound.
	CurrentDriver(deviceID string) (string, error)
	// Unbind detaches the device from the named driver.
	Unbind(ctx context.Context, deviceID, driver string) error
	// Bind attaches the device to the named driver.
	Bind(ctx context.Context, deviceID, driver string) error
	// SetOverride pins the driver the next probe will bind; "" clears
	// the override.
	SetOverride(ctx context.Context, deviceID, driver string) error
	// Probe asks the kernel to (re)bind the device per its override.
	Probe(ctx context.Context, deviceID string) error
	// PowerState returns the device power state, e.g. "D0".
	PowerState(deviceID string) (string, error)
	// HasMemoryBAR reports whether the device exposes at least one
	// non-empty memory BAR.
	HasMemoryBAR(deviceID string) (bool, error)
}

const memResourceFlag = 0x200 // IORESOURCE_MEM

// SysfsDriverOps performs driver operations against a sysfs tree.
type SysfsDriverOps struct {
	Root string // "/sys" in production
}

func NewSysfsDriverOps(root string) *SysfsDriverOps {
	return &SysfsDriverOps{Root: root}
}

func (s *SysfsDriverOps) devicePath(deviceID string) string {
	return filepath.Join(s.Root, "bus", "pci", "devices", deviceID)
}

func (s *SysfsDriverOps) CurrentDriver(deviceID string) (string, error) {
	target, err := os.Readlink(filepath.Join(s.devicePath(deviceID), "driver"))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read driver link for %s: %w", deviceID, err)
	}
	return filepath.Base(target), nil
}

func (s *SysfsDriverOps) Unbind(ctx context.Context, deviceID, driver string) error {
	path := filepath.Join(s.Root, "bus", "pci", "drivers", driver, "unbind")
	return s.write(ctx, path, deviceID)
}

func (s *SysfsDriverOps) Bind(ctx context.Context, deviceID, driver string) error {
	path := filepath.Join(s.Root, "bus", "pci", "drivers", driver, "bind")
	return s.write(ctx, path, deviceID)
}

func (s *SysfsDriverOps) SetOverride(ctx context.Context, deviceID, driver string) error {
	if driver == "" {
		driver = "\n" // kernel clears the override on an empty write
	}
	path := filepath.Join(s.devicePath(deviceID), "driver_override")
	return s.write(ctx, path, driver)
}

func (s *SysfsDriverOps) Probe(ctx context.Context, deviceID string) error {
	path := filepath.Join(s.Root, "bus", "pci", "drivers_probe")
	return s.write(ctx, path, deviceID)
}

func (s *SysfsDriverOps) PowerState(deviceID string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.devicePath(deviceID), "power_state"))
	if err != nil {
		return "", fmt.Errorf("failed to read power state for %s: %w", deviceID, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// HasMemoryBAR parses the sysfs resource file (start/end/flags hex
// triples, one line per BAR) and looks for a non-empty memory region.
func (s *SysfsDriverOps) HasMemoryBAR(deviceID string) (bool, error) {
	data, err := os.ReadFile(filepath.Join(s.devicePath(deviceID), "resource"))
	if err != nil {
		return false, fmt.Errorf("failed to read PCI resources for %s: %w", deviceID, err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		start, err1 := strconv.ParseUint(strings.TrimPrefix(fields[0], "0x"), 16, 64)
		end, err2 := strconv.ParseUint(strings.TrimPrefix(fields[1], "0x"), 16, 64)
		flags, err3 := strconv.ParseUint(strings.TrimPrefix(fields[2], "0x"), 16, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		if flags&memResourceFlag != 0 && end > start {
			return true, nil
		}
	}
	return false, nil
}

// write performs a sysfs control write with retries. Driver cores return
// transient errors while a device is settling, so a few attempts under
// the caller's context cover that without hanging a worker forever.
func (s *SysfsDriverOps) write(ctx context.Context, path, value string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 3 * time.Second

	operation := func() error {
		return os.WriteFile(path, []byte(value), 0o200)
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("sysfs write %s failed: %w", path, err)
	}
	return nil
}

// Compile-time interface check
var _ DriverOps = (*SysfsDriverOps)(nil)
