package inventory

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dantegpu/gpu-node/internal/domain"
)

// BuildGroups returns the isolation group map for the current device
// snapshot. Scan already recomputes the map; this recomputes it again so
// callers can refresh viability after kernel-side changes without a full
// rescan.
func (m *Manager) BuildGroups() (map[uint64]domain.IsolationGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rebuildGroupsLocked()

	out := make(map[uint64]domain.IsolationGroup, len(m.groups))
	for id, g := range m.groups {
		out[id] = copyGroup(g)
	}
	return out, nil
}

// rebuildGroupsLocked recomputes m.groups from the device snapshot.
// Membership comes from the kernel's group directory, so companion
// functions (HDMI audio) and unrelated devices sharing the group are
// seen even though they are not GPUs. Groups are never persisted across
// scans. Caller holds m.mu.
func (m *Manager) rebuildGroupsLocked() {
	m.groups = make(map[uint64]domain.IsolationGroup)
	if !m.iommuEnabled {
		return
	}

	for _, dev := range m.devices {
		if dev.IOMMUGroup == nil {
			continue
		}
		id := *dev.IOMMUGroup
		if _, seen := m.groups[id]; seen {
			continue
		}

		members := m.groupMembers(id, dev.ID)
		m.groups[id] = domain.IsolationGroup{
			ID:      id,
			Devices: members,
			Viable:  m.membersViable(members),
		}
	}
}

// GroupFor returns the isolation group containing the device. A device
// without any group link gets a synthetic single-member group, viable
// only while the IOMMU subsystem is active. A device whose link points
// at a group missing from the computed map is never viable: the map is
// out of step with the kernel and the safety verdict must not guess.
func (m *Manager) GroupFor(deviceID string) (domain.IsolationGroup, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, dev := range m.devices {
		if dev.ID != deviceID {
			continue
		}
		if dev.IOMMUGroup != nil {
			if g, ok := m.groups[*dev.IOMMUGroup]; ok {
				return copyGroup(g), true
			}
			return domain.IsolationGroup{
				ID:      *dev.IOMMUGroup,
				Devices: []string{deviceID},
				Viable:  false,
			}, true
		}
		return domain.IsolationGroup{
			Devices:  []string{deviceID},
			Viable:   m.iommuEnabled,
			Implicit: true,
		}, true
	}
	return domain.IsolationGroup{}, false
}

// CheckGroupViable is the isolation-safety verdict consumed by the
// passthrough orchestrator.
func (m *Manager) CheckGroupViable(deviceID string) error {
	group, ok := m.GroupFor(deviceID)
	if !ok {
		return domain.E(domain.CodeNotFound, deviceID, "device not in inventory")
	}
	if group.Viable {
		return nil
	}
	if group.Implicit {
		return domain.E(domain.CodeIommuGroupUnsafe, deviceID,
			"IOMMU support unavailable, device cannot be isolated")
	}
	return domain.E(domain.CodeIommuGroupUnsafe, formatGroupID(group.ID),
		"IOMMU group %d contains devices unrelated to %s", group.ID, deviceID)
}

// groupMembers lists the kernel's view of the group's devices, falling
// back to the requesting device alone if the directory is unreadable.
func (m *Manager) groupMembers(groupID uint64, deviceID string) []string {
	dir := filepath.Join(m.sysfsRoot, "kernel", "iommu_groups", formatGroupID(groupID), "devices")
	entries, err := os.ReadDir(dir)
	if err != nil {
		slog.Warn("unable to list IOMMU group members", "group", groupID, "error", err)
		return []string{deviceID}
	}

	members := make([]string, 0, len(entries))
	for _, entry := range entries {
		members = append(members, entry.Name())
	}
	return members
}

// membersViable reports whether every member's device class is a display
// or audio function, i.e. passing the group through exposes nothing
// unrelated to the GPU.
func (m *Manager) membersViable(members []string) bool {
	for _, member := range members {
		devPath := filepath.Join(m.sysfsRoot, "bus", "pci", "devices", member)
		class, err := readSysfsValue(devPath, "class")
		if err != nil {
			return false
		}
		if !strings.HasPrefix(class, classPrefixDisplay) && !strings.HasPrefix(class, classPrefixAudio) {
			return false
		}
	}
	return true
}

func copyGroup(g domain.IsolationGroup) domain.IsolationGroup {
	out := g
	out.Devices = make([]string, len(g.Devices))
	copy(out.Devices, g.Devices)
	return out
}

func formatGroupID(id uint64) string {
	return strconv.FormatUint(id, 10)
}
