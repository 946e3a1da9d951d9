package passthrough

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dantegpu/gpu-node/internal/domain"
)

// DefaultAltDriver is the passthrough-capable driver devices are moved to.
const DefaultAltDriver = "vfio-pci"

// Inventory is the slice of the inventory manager the orchestrator needs.
type Inventory interface {
	CheckGroupViable(deviceID string) error
	Device(id string) (domain.GPUDevice, bool)
}

// OwnerSource reports the consumer currently holding a device.
type OwnerSource interface {
	Owner(deviceID string) (string, bool)
}

// Orchestrator runs the driver-switch state machine. All transitions for
// one device are serialized through a per-device mutex; different devices
// proceed independently.
type Orchestrator struct {
	driverOps DriverOps
	inventory Inventory
	owners    OwnerSource
	altDriver string

	mu       sync.Mutex
	sessions map[string]*domain.PassthroughSession // deviceID -> session
	locks    map[string]*sync.Mutex                // deviceID -> critical section
}

// NewOrchestrator creates a passthrough orchestrator. altDriver is
// normally DefaultAltDriver.
func NewOrchestrator(driverOps DriverOps, inv Inventory, owners OwnerSource, altDriver string) *Orchestrator {
	if altDriver == "" {
		altDriver = DefaultAltDriver
	}
	return &Orchestrator{
		driverOps: driverOps,
		inventory: inv,
		owners:    owners,
		altDriver: altDriver,
		sessions:  make(map[string]*domain.PassthroughSession),
		locks:     make(map[string]*sync.Mutex),
	}
}

// Prepare moves the device from its host driver to the passthrough
// driver. It requires an allocation owned by owner and a viable
// isolation group. Any failure after the host driver is unbound rolls
// the device back to its original driver; the device is never left
// half-configured.
func (o *Orchestrator) Prepare(ctx context.Context, deviceID, owner string) (*domain.PassthroughSession, error) {
	lock := o.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	o.mu.Lock()
	_, active := o.sessions[deviceID]
	o.mu.Unlock()
	if active {
		return nil, domain.E(domain.CodeAlreadyAllocated, deviceID,
			"passthrough session already active")
	}

	currentOwner, allocated := o.owners.Owner(deviceID)
	if !allocated || currentOwner != owner {
		return nil, domain.E(domain.CodeNotAllocated, deviceID,
			"device not allocated to %s", owner)
	}

	session := &domain.PassthroughSession{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Owner:     owner,
		State:     domain.StateRequested,
		StartedAt: time.Now(),
	}

	if err := o.inventory.CheckGroupViable(deviceID); err != nil {
		session.State = domain.StateFailed
		return nil, err
	}
	session.State = domain.StateGroupValidated

	origDriver, err := o.driverOps.CurrentDriver(deviceID)
	if err != nil {
		session.State = domain.StateFailed
		return nil, domain.WrapErr(domain.CodeSystemIoError, deviceID, err)
	}
	session.OriginalDriver = origDriver

	if origDriver != "" {
		if err := o.driverOps.Unbind(ctx, deviceID, origDriver); err != nil {
			session.State = domain.StateFailed
			return nil, domain.WrapErr(domain.CodeDriverBindError, deviceID, err)
		}
	}
	session.State = domain.StateDriverUnbound

	if err := o.bindAltDriver(ctx, deviceID); err != nil {
		o.rollback(ctx, session)
		return nil, domain.WrapErr(domain.CodeDriverBindError, deviceID, err)
	}
	session.State = domain.StateAltDriverBound

	if err := o.verifyDevice(deviceID); err != nil {
		o.rollback(ctx, session)
		return nil, err
	}
	session.State = domain.StateDeviceVerified

	session.State = domain.StateAttached
	o.mu.Lock()
	o.sessions[deviceID] = session
	o.mu.Unlock()

	slog.Info("device prepared for passthrough",
		"device", deviceID, "owner", owner, "session", session.ID, "original_driver", origDriver)

	out := *session
	return &out, nil
}

// Detach reverses the passthrough bind and discards the session. Calling
// it again after a successful detach is a no-op.
func (o *Orchestrator) Detach(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	var session *domain.PassthroughSession
	for _, s := range o.sessions {
		if s.ID == sessionID {
			session = s
			break
		}
	}
	o.mu.Unlock()
	if session == nil {
		return nil // already detached
	}

	lock := o.deviceLock(session.DeviceID)
	lock.Lock()
	defer lock.Unlock()

	o.mu.Lock()
	current, still := o.sessions[session.DeviceID]
	o.mu.Unlock()
	if !still || current.ID != sessionID {
		return nil
	}

	if err := o.restoreHostDriver(ctx, session); err != nil {
		return domain.WrapErr(domain.CodeDriverBindError, session.DeviceID, err)
	}

	session.State = domain.StateReleased
	o.mu.Lock()
	delete(o.sessions, session.DeviceID)
	o.mu.Unlock()

	slog.Info("device detached from passthrough",
		"device", session.DeviceID, "session", sessionID)
	return nil
}

// Session returns a copy of the active session for the device.
func (o *Orchestrator) Session(deviceID string) (domain.PassthroughSession, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	session, ok := o.sessions[deviceID]
	if !ok {
		return domain.PassthroughSession{}, false
	}
	return *session, true
}

// AttachedDevices returns the devices the owner currently has attached.
// The metrics collector uses this to decide whether a tick samples GPU
// telemetry.
func (o *Orchestrator) AttachedDevices(owner string) []domain.GPUDevice {
	o.mu.Lock()
	ids := make([]string, 0, len(o.sessions))
	for _, s := range o.sessions {
		if s.Owner == owner && s.State == domain.StateAttached {
			ids = append(ids, s.DeviceID)
		}
	}
	o.mu.Unlock()

	devices := make([]domain.GPUDevice, 0, len(ids))
	for _, id := range ids {
		if dev, ok := o.inventory.Device(id); ok {
			devices = append(devices, dev)
		}
	}
	return devices
}

// bindAltDriver pins the passthrough driver via driver_override and asks
// the kernel to probe. Override-then-probe binds exactly this function,
// unlike a new_id write which would claim every device with the same
// vendor:device pair.
func (o *Orchestrator) bindAltDriver(ctx context.Context, deviceID string) error {
	if err := o.driverOps.SetOverride(ctx, deviceID, o.altDriver); err != nil {
		return err
	}
	return o.driverOps.Probe(ctx, deviceID)
}

// verifyDevice checks the device actually landed on the passthrough
// driver and is usable: expected driver bound, active power state, and a
// valid memory BAR.
func (o *Orchestrator) verifyDevice(deviceID string) error {
	driver, err := o.driverOps.CurrentDriver(deviceID)
	if err != nil {
		return domain.WrapErr(domain.CodeSystemIoError, deviceID, err)
	}
	if driver != o.altDriver {
		return domain.E(domain.CodeVerificationFailed, deviceID,
			"expected driver %s, found %q", o.altDriver, driver)
	}

	state, err := o.driverOps.PowerState(deviceID)
	if err != nil {
		return domain.WrapErr(domain.CodeVerificationFailed, deviceID, err)
	}
	if state != "D0" {
		return domain.E(domain.CodeVerificationFailed, deviceID,
			"device not in active power state: %s", state)
	}

	hasBAR, err := o.driverOps.HasMemoryBAR(deviceID)
	if err != nil {
		return domain.WrapErr(domain.CodeVerificationFailed, deviceID, err)
	}
	if !hasBAR {
		return domain.E(domain.CodeVerificationFailed, deviceID, "no valid memory BAR found")
	}
	return nil
}

// rollback restores the original host driver after a failed prepare.
// Best effort: every step runs even if an earlier one fails, and the
// session ends Released (clean restore) or Failed.
func (o *Orchestrator) rollback(ctx context.Context, session *domain.PassthroughSession) {
	session.State = domain.StateRollingBack
	slog.Warn("rolling back passthrough preparation",
		"device", session.DeviceID, "original_driver", session.OriginalDriver)

	if err := o.restoreHostDriver(ctx, session); err != nil {
		session.State = domain.StateFailed
		slog.Error("passthrough rollback failed, device needs manual recovery",
			"device", session.DeviceID, "error", err)
		return
	}
	session.State = domain.StateReleased
}

// restoreHostDriver unbinds the passthrough driver (when bound), clears
// the override and rebinds the recorded original driver.
func (o *Orchestrator) restoreHostDriver(ctx context.Context, session *domain.PassthroughSession) error {
	current, err := o.driverOps.CurrentDriver(session.DeviceID)
	if err != nil {
		return err
	}
	if current == o.altDriver {
		if err := o.driverOps.Unbind(ctx, session.DeviceID, o.altDriver); err != nil {
			return err
		}
	}
	if err := o.driverOps.SetOverride(ctx, session.DeviceID, ""); err != nil {
		return err
	}
	if session.OriginalDriver != "" {
		return o.driverOps.Bind(ctx, session.DeviceID, session.OriginalDriver)
	}
	return nil
}

// deviceLock returns the critical-section mutex for a device, creating
// it on first use.
func (o *Orchestrator) deviceLock(deviceID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()

	lock, ok := o.locks[deviceID]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[deviceID] = lock
	}
	return lock
}
