package pool

import (
	"sync"
	"time"

	"github.com/dantegpu/gpu-node/internal/domain"
)

// DeviceSource resolves device identities from the inventory snapshot.
type DeviceSource interface {
	Device(id string) (domain.GPUDevice, bool)
}

// Pool owns the allocation record table. Every operation runs under one
// mutex, so an allocate call either fully succeeds or leaves no trace.
type Pool struct {
	mu      sync.Mutex
	devices DeviceSource

	records      map[string]domain.AllocationRecord // deviceID -> record
	quotas       map[string]domain.Quota            // consumer -> quota override
	defaultQuota domain.Quota
	rates        domain.Rates
}

// NewPool creates an allocation pool over the given device source.
func NewPool(devices DeviceSource, rates domain.Rates, defaultQuota domain.Quota) *Pool {
	return &Pool{
		devices:      devices,
		records:      make(map[string]domain.AllocationRecord),
		quotas:       make(map[string]domain.Quota),
		defaultQuota: defaultQuota,
		rates:        rates,
	}
}

// SetRates swaps the pricing constants. Existing records keep the cost
// they were created with.
func (p *Pool) SetRates(rates domain.Rates) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rates = rates
}

// SetQuota overrides the quota for one consumer.
func (p *Pool) SetQuota(consumer string, quota domain.Quota) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotas[consumer] = quota
}

// Allocate grants exclusive ownership of the device to the consumer and
// returns the cost computed from the configured rates. No state changes
// on any failure path.
func (p *Pool) Allocate(consumer, deviceID string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	device, ok := p.devices.Device(deviceID)
	if !ok {
		return 0, domain.E(domain.CodeNotFound, deviceID, "no such device")
	}
	if existing, taken := p.records[deviceID]; taken {
		return 0, domain.E(domain.CodeAlreadyAllocated, deviceID,
			"device already allocated to %s", existing.Consumer)
	}
	if err := p.checkQuota(consumer, device); err != nil {
		return 0, err
	}

	cost := float64(device.VRAMMB)*p.rates.PerVRAMMB + float64(device.ComputeUnits)*p.rates.PerComputeUnit
	p.records[deviceID] = domain.AllocationRecord{
		DeviceID:    deviceID,
		Consumer:    consumer,
		Cost:        cost,
		VRAMMB:      device.VRAMMB,
		AllocatedAt: time.Now(),
	}
	return cost, nil
}

// Release clears the allocation record for the device. Releasing an
// unallocated device is a no-op. Callers must detach any active
// passthrough session first, or the passthrough driver binding is
// orphaned.
func (p *Pool) Release(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.records, deviceID)
}

// AllocationsFor returns copies of the consumer's current records.
func (p *Pool) AllocationsFor(consumer string) []domain.AllocationRecord {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []domain.AllocationRecord
	for _, rec := range p.records {
		if rec.Consumer == consumer {
			out = append(out, rec)
		}
	}
	return out
}

// Owner returns the consumer currently holding the device.
func (p *Pool) Owner(deviceID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.records[deviceID]
	if !ok {
		return "", false
	}
	return rec.Consumer, true
}

// checkQuota verifies that granting the device would not push the
// consumer past its GPU count or VRAM footprint limit. Caller holds the
// lock.
func (p *Pool) checkQuota(consumer string, device domain.GPUDevice) error {
	quota, ok := p.quotas[consumer]
	if !ok {
		quota = p.defaultQuota
	}

	count := 0
	var footprint uint64
	for _, rec := range p.records {
		if rec.Consumer == consumer {
			count++
			footprint += rec.VRAMMB
		}
	}

	if quota.MaxGPUs > 0 && count+1 > quota.MaxGPUs {
		return domain.E(domain.CodeQuotaExceeded, consumer,
			"GPU count quota exceeded (%d in use, limit %d)", count, quota.MaxGPUs)
	}
	if quota.MaxVRAMMB > 0 && footprint+device.VRAMMB > quota.MaxVRAMMB {
		return domain.E(domain.CodeQuotaExceeded, consumer,
			"VRAM quota exceeded (%d MB in use, limit %d MB)", footprint, quota.MaxVRAMMB)
	}
	return nil
}
