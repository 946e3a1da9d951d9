package nvml

import (
	"fmt"

	"github.com/dantegpu/gpu-node/internal/domain"
)

// MockGPUProvider provides fake GPU data for testing
type MockGPUProvider struct {
	Specs   []domain.GPUSpec
	Stats   map[string]*domain.GPUStats
	InitErr error
	StatErr error
}

func NewMockGPUProvider(specs []domain.GPUSpec) *MockGPUProvider {
	return &MockGPUProvider{Specs: specs, Stats: make(map[string]*domain.GPUStats)}
}

func (p *MockGPUProvider) Init() error {
	return p.InitErr
}

func (p *MockGPUProvider) Shutdown() error {
	return nil
}

func (p *MockGPUProvider) GetDeviceCount() (int, error) {
	return len(p.Specs), nil
}

func (p *MockGPUProvider) GetSpecs() ([]domain.GPUSpec, error) {
	return p.Specs, nil
}

func (p *MockGPUProvider) GetStats(uuid string) (*domain.GPUStats, error) {
	if p.StatErr != nil {
		return nil, p.StatErr
	}
	stats, ok := p.Stats[uuid]
	if !ok {
		return nil, fmt.Errorf("no stats for device %s", uuid)
	}
	return stats, nil
}

// Compile-time interface check
var _ domain.GPUProvider = (*MockGPUProvider)(nil)
