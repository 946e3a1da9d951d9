//go:build !nonvml
// +build !nonvml

package nvml

import (
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/dantegpu/gpu-node/internal/domain"
)

type NVMLProvider struct{}

func NewNVMLProvider() *NVMLProvider {
	return &NVMLProvider{}
}

func (p *NVMLProvider) Init() error {
	ret := nvml.Init()
	if ret != nvml.SUCCESS {
		return fmt.Errorf("NVML init failed: %v", nvml.ErrorString(ret))
	}
	return nil
}

func (p *NVMLProvider) Shutdown() error {
	ret := nvml.Shutdown()
	if ret != nvml.SUCCESS {
		return fmt.Errorf("NVML shutdown failed: %v", nvml.ErrorString(ret))
	}
	return nil
}

func (p *NVMLProvider) GetDeviceCount() (int, error) {
	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return 0, fmt.Errorf("failed to get device count: %v", nvml.ErrorString(ret))
	}
	return count, nil
}

func (p *NVMLProvider) GetSpecs() ([]domain.GPUSpec, error) {
	count, err := p.GetDeviceCount()
	if err != nil {
		return nil, err
	}

	specs := make([]domain.GPUSpec, 0, count)
	for i := 0; i < count; i++ {
		device, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			continue // Skip failed device
		}

		uuid, _ := device.GetUUID()
		name, _ := device.GetName()
		memInfo, _ := device.GetMemoryInfo()
		cores, _ := device.GetNumGpuCores()
		pci, _ := device.GetPciInfo()
		driver, _ := nvml.SystemGetDriverVersion()

		specs = append(specs, domain.GPUSpec{
			UUID:         uuid,
			Name:         name,
			MemoryTotal:  memInfo.Total / (1024 * 1024),
			ComputeUnits: uint32(cores),
			PCIBusID:     fmt.Sprintf("%04x:%02x:%02x.0", pci.Domain, pci.Bus, pci.Device),
			DriverVer:    driver,
		})
	}
	return specs, nil
}

func (p *NVMLProvider) GetStats(uuid string) (*domain.GPUStats, error) {
	device, ret := nvml.DeviceGetHandleByUUID(uuid)
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("failed to get device %s: %v", uuid, nvml.ErrorString(ret))
	}

	memInfo, ret := device.GetMemoryInfo()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("failed to read memory info for %s: %v", uuid, nvml.ErrorString(ret))
	}
	util, _ := device.GetUtilizationRates()
	temp, _ := device.GetTemperature(nvml.TEMPERATURE_GPU)
	power, _ := device.GetPowerUsage() // milliwatts

	return &domain.GPUStats{
		UtilizationPct: float64(util.Gpu),
		MemoryUsedMB:   memInfo.Used / (1024 * 1024),
		MemoryTotalMB:  memInfo.Total / (1024 * 1024),
		TemperatureC:   int(temp),
		PowerWatts:     float64(power) / 1000.0,
	}, nil
}

// Compile-time interface check
var _ domain.GPUProvider = (*NVMLProvider)(nil)
