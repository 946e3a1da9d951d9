package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const entityLabel = "entity"

var (
	cpuPercentDesc = prometheus.NewDesc("gpu_node_entity_cpu_percent",
		"CPU usage of the entity over the last sampling interval", []string{entityLabel}, nil)
	memUsedDesc = prometheus.NewDesc("gpu_node_entity_memory_used_mb",
		"memory used by the entity in MB", []string{entityLabel}, nil)
	memTotalDesc = prometheus.NewDesc("gpu_node_entity_memory_total_mb",
		"memory available to the entity in MB", []string{entityLabel}, nil)
	gpuUtilDesc = prometheus.NewDesc("gpu_node_entity_gpu_util_percent",
		"GPU utilization across the entity's attached devices", []string{entityLabel}, nil)
	gpuMemUsedDesc = prometheus.NewDesc("gpu_node_entity_gpu_memory_used_mb",
		"VRAM used across the entity's attached devices in MB", []string{entityLabel}, nil)
	gpuMemTotalDesc = prometheus.NewDesc("gpu_node_entity_gpu_memory_total_mb",
		"VRAM total across the entity's attached devices in MB", []string{entityLabel}, nil)
	gpuTempDesc = prometheus.NewDesc("gpu_node_entity_gpu_temperature_celsius",
		"hottest attached GPU temperature in Celsius", []string{entityLabel}, nil)
	gpuPowerDesc = prometheus.NewDesc("gpu_node_entity_gpu_power_watts",
		"power draw across the entity's attached devices in watts", []string{entityLabel}, nil)

	descriptions = []*prometheus.Desc{cpuPercentDesc, memUsedDesc, memTotalDesc,
		gpuUtilDesc, gpuMemUsedDesc, gpuMemTotalDesc, gpuTempDesc, gpuPowerDesc}
)

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range descriptions {
		ch <- desc
	}
}

// Collect implements prometheus.Collector, exporting each entity's most
// recent sample as gauges.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for entity, s := range c.series {
		if len(s.samples) == 0 {
			continue
		}
		last := s.samples[len(s.samples)-1]

		ch <- prometheus.MustNewConstMetric(cpuPercentDesc, prometheus.GaugeValue, last.CPUPercent, entity)
		ch <- prometheus.MustNewConstMetric(memUsedDesc, prometheus.GaugeValue, float64(last.MemoryUsedMB), entity)
		ch <- prometheus.MustNewConstMetric(memTotalDesc, prometheus.GaugeValue, float64(last.MemoryTotalMB), entity)

		if last.GPU == nil {
			continue
		}
		ch <- prometheus.MustNewConstMetric(gpuUtilDesc, prometheus.GaugeValue, last.GPU.UtilizationPct, entity)
		ch <- prometheus.MustNewConstMetric(gpuMemUsedDesc, prometheus.GaugeValue, float64(last.GPU.MemoryUsedMB), entity)
		ch <- prometheus.MustNewConstMetric(gpuMemTotalDesc, prometheus.GaugeValue, float64(last.GPU.MemoryTotalMB), entity)
		ch <- prometheus.MustNewConstMetric(gpuTempDesc, prometheus.GaugeValue, float64(last.GPU.TemperatureC), entity)
		ch <- prometheus.MustNewConstMetric(gpuPowerDesc, prometheus.GaugeValue, last.GPU.PowerWatts, entity)
	}
}

// Compile-time interface check
var _ prometheus.Collector = (*Collector)(nil)
