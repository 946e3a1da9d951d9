package metrics

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dantegpu/gpu-node/internal/domain"
)

var ErrAlreadyMonitored = errors.New("entity already has an active collector")

// AttachmentSource reports which devices an entity currently has
// attached through passthrough. GPU telemetry is sampled only for those.
type AttachmentSource interface {
	AttachedDevices(entity string) []domain.GPUDevice
}

// Collector runs one sampling loop per monitored entity. Each tick
// appends a sample to the entity's series and prunes everything older
// than the retention horizon; there is no separate sweep.
type Collector struct {
	interval    time.Duration
	retention   time.Duration
	attachments AttachmentSource // nil disables GPU sampling
	backends    []domain.TelemetryBackend

	mu      sync.Mutex
	series  map[string]*entitySeries
	running map[string]*Handle
}

// entitySeries carries the sample window plus the previous CPU counters
// for delta computation. Per-entity on purpose: a shared "last CPU time"
// would let concurrent entities corrupt each other's deltas.
type entitySeries struct {
	samples      []domain.MetricSample
	lastCPUBusy  float64
	lastCPUTotal float64
	hasLast      bool
}

// Handle identifies one running sampling loop.
type Handle struct {
	entityID string
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewCollector creates a collector. Telemetry backends are tried in the
// given order on every GPU tick.
func NewCollector(interval, retention time.Duration, attachments AttachmentSource, backends ...domain.TelemetryBackend) *Collector {
	return &Collector{
		interval:    interval,
		retention:   retention,
		attachments: attachments,
		backends:    backends,
		series:      make(map[string]*entitySeries),
		running:     make(map[string]*Handle),
	}
}

// Start begins periodic sampling for the entity using the given stats
// source. One loop per entity; starting twice fails.
func (c *Collector) Start(entityID string, src domain.StatsSource) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, active := c.running[entityID]; active {
		return nil, ErrAlreadyMonitored
	}
	if _, ok := c.series[entityID]; !ok {
		c.series[entityID] = &entitySeries{}
	}

	h := &Handle{
		entityID: entityID,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.running[entityID] = h

	go c.run(entityID, src, h)
	return h, nil
}

// Stop signals the entity's loop and waits for it to finish. After Stop
// returns, no further sample is appended for the handle's entity.
func (c *Collector) Stop(h *Handle) {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

func (c *Collector) run(entityID string, src domain.StatsSource, h *Handle) {
	defer close(h.done)
	defer func() {
		c.mu.Lock()
		delete(c.running, entityID)
		c.mu.Unlock()
	}()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
		}
		// Cancellation is checked again at the top of the tick so a
		// stop racing the ticker never produces a late sample.
		select {
		case <-h.stop:
			return
		default:
		}
		c.sampleOnce(entityID, src)
	}
}

// sampleOnce performs one tick: host stats, optional GPU stats, append,
// prune. A failing stats source skips the tick; a failing telemetry
// backend only loses the GPU portion.
func (c *Collector) sampleOnce(entityID string, src domain.StatsSource) {
	ctx, cancel := context.WithTimeout(context.Background(), c.interval)
	defer cancel()

	counters, err := src.ReadStats(ctx)
	if err != nil {
		slog.Error("stats collection failed", "entity", entityID, "error", err)
		return
	}

	now := time.Now()

	c.mu.Lock()
	s := c.series[entityID]
	cpuPercent := 0.0
	if s.hasLast && counters.CPUTotal > s.lastCPUTotal {
		busyDelta := counters.CPUBusy - s.lastCPUBusy
		totalDelta := counters.CPUTotal - s.lastCPUTotal
		cpuPercent = busyDelta / totalDelta * 100.0
		if cpuPercent < 0 {
			cpuPercent = 0
		}
		if cpuPercent > 100 {
			cpuPercent = 100
		}
	}
	s.lastCPUBusy = counters.CPUBusy
	s.lastCPUTotal = counters.CPUTotal
	s.hasLast = true
	c.mu.Unlock()

	// Telemetry I/O runs outside the lock.
	gpu := c.sampleGPU(ctx, entityID)

	sample := domain.MetricSample{
		Timestamp:     now,
		CPUPercent:    cpuPercent,
		MemoryUsedMB:  counters.MemoryUsedMB,
		MemoryTotalMB: counters.MemoryTotalMB,
		GPU:           gpu,
	}

	c.mu.Lock()
	s.samples = append(s.samples, sample)
	s.samples = pruneSamples(s.samples, now.Add(-c.retention))
	c.mu.Unlock()
}

// sampleGPU aggregates telemetry over the entity's attached devices. For
// each device the backends are tried in order; a device none of them can
// read is skipped. Returns nil when nothing was sampled.
func (c *Collector) sampleGPU(ctx context.Context, entityID string) *domain.GPUStats {
	if c.attachments == nil || len(c.backends) == 0 {
		return nil
	}
	devices := c.attachments.AttachedDevices(entityID)
	if len(devices) == 0 {
		return nil
	}

	var agg domain.GPUStats
	sampled := 0
	for _, dev := range devices {
		for _, backend := range c.backends {
			stats, err := backend.Sample(ctx, dev)
			if err != nil {
				slog.Debug("telemetry backend failed",
					"backend", backend.Name(), "device", dev.ID, "error", err)
				continue
			}
			agg.UtilizationPct += stats.UtilizationPct
			agg.MemoryUsedMB += stats.MemoryUsedMB
			agg.MemoryTotalMB += stats.MemoryTotalMB
			if stats.TemperatureC > agg.TemperatureC {
				agg.TemperatureC = stats.TemperatureC
			}
			agg.PowerWatts += stats.PowerWatts
			sampled++
			break
		}
	}
	if sampled == 0 {
		return nil
	}
	agg.UtilizationPct /= float64(sampled)
	return &agg
}

// Get returns the entity's samples in time-ascending order.
func (c *Collector) Get(entityID string) []domain.MetricSample {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.series[entityID]
	if !ok {
		return nil
	}
	out := make([]domain.MetricSample, len(s.samples))
	copy(out, s.samples)
	return out
}

// pruneSamples drops samples strictly older than cutoff. A sample whose
// timestamp equals the cutoff is retained (boundary inclusive). Samples
// are append-ordered, so the survivors are a suffix.
func pruneSamples(samples []domain.MetricSample, cutoff time.Time) []domain.MetricSample {
	keep := 0
	for keep < len(samples) && samples[keep].Timestamp.Before(cutoff) {
		keep++
	}
	if keep == 0 {
		return samples
	}
	remaining := make([]domain.MetricSample, len(samples)-keep)
	copy(remaining, samples[keep:])
	return remaining
}
