// Package sandbox reads resource counters from containers a consumer's
// workload runs in, feeding the per-entity metrics collector.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/dantegpu/gpu-node/internal/domain"
)

// DockerClient interface for Docker operations (mockable)
type DockerClient interface {
	ContainerStatsOneShot(ctx context.Context, containerID string) (container.StatsResponseReader, error)
	Close() error
}

// Compile-time interface check
var _ DockerClient = (*client.Client)(nil)

// DockerStatsSource reads one container's CPU and memory counters
// through the Docker API. It satisfies the same stats contract as the
// host procfs source, so the collector treats containers and the host
// uniformly.
type DockerStatsSource struct {
	cli         DockerClient
	containerID string
}

// NewDockerStatsSource creates a source for the given container using a
// client from the environment.
func NewDockerStatsSource(containerID string) (*DockerStatsSource, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerStatsSource{cli: cli, containerID: containerID}, nil
}

// NewDockerStatsSourceWithClient creates a source with a provided client (for testing)
func NewDockerStatsSourceWithClient(cli DockerClient, containerID string) *DockerStatsSource {
	return &DockerStatsSource{cli: cli, containerID: containerID}
}

const nanosPerSecond = 1e9

func (s *DockerStatsSource) ReadStats(ctx context.Context) (domain.HostCounters, error) {
	resp, err := s.cli.ContainerStatsOneShot(ctx, s.containerID)
	if err != nil {
		return domain.HostCounters{}, fmt.Errorf("failed to read stats for container %s: %w", s.containerID, err)
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return domain.HostCounters{}, fmt.Errorf("failed to decode stats for container %s: %w", s.containerID, err)
	}

	// Cumulative counters in seconds; the collector turns consecutive
	// reads into a usage percentage.
	return domain.HostCounters{
		CPUBusy:       float64(stats.CPUStats.CPUUsage.TotalUsage) / nanosPerSecond,
		CPUTotal:      float64(stats.CPUStats.SystemUsage) / nanosPerSecond,
		MemoryUsedMB:  stats.MemoryStats.Usage / (1024 * 1024),
		MemoryTotalMB: stats.MemoryStats.Limit / (1024 * 1024),
	}, nil
}

// Close releases the underlying API client.
func (s *DockerStatsSource) Close() error {
	return s.cli.Close()
}

// Compile-time interface check
var _ domain.StatsSource = (*DockerStatsSource)(nil)
