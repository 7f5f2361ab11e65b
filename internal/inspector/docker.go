package inspector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/metorial/aegis/internal/models"
	"golang.org/x/sync/errgroup"
)

const (
	shortIDLength     = 12
	statsConcurrency  = 4
	stopTimeoutSecond = 10
)

// Docker reads containers and performs lifecycle actions through the Docker
// Engine API. CPU percentages are computed from the delta of the engine's
// cumulative counters between two reads.
type Docker struct {
	cli *client.Client

	mu   sync.Mutex
	prev map[string]cpuCounters
}

type cpuCounters struct {
	container uint64
	system    uint64
}

// NewDocker builds a client for host, or for the environment's DOCKER_HOST
// when host is empty. It does not contact the daemon.
func NewDocker(host string) (*Docker, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	return &Docker{cli: cli, prev: make(map[string]cpuCounters)}, nil
}

func (d *Docker) Close() error {
	return d.cli.Close()
}

func (d *Docker) ReadContainers(ctx context.Context) ([]models.Container, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDockerUnavailable, err)
	}

	result := make([]models.Container, len(list))
	seen := make(map[string]bool, len(list))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statsConcurrency)

	for i, c := range list {
		seen[c.ID] = true
		result[i] = models.Container{
			ID:     shortID(c.ID),
			Name:   containerName(c.Names),
			Status: containerStatus(c.State),
		}
		if c.State != "running" {
			continue
		}

		i, id := i, c.ID
		g.Go(func() error {
			stats, err := d.stats(gctx, id)
			if err != nil {
				// A container stopping mid-read keeps its zeroed usage.
				return nil
			}
			result[i].CPUPercent = d.cpuPercent(id, stats)
			result[i].MemoryMB = memoryMB(stats)
			return nil
		})
	}
	_ = g.Wait()

	d.mu.Lock()
	for id := range d.prev {
		if !seen[id] {
			delete(d.prev, id)
		}
	}
	d.mu.Unlock()

	return result, nil
}

func (d *Docker) stats(ctx context.Context, id string) (*types.StatsJSON, error) {
	resp, err := d.cli.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var stats types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return &stats, nil
}

func (d *Docker) cpuPercent(id string, stats *types.StatsJSON) float64 {
	cur := cpuCounters{
		container: stats.CPUStats.CPUUsage.TotalUsage,
		system:    stats.CPUStats.SystemUsage,
	}

	d.mu.Lock()
	prev, ok := d.prev[id]
	d.prev[id] = cur
	d.mu.Unlock()

	if !ok {
		return 0
	}
	return containerCPUPercent(prev, cur)
}

// containerCPUPercent is the container's share of the whole machine. The
// system counter already spans every core, so the result stays in 0-100.
func containerCPUPercent(prev, cur cpuCounters) float64 {
	if cur.container < prev.container || cur.system <= prev.system {
		return 0
	}
	cpuDelta := float64(cur.container - prev.container)
	systemDelta := float64(cur.system - prev.system)
	return clampPercent(cpuDelta / systemDelta * 100)
}

// memoryMB reports usage minus page cache, matching what `docker stats` shows.
func memoryMB(stats *types.StatsJSON) float64 {
	usage := stats.MemoryStats.Usage
	cache := stats.MemoryStats.Stats["inactive_file"]
	if cache == 0 {
		cache = stats.MemoryStats.Stats["cache"]
	}
	if cache < usage {
		usage -= cache
	}
	return float64(usage) / bytesPerMB
}

func (d *Docker) ContainerAction(ctx context.Context, id string, action models.ContainerAction) error {
	timeout := stopTimeoutSecond

	var err error
	switch action {
	case models.ActionStart:
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		err = d.cli.ContainerStart(ctx, id, container.StartOptions{})
	case models.ActionStop:
		ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
		defer cancel()
		err = d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
	case models.ActionRestart:
		ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
		defer cancel()
		err = d.cli.ContainerRestart(ctx, id, container.StopOptions{Timeout: &timeout})
	default:
		return fmt.Errorf("unsupported container action %q", action)
	}

	switch {
	case err == nil:
		return nil
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%w: %s", ErrContainerNotFound, id)
	case errdefs.IsForbidden(err) || errdefs.IsUnauthorized(err):
		return fmt.Errorf("%w: %v", ErrPermission, err)
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%w: %v", ErrDockerUnavailable, err)
	}
	return fmt.Errorf("%s container %s: %w", action, id, err)
}

func shortID(id string) string {
	if len(id) > shortIDLength {
		return id[:shortIDLength]
	}
	return id
}

func containerName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}

func containerStatus(state string) string {
	switch state {
	case "running":
		return models.StatusRunning
	case "exited", "created", "dead":
		return models.StatusStopped
	}
	return models.StatusOther
}
