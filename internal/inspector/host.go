package inspector

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/metorial/aegis/internal/models"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// DefaultTopProcesses bounds the process list carried in each snapshot.
const DefaultTopProcesses = 10

// cpuSensorKeys are substrings identifying CPU package/core sensors across
// the common hwmon drivers.
var cpuSensorKeys = []string{"coretemp", "k10temp", "package", "tctl", "cpu"}

// Host reads host, CPU, memory, disk, network and process facts through
// gopsutil. Rates (network and disk bytes/sec, per-process CPU) are
// computed from the delta against the previous read, so the first read
// reports zeros.
type Host struct {
	agentVersion string
	topN         int
	cores        int

	netMu     sync.Mutex
	prevNet   map[string]net.IOCountersStat
	prevNetAt time.Time

	diskMu     sync.Mutex
	prevDisk   map[string]disk.IOCountersStat
	prevDiskAt time.Time

	procMu    sync.Mutex
	prevProcs map[int32]procSample
	prevAt    time.Time
}

type procSample struct {
	createTime int64
	cpuSeconds float64
}

func NewHost(agentVersion string, topN int) *Host {
	if topN <= 0 {
		topN = DefaultTopProcesses
	}
	cores, err := cpu.Counts(true)
	if err != nil || cores <= 0 {
		cores = runtime.NumCPU()
	}
	return &Host{
		agentVersion: agentVersion,
		topN:         topN,
		cores:        cores,
		prevNet:      make(map[string]net.IOCountersStat),
		prevDisk:     make(map[string]disk.IOCountersStat),
		prevProcs:    make(map[int32]procSample),
	}
}

func (h *Host) ReadHost(ctx context.Context) (models.Metadata, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return models.Metadata{}, fmt.Errorf("get host info: %w", err)
	}

	return models.Metadata{
		Hostname:      info.Hostname,
		OSType:        info.OS,
		AgentVersion:  h.agentVersion,
		UptimeSeconds: int64(info.Uptime),
	}, nil
}

func (h *Host) ReadCPU(ctx context.Context) (models.CPU, error) {
	global, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return models.CPU{}, fmt.Errorf("get cpu percent: %w", err)
	}

	cores, err := cpu.PercentWithContext(ctx, 0, true)
	if err != nil {
		cores = []float64{}
	}

	usage := 0.0
	if len(global) > 0 {
		usage = global[0]
	}

	// Sensor reads often return partial results together with a warning
	// error, so only the readings matter here.
	sensors, _ := host.SensorsTemperaturesWithContext(ctx)

	return models.CPU{
		GlobalUsagePercent: clampPercent(usage),
		CoreUsage:          cores,
		TemperatureC:       cpuTemperature(sensors),
	}, nil
}

func cpuTemperature(sensors []host.TemperatureStat) float64 {
	best := models.NoTemperature
	for _, s := range sensors {
		if s.Temperature <= 0 {
			continue
		}
		key := strings.ToLower(s.SensorKey)
		for _, candidate := range cpuSensorKeys {
			if strings.Contains(key, candidate) {
				if s.Temperature > best {
					best = s.Temperature
				}
				break
			}
		}
	}
	return best
}

func (h *Host) ReadMemory(ctx context.Context) (models.Memory, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return models.Memory{}, fmt.Errorf("get memory usage: %w", err)
	}

	var swapUsed uint64
	if swap, err := mem.SwapMemoryWithContext(ctx); err == nil {
		swapUsed = swap.Used
	}

	return models.Memory{
		TotalMB:     int64(vm.Total / bytesPerMB),
		UsedMB:      int64(vm.Used / bytesPerMB),
		AvailableMB: int64(vm.Available / bytesPerMB),
		SwapUsedMB:  int64(swapUsed / bytesPerMB),
	}, nil
}

func (h *Host) ReadNetwork(ctx context.Context) ([]models.Network, error) {
	counters, err := net.IOCountersWithContext(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("get network counters: %w", err)
	}
	now := time.Now()

	h.netMu.Lock()
	defer h.netMu.Unlock()

	elapsed := now.Sub(h.prevNetAt).Seconds()
	next := make(map[string]net.IOCountersStat, len(counters))
	result := make([]models.Network, 0, len(counters))

	for _, c := range counters {
		var rx, tx int64
		if prev, ok := h.prevNet[c.Name]; ok && elapsed > 0 {
			rx = counterRate(prev.BytesRecv, c.BytesRecv, elapsed)
			tx = counterRate(prev.BytesSent, c.BytesSent, elapsed)
		}
		next[c.Name] = c
		result = append(result, models.Network{Interface: c.Name, RxBytesSec: rx, TxBytesSec: tx})
	}

	h.prevNet = next
	h.prevNetAt = now

	sort.Slice(result, func(i, j int) bool { return result[i].Interface < result[j].Interface })
	return result, nil
}

// counterRate returns the per-second rate between two counter readings. A
// counter that went backwards (reset or wrap) yields zero.
func counterRate(prev, cur uint64, seconds float64) int64 {
	if cur < prev || seconds <= 0 {
		return 0
	}
	return int64(float64(cur-prev) / seconds)
}

func (h *Host) ReadProcesses(ctx context.Context) ([]models.Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	now := time.Now()

	h.procMu.Lock()
	defer h.procMu.Unlock()

	elapsed := now.Sub(h.prevAt).Seconds()
	next := make(map[int32]procSample, len(procs))

	type ranked struct {
		proc    *process.Process
		percent float64
	}
	candidates := make([]ranked, 0, len(procs))

	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		times, err := p.TimesWithContext(ctx)
		if err != nil {
			continue
		}
		created, _ := p.CreateTimeWithContext(ctx)
		sample := procSample{createTime: created, cpuSeconds: times.User + times.System}
		next[p.Pid] = sample

		percent := 0.0
		if prev, ok := h.prevProcs[p.Pid]; ok && prev.createTime == created && elapsed > 0 {
			percent = processCPUPercent(sample.cpuSeconds-prev.cpuSeconds, elapsed, h.cores)
		}
		candidates = append(candidates, ranked{proc: p, percent: percent})
	}

	h.prevProcs = next
	h.prevAt = now

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].percent != candidates[j].percent {
			return candidates[i].percent > candidates[j].percent
		}
		return candidates[i].proc.Pid < candidates[j].proc.Pid
	})

	result := make([]models.Process, 0, h.topN)
	for _, c := range candidates {
		if len(result) == h.topN {
			break
		}
		name, err := c.proc.NameWithContext(ctx)
		if err != nil {
			// Exited between listing and now.
			continue
		}
		user, _ := c.proc.UsernameWithContext(ctx)

		memMB := 0.0
		if info, err := c.proc.MemoryInfoWithContext(ctx); err == nil && info != nil {
			memMB = float64(info.RSS) / bytesPerMB
		}

		result = append(result, models.Process{
			PID:        int(c.proc.Pid),
			Name:       name,
			User:       user,
			CPUPercent: c.percent,
			MemoryMB:   memMB,
		})
	}
	return result, nil
}

// processCPUPercent converts CPU seconds used over elapsed wall seconds into
// a share of the whole machine.
func processCPUPercent(cpuSeconds, elapsed float64, cores int) float64 {
	if elapsed <= 0 {
		return 0
	}
	if cores <= 0 {
		cores = 1
	}
	return clampPercent(cpuSeconds / elapsed / float64(cores) * 100)
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
