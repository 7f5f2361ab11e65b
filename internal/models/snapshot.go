package models

import "time"

// NoTemperature is reported in CPU.TemperatureC when no sensor could be read.
const NoTemperature = -1.0

// Snapshot is one point-in-time telemetry reading. Once the sampler hands a
// Snapshot off it is never mutated, so it can be shared by every session
// without copying.
type Snapshot struct {
	Metadata     Metadata    `json:"metadata"`
	CPU          CPU         `json:"cpu"`
	Memory       Memory      `json:"memory"`
	Disks        []Disk      `json:"disk"`
	Network      []Network   `json:"network"`
	TopProcesses []Process   `json:"top_processes"`
	Containers   []Container `json:"containers"`
	GPUs         []GPU       `json:"gpus"`
	Unavailable  []string    `json:"unavailable,omitempty"`
}

type Metadata struct {
	Hostname      string    `json:"hostname"`
	OSType        string    `json:"os_type"`
	AgentVersion  string    `json:"agent_version"`
	Timestamp     time.Time `json:"timestamp"`
	UptimeSeconds int64     `json:"uptime_seconds"`
}

type CPU struct {
	GlobalUsagePercent float64   `json:"global_usage_percent"`
	CoreUsage          []float64 `json:"core_usage"`
	TemperatureC       float64   `json:"temperature_c"`
}

type Memory struct {
	TotalMB     int64 `json:"total_mb"`
	UsedMB      int64 `json:"used_mb"`
	AvailableMB int64 `json:"available_mb"`
	SwapUsedMB  int64 `json:"swap_used_mb"`
}

// Disk is one mounted filesystem. Throughput is that of the backing
// device, computed from counter deltas between reads.
type Disk struct {
	MountPoint    string  `json:"mount_point"`
	TotalGB       float64 `json:"total_gb"`
	UsedGB        float64 `json:"used_gb"`
	ReadBytesSec  int64   `json:"read_bytes_sec"`
	WriteBytesSec int64   `json:"write_bytes_sec"`
}

type Network struct {
	Interface  string `json:"interface"`
	RxBytesSec int64  `json:"rx_bytes_sec"`
	TxBytesSec int64  `json:"tx_bytes_sec"`
}

type Process struct {
	PID        int     `json:"pid"`
	Name       string  `json:"name"`
	User       string  `json:"user"`
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
}

// Container status values as reported on the wire.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
	StatusOther   = "other"
)

type Container struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Status     string  `json:"status"`
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
}

type GPU struct {
	Vendor        string  `json:"vendor"`
	Model         string  `json:"model"`
	Utilization   float64 `json:"utilization"`
	MemoryTotalMB int64   `json:"memory_total_mb"`
}

// HistoryPoint is the derived chart point kept in the history ring.
type HistoryPoint struct {
	Time time.Time `json:"time"`
	CPU  float64   `json:"cpu"`
	Mem  int64     `json:"mem"`
}

// Point derives the history point for s.
func (s *Snapshot) Point() HistoryPoint {
	return HistoryPoint{
		Time: s.Metadata.Timestamp,
		CPU:  s.CPU.GlobalUsagePercent,
		Mem:  s.Memory.UsedMB,
	}
}

// MemoryPercent returns used memory as a percentage of total, or 0 when the
// total is unknown.
func (s *Snapshot) MemoryPercent() float64 {
	if s.Memory.TotalMB <= 0 {
		return 0
	}
	return float64(s.Memory.UsedMB) / float64(s.Memory.TotalMB) * 100
}

// Empty returns a snapshot whose slices are non-nil so they encode as [].
func Empty() *Snapshot {
	return &Snapshot{
		CPU:          CPU{CoreUsage: []float64{}, TemperatureC: NoTemperature},
		Disks:        []Disk{},
		Network:      []Network{},
		TopProcesses: []Process{},
		Containers:   []Container{},
		GPUs:         []GPU{},
	}
}
