package inspector

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/metorial/aegis/internal/models"
	"github.com/shirou/gopsutil/v3/disk"
)

// skippedMounts are read-only or tiny system mounts (snap loop images, the
// boot partition) that only add noise to the disk list.
var skippedMounts = []string{"/snap", "/boot"}

func skipMount(mountpoint string) bool {
	for _, prefix := range skippedMounts {
		if mountpoint == prefix || strings.HasPrefix(mountpoint, prefix+"/") {
			return true
		}
	}
	return false
}

// deviceName maps a partition device ("/dev/sda1") to its I/O counter key
// ("sda1").
func deviceName(device string) string {
	return filepath.Base(device)
}

// ReadDisks reports usage of every physical mount, sorted by mount point.
// Throughput needs two reads, so the first read reports zero rates.
func (h *Host) ReadDisks(ctx context.Context) ([]models.Disk, error) {
	partitions, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}

	// Some platforms have no per-device counters; usage is still useful.
	counters, _ := disk.IOCountersWithContext(ctx)
	now := time.Now()

	h.diskMu.Lock()
	defer h.diskMu.Unlock()

	elapsed := now.Sub(h.prevDiskAt).Seconds()
	result := make([]models.Disk, 0, len(partitions))

	for _, part := range partitions {
		if skipMount(part.Mountpoint) {
			continue
		}
		usage, err := disk.UsageWithContext(ctx, part.Mountpoint)
		if err != nil || usage.Total == 0 {
			continue
		}

		d := models.Disk{
			MountPoint: part.Mountpoint,
			TotalGB:    float64(usage.Total) / bytesPerGB,
			UsedGB:     float64(usage.Used) / bytesPerGB,
		}
		name := deviceName(part.Device)
		if cur, ok := counters[name]; ok {
			if prev, ok := h.prevDisk[name]; ok && elapsed > 0 {
				d.ReadBytesSec = counterRate(prev.ReadBytes, cur.ReadBytes, elapsed)
				d.WriteBytesSec = counterRate(prev.WriteBytes, cur.WriteBytes, elapsed)
			}
		}
		result = append(result, d)
	}

	if counters != nil {
		h.prevDisk = counters
		h.prevDiskAt = now
	}

	sort.Slice(result, func(i, j int) bool { return result[i].MountPoint < result[j].MountPoint })
	return result, nil
}
