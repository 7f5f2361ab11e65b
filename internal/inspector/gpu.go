package inspector

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/jaypipes/ghw"
	"github.com/metorial/aegis/internal/models"
)

var nvidiaQuery = []string{
	"--query-gpu=name,utilization.gpu,memory.total",
	"--format=csv,noheader,nounits",
}

// GPUs reports graphics adapters. NVIDIA cards are read live through
// nvidia-smi; without it the PCI inventory from ghw is used, which carries
// no utilization or memory figures. The inventory does not change at
// runtime, so it is enumerated once.
type GPUs struct {
	smi string

	once      sync.Once
	inventory []models.GPU
	invErr    error
}

func NewGPUs(smiPath string) *GPUs {
	if smiPath == "" {
		smiPath = "nvidia-smi"
	}
	return &GPUs{smi: smiPath}
}

func (g *GPUs) ReadGPUs(ctx context.Context) ([]models.GPU, error) {
	out, err := exec.CommandContext(ctx, g.smi, nvidiaQuery...).Output()
	if err == nil {
		return parseNvidiaSMI(string(out))
	}
	if !errors.Is(err, exec.ErrNotFound) && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("run nvidia-smi: %w", err)
	}

	g.once.Do(func() {
		g.inventory, g.invErr = pciInventory()
	})
	if g.invErr != nil {
		return nil, g.invErr
	}

	gpus := make([]models.GPU, len(g.inventory))
	copy(gpus, g.inventory)
	return gpus, nil
}

// parseNvidiaSMI parses `name, utilization.gpu, memory.total` CSV rows.
func parseNvidiaSMI(output string) ([]models.GPU, error) {
	gpus := make([]models.GPU, 0)

	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 3 {
			return nil, fmt.Errorf("nvidia-smi output has insufficient fields: expected 3, got %d", len(fields))
		}

		gpu := models.GPU{Vendor: "NVIDIA", Model: strings.TrimSpace(fields[0])}

		if util := strings.TrimSpace(fields[1]); util != "" && util != "[N/A]" {
			v, err := strconv.ParseFloat(util, 64)
			if err != nil {
				return nil, fmt.Errorf("parse GPU utilization %q: %w", util, err)
			}
			gpu.Utilization = v
		}

		if total := strings.TrimSpace(fields[2]); total != "" && total != "[N/A]" {
			v, err := strconv.ParseInt(total, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parse GPU memory total %q: %w", total, err)
			}
			gpu.MemoryTotalMB = v
		}

		gpus = append(gpus, gpu)
	}
	return gpus, nil
}

func pciInventory() ([]models.GPU, error) {
	info, err := ghw.GPU(ghw.WithDisableWarnings())
	if err != nil {
		return nil, fmt.Errorf("enumerate GPUs: %w", err)
	}

	gpus := make([]models.GPU, 0, len(info.GraphicsCards))
	for _, card := range info.GraphicsCards {
		gpu := models.GPU{Vendor: "Unknown", Model: "Unknown Graphics Card"}
		if dev := card.DeviceInfo; dev != nil {
			if dev.Vendor != nil {
				gpu.Vendor = dev.Vendor.Name
			}
			if dev.Product != nil {
				gpu.Model = dev.Product.Name
			}
		}
		gpus = append(gpus, gpu)
	}
	return gpus, nil
}
