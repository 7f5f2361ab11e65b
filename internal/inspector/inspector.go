// Package inspector is the boundary between the agent and the host it runs
// on. Inspector reads point-in-time facts; Controller mutates host state.
// Every method is independently fallible so that one broken probe never
// takes the others down with it.
package inspector

import (
	"context"
	"errors"

	"github.com/metorial/aegis/internal/models"
)

var (
	ErrProcessNotFound   = errors.New("process not found")
	ErrContainerNotFound = errors.New("container not found")
	ErrPermission        = errors.New("permission denied")
	ErrDockerUnavailable = errors.New("docker unavailable")
)

type Inspector interface {
	ReadHost(ctx context.Context) (models.Metadata, error)
	ReadCPU(ctx context.Context) (models.CPU, error)
	ReadMemory(ctx context.Context) (models.Memory, error)
	ReadDisks(ctx context.Context) ([]models.Disk, error)
	ReadNetwork(ctx context.Context) ([]models.Network, error)
	ReadProcesses(ctx context.Context) ([]models.Process, error)
	ReadContainers(ctx context.Context) ([]models.Container, error)
	ReadGPUs(ctx context.Context) ([]models.GPU, error)
}

type Controller interface {
	TerminateProcess(ctx context.Context, pid int) error
	ContainerAction(ctx context.Context, id string, action models.ContainerAction) error
}

const (
	bytesPerMB = 1024 * 1024
	bytesPerGB = 1024 * 1024 * 1024
)
