package inspector

import (
	"context"
	"fmt"

	"github.com/metorial/aegis/internal/models"
)

type Options struct {
	AgentVersion  string
	TopProcesses  int
	DockerHost    string
	DisableDocker bool
	NvidiaSMI     string
}

// System is the production Inspector and Controller for the local machine.
type System struct {
	*Host
	gpus   *GPUs
	docker *Docker
}

var (
	_ Inspector  = (*System)(nil)
	_ Controller = (*System)(nil)
)

func NewSystem(opts Options) (*System, error) {
	s := &System{
		Host: NewHost(opts.AgentVersion, opts.TopProcesses),
		gpus: NewGPUs(opts.NvidiaSMI),
	}

	if !opts.DisableDocker {
		d, err := NewDocker(opts.DockerHost)
		if err != nil {
			return nil, err
		}
		s.docker = d
	}
	return s, nil
}

func (s *System) ReadGPUs(ctx context.Context) ([]models.GPU, error) {
	return s.gpus.ReadGPUs(ctx)
}

// ReadContainers returns an empty list when Docker support is disabled.
func (s *System) ReadContainers(ctx context.Context) ([]models.Container, error) {
	if s.docker == nil {
		return []models.Container{}, nil
	}
	return s.docker.ReadContainers(ctx)
}

func (s *System) ContainerAction(ctx context.Context, id string, action models.ContainerAction) error {
	if s.docker == nil {
		return fmt.Errorf("%w: docker support disabled", ErrDockerUnavailable)
	}
	return s.docker.ContainerAction(ctx, id, action)
}

func (s *System) Close() error {
	if s.docker != nil {
		return s.docker.Close()
	}
	return nil
}
