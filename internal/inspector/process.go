package inspector

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// TerminateProcess sends SIGTERM (TerminateProcess on Windows) to pid.
func (h *Host) TerminateProcess(ctx context.Context, pid int) error {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return fmt.Errorf("%w: pid %d", ErrProcessNotFound, pid)
		}
		return fmt.Errorf("find process %d: %w", pid, err)
	}

	if err := p.TerminateWithContext(ctx); err != nil {
		switch {
		case errors.Is(err, os.ErrPermission):
			return fmt.Errorf("%w: pid %d", ErrPermission, pid)
		case errors.Is(err, os.ErrProcessDone):
			return fmt.Errorf("%w: pid %d", ErrProcessNotFound, pid)
		}
		return fmt.Errorf("terminate process %d: %w", pid, err)
	}
	return nil
}
