// Package dispatch executes viewer control commands against the host
// controller. Commands are validated on submission, queued without
// blocking the caller and executed one at a time per target.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/metorial/aegis/internal/inspector"
	"github.com/metorial/aegis/internal/models"
	"golang.org/x/sync/semaphore"
)

var (
	ErrQueueFull = errors.New("command queue full")
	ErrStopped   = errors.New("dispatcher stopped")
)

const (
	DefaultQueueSize   = 64
	DefaultConcurrency = 4
	DefaultTimeout     = 30 * time.Second

	recordTimeout = 5 * time.Second
)

// Recorder persists command outcomes.
type Recorder interface {
	RecordOutcome(ctx context.Context, outcome *models.Outcome) error
}

type Options struct {
	QueueSize   int
	Concurrency int64
	Timeout     time.Duration
}

type Dispatcher struct {
	ctrl     inspector.Controller
	recorder Recorder
	logger   *slog.Logger
	opts     Options
	selfPID  int

	queue    chan job
	finished chan string
	sem      *semaphore.Weighted
	done     chan struct{}

	outstanding atomic.Int64
	submitted   atomic.Uint64
	succeeded   atomic.Uint64
	failed      atomic.Uint64
	rejected    atomic.Uint64
}

type job struct {
	id          string
	cmd         models.Command
	sessionID   string
	requestedAt time.Time
}

// New builds a dispatcher. recorder may be nil.
func New(ctrl inspector.Controller, recorder Recorder, logger *slog.Logger, opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Dispatcher{
		ctrl:     ctrl,
		recorder: recorder,
		logger:   logger.With("component", "dispatch"),
		opts:     opts,
		selfPID:  os.Getpid(),
		queue:    make(chan job, opts.QueueSize),
		finished: make(chan string),
		sem:      semaphore.NewWeighted(opts.Concurrency),
		done:     make(chan struct{}),
	}
}

// Submit validates cmd and queues it. Invalid commands are recorded as
// rejected and never reach the controller. Submit never blocks.
func (d *Dispatcher) Submit(cmd models.Command, sessionID string) error {
	j := job{
		id:          uuid.NewString(),
		cmd:         cmd,
		sessionID:   sessionID,
		requestedAt: time.Now().UTC(),
	}

	if err := d.validate(cmd); err != nil {
		d.rejected.Add(1)
		d.logger.Warn("Rejected command", "session", sessionID, "action", cmd.WireAction(), "error", err)
		d.record(j, models.OutcomeRejected, err)
		return err
	}

	select {
	case <-d.done:
		return ErrStopped
	default:
	}

	if d.outstanding.Add(1) > int64(d.opts.QueueSize) {
		d.outstanding.Add(-1)
		d.logger.Warn("Command queue full", "session", sessionID, "action", cmd.WireAction(), "target", cmd.Target())
		return ErrQueueFull
	}

	// Cannot block: outstanding never exceeds the channel capacity.
	d.queue <- j
	d.submitted.Add(1)
	return nil
}

func (d *Dispatcher) validate(cmd models.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	if cmd.Kind == models.KindKillProcess && cmd.PID == d.selfPID {
		return fmt.Errorf("%w: refusing to terminate the agent (pid %d)", models.ErrInvalidCommand, cmd.PID)
	}
	return nil
}

// Run routes queued commands to per-target lanes until ctx is cancelled.
// A target has at most one command executing; later commands for it wait
// in arrival order. Across targets, execution is bounded by the
// concurrency limit.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.done)

	pending := make(map[string][]job)
	active := make(map[string]bool)
	var wg sync.WaitGroup

	start := func(j job) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.execute(ctx, j)
			select {
			case d.finished <- j.cmd.Target():
			case <-ctx.Done():
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			waiting := len(d.queue)
			for _, jobs := range pending {
				waiting += len(jobs)
			}
			wg.Wait()
			d.logger.Info("Dispatcher stopped", "abandoned", waiting)
			return nil

		case j := <-d.queue:
			target := j.cmd.Target()
			if active[target] {
				pending[target] = append(pending[target], j)
				continue
			}
			active[target] = true
			start(j)

		case target := <-d.finished:
			queued := pending[target]
			if len(queued) == 0 {
				delete(active, target)
				delete(pending, target)
				continue
			}
			next := queued[0]
			if len(queued) == 1 {
				delete(pending, target)
			} else {
				pending[target] = queued[1:]
			}
			start(next)
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, j job) {
	defer d.outstanding.Add(-1)

	logger := d.logger.With("session", j.sessionID, "action", j.cmd.WireAction(), "target", j.cmd.Target())

	if err := d.sem.Acquire(ctx, 1); err != nil {
		d.failed.Add(1)
		d.record(j, models.OutcomeFailed, err)
		return
	}
	defer d.sem.Release(1)

	actx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	var err error
	switch j.cmd.Kind {
	case models.KindKillProcess:
		err = d.ctrl.TerminateProcess(actx, j.cmd.PID)
	case models.KindContainerAction:
		err = d.ctrl.ContainerAction(actx, j.cmd.ContainerID, j.cmd.Action)
	}

	if err != nil {
		d.failed.Add(1)
		logger.Warn("Command failed", "error", err)
		d.record(j, models.OutcomeFailed, err)
		return
	}

	d.succeeded.Add(1)
	logger.Info("Command executed")
	d.record(j, models.OutcomeSucceeded, nil)
}

func (d *Dispatcher) record(j job, status models.OutcomeStatus, cause error) {
	if d.recorder == nil {
		return
	}

	outcome := &models.Outcome{
		ID:          j.id,
		SessionID:   j.sessionID,
		Action:      j.cmd.WireAction(),
		Target:      j.cmd.Target(),
		Status:      status,
		RequestedAt: j.requestedAt,
		FinishedAt:  time.Now().UTC(),
	}
	if cause != nil {
		outcome.Error = cause.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if err := d.recorder.RecordOutcome(ctx, outcome); err != nil {
		d.logger.Error("Failed to record outcome", "id", outcome.ID, "error", err)
	}
}

type Stats struct {
	Submitted uint64 `json:"submitted"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Rejected  uint64 `json:"rejected"`
	Pending   int64  `json:"pending"`
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Submitted: d.submitted.Load(),
		Succeeded: d.succeeded.Load(),
		Failed:    d.failed.Load(),
		Rejected:  d.rejected.Load(),
		Pending:   d.outstanding.Load(),
	}
}
