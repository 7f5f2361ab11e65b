// Package sampler produces one telemetry snapshot per period by reading
// every host probe concurrently and handing the result to its sinks.
package sampler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/metorial/aegis/internal/inspector"
	"github.com/metorial/aegis/internal/models"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultInterval = time.Second

	// Probes get this share of the period; the rest is left for sinks.
	deadlineFraction = 0.8
)

// Probe names as reported in Snapshot.Unavailable.
const (
	ProbeHost       = "host"
	ProbeCPU        = "cpu"
	ProbeMemory     = "memory"
	ProbeDisks      = "disk"
	ProbeNetwork    = "network"
	ProbeProcesses  = "processes"
	ProbeContainers = "containers"
	ProbeGPUs       = "gpus"
)

// Sink receives every snapshot in tick order. Publish is called on the
// sampler goroutine and must not block.
type Sink interface {
	Publish(snap *models.Snapshot)
}

type SinkFunc func(snap *models.Snapshot)

func (f SinkFunc) Publish(snap *models.Snapshot) { f(snap) }

type Sampler struct {
	insp     inspector.Inspector
	interval time.Duration
	logger   *slog.Logger
	sinks    []Sink

	latest   atomic.Pointer[models.Snapshot]
	ticks    atomic.Uint64
	overruns atomic.Uint64

	mu      sync.Mutex
	failing map[string]bool
}

func New(insp inspector.Inspector, interval time.Duration, logger *slog.Logger, sinks ...Sink) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sampler{
		insp:     insp,
		interval: interval,
		logger:   logger.With("component", "sampler"),
		sinks:    sinks,
		failing:  make(map[string]bool),
	}
}

// Run ticks until ctx is cancelled. The first snapshot is taken
// immediately. Ticks never overlap: a tick that outlasts the period makes
// the ticker drop the missed ticks and is counted as an overrun.
func (s *Sampler) Run(ctx context.Context) error {
	s.logger.Info("Sampler started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sampler stopped", "ticks", s.ticks.Load(), "overruns", s.overruns.Load())
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sampler) tick(ctx context.Context) {
	start := time.Now()
	snap := s.Tick(ctx)
	if snap == nil {
		return
	}

	for _, sink := range s.sinks {
		sink.Publish(snap)
	}

	if elapsed := time.Since(start); elapsed > s.interval {
		s.overruns.Add(1)
		s.logger.Warn("Tick overran period", "elapsed", elapsed, "interval", s.interval)
	}
}

// Tick assembles one snapshot without publishing it. It returns nil only
// when ctx is already cancelled.
func (s *Sampler) Tick(ctx context.Context) *models.Snapshot {
	if ctx.Err() != nil {
		return nil
	}

	deadline := time.Duration(float64(s.interval) * deadlineFraction)
	tctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	snap := models.Empty()

	var (
		mu     sync.Mutex
		failed = make(map[string]error)
	)
	record := func(name string, err error) bool {
		if err == nil {
			return true
		}
		mu.Lock()
		failed[name] = err
		mu.Unlock()
		return false
	}

	var g errgroup.Group
	g.Go(func() error {
		v, err := read(tctx, s.insp.ReadHost)
		if record(ProbeHost, err) {
			snap.Metadata = v
		}
		return nil
	})
	g.Go(func() error {
		v, err := read(tctx, s.insp.ReadCPU)
		if record(ProbeCPU, err) {
			if v.CoreUsage == nil {
				v.CoreUsage = []float64{}
			}
			snap.CPU = v
		}
		return nil
	})
	g.Go(func() error {
		v, err := read(tctx, s.insp.ReadMemory)
		if record(ProbeMemory, err) {
			snap.Memory = v
		}
		return nil
	})
	g.Go(func() error {
		v, err := read(tctx, s.insp.ReadDisks)
		if record(ProbeDisks, err) && v != nil {
			snap.Disks = v
		}
		return nil
	})
	g.Go(func() error {
		v, err := read(tctx, s.insp.ReadNetwork)
		if record(ProbeNetwork, err) && v != nil {
			snap.Network = v
		}
		return nil
	})
	g.Go(func() error {
		v, err := read(tctx, s.insp.ReadProcesses)
		if record(ProbeProcesses, err) && v != nil {
			snap.TopProcesses = v
		}
		return nil
	})
	g.Go(func() error {
		v, err := read(tctx, s.insp.ReadContainers)
		if record(ProbeContainers, err) && v != nil {
			snap.Containers = v
		}
		return nil
	})
	g.Go(func() error {
		v, err := read(tctx, s.insp.ReadGPUs)
		if record(ProbeGPUs, err) && v != nil {
			snap.GPUs = v
		}
		return nil
	})
	_ = g.Wait()

	if _, ok := failed[ProbeHost]; ok {
		snap.Metadata = fallbackMetadata()
	}
	snap.Metadata.Timestamp = time.Now().UTC()

	for _, name := range probeOrder {
		if _, ok := failed[name]; ok {
			snap.Unavailable = append(snap.Unavailable, name)
		}
	}

	s.reportFailures(failed)
	s.latest.Store(snap)
	s.ticks.Add(1)
	return snap
}

var probeOrder = []string{
	ProbeHost, ProbeCPU, ProbeMemory, ProbeDisks, ProbeNetwork, ProbeProcesses, ProbeContainers, ProbeGPUs,
}

// read runs fn but gives up when ctx ends, so a probe that ignores its
// context cannot stall the tick. A late result is discarded.
func read[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// reportFailures logs the tick's failures at debug level and each
// transition of a probe between healthy and failing at warn/info.
func (s *Sampler) reportFailures(failed map[string]error) {
	var errs *multierror.Error

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range probeOrder {
		err, isFailing := failed[name]
		if isFailing {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", name, err))
		}
		switch {
		case isFailing && !s.failing[name]:
			s.logger.Warn("Probe unavailable", "probe", name, "error", err)
		case !isFailing && s.failing[name]:
			s.logger.Info("Probe recovered", "probe", name)
		}
		s.failing[name] = isFailing
	}

	if err := errs.ErrorOrNil(); err != nil {
		s.logger.Debug("Probe failures", "error", err)
	}
}

func fallbackMetadata() models.Metadata {
	hostname, _ := os.Hostname()
	return models.Metadata{Hostname: hostname, OSType: runtime.GOOS}
}

// Latest returns the most recent snapshot, or nil before the first tick.
func (s *Sampler) Latest() *models.Snapshot {
	return s.latest.Load()
}

func (s *Sampler) Ticks() uint64 {
	return s.ticks.Load()
}

func (s *Sampler) Overruns() uint64 {
	return s.overruns.Load()
}

func (s *Sampler) Interval() time.Duration {
	return s.interval
}
