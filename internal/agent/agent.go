// Package agent builds every component of the telemetry agent from a
// Config and runs them under one context.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/metorial/aegis/internal/alerts"
	"github.com/metorial/aegis/internal/config"
	"github.com/metorial/aegis/internal/discovery"
	"github.com/metorial/aegis/internal/dispatch"
	"github.com/metorial/aegis/internal/history"
	"github.com/metorial/aegis/internal/hub"
	"github.com/metorial/aegis/internal/inspector"
	"github.com/metorial/aegis/internal/sampler"
	"github.com/metorial/aegis/internal/server"
	"github.com/metorial/aegis/internal/store"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Version is set at build time with -ldflags "-X".
var Version = "dev"

const (
	maintenanceInterval = time.Hour
	shutdownTimeout     = 5 * time.Second
)

type Agent struct {
	cfg    *config.Config
	logger *slog.Logger

	closers []io.Closer

	store      *store.DB
	history    *history.Ring
	hub        *hub.Hub
	dispatcher *dispatch.Dispatcher
	alerts     *alerts.Engine
	sampler    *sampler.Sampler
	server     *server.Server
	grpc       *server.GRPCServer

	httpLis net.Listener
	grpcLis net.Listener
}

// New builds an agent that inspects and controls the local machine.
func New(cfg *config.Config, logger *slog.Logger) (*Agent, error) {
	system, err := inspector.NewSystem(inspector.Options{
		AgentVersion:  Version,
		TopProcesses:  cfg.TopProcesses,
		DockerHost:    cfg.DockerHost,
		DisableDocker: cfg.DisableDocker,
		NvidiaSMI:     cfg.NvidiaSMI,
	})
	if err != nil {
		return nil, fmt.Errorf("create inspector: %w", err)
	}

	a, err := NewWithInspector(cfg, system, system, logger)
	if err != nil {
		system.Close()
		return nil, err
	}
	a.closers = append(a.closers, system)
	return a, nil
}

// NewWithInspector builds an agent over the given inspection and control
// primitives. Listeners are bound here so address errors surface before Run.
func NewWithInspector(cfg *config.Config, insp inspector.Inspector, ctrl inspector.Controller, logger *slog.Logger) (*Agent, error) {
	a := &Agent{
		cfg:    cfg,
		logger: logger.With("component", "agent"),
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	a.store = db
	a.closers = append(a.closers, db)

	a.history = history.NewRing(cfg.HistorySize)
	a.hub = hub.New(logger, hub.Options{MaxSessions: cfg.MaxSessions})
	a.dispatcher = dispatch.New(ctrl, db, logger, dispatch.Options{
		QueueSize:   cfg.DispatchQueue,
		Concurrency: int64(cfg.DispatchConcurrency),
		Timeout:     cfg.ActionTimeout,
	})

	notifiers := []alerts.Notifier{alerts.NewLogNotifier(logger)}
	if cfg.AlertWebhook != "" {
		notifiers = append(notifiers, alerts.NewWebhookNotifier(cfg.AlertWebhook))
	}
	a.alerts = alerts.New(cfg.AlertRules, cfg.AlertCooldown, logger, notifiers...)

	sinks := []sampler.Sink{a.history, a.hub}
	if a.alerts.Enabled() {
		sinks = append(sinks, a.alerts)
	}
	a.sampler = sampler.New(insp, cfg.Interval, logger, sinks...)

	a.server = server.New(server.Options{
		Token:          cfg.Token,
		Version:        Version,
		AllowedOrigins: cfg.AllowedOrigins,
		Session: hub.SessionOptions{
			QueueSize:    cfg.SessionQueue,
			WriteTimeout: cfg.WriteTimeout,
			CommandRate:  rate.Limit(cfg.CommandRate),
			CommandBurst: cfg.CommandBurst,
			Logger:       logger,
		},
	}, a.hub, a.sampler, a.history, a.dispatcher, db, logger)

	a.httpLis, err = net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("listen http: %w", err)
	}
	a.closers = append(a.closers, a.httpLis)

	if cfg.GRPCAddr != "" {
		a.grpcLis, err = net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("listen grpc: %w", err)
		}
		a.closers = append(a.closers, a.grpcLis)
		a.grpc = server.NewGRPCServer()
	}

	return a, nil
}

// HTTPAddr is the bound address of the HTTP listener.
func (a *Agent) HTTPAddr() string {
	return a.httpLis.Addr().String()
}

// GRPCAddr is the bound address of the gRPC listener, or "" when disabled.
func (a *Agent) GRPCAddr() string {
	if a.grpcLis == nil {
		return ""
	}
	return a.grpcLis.Addr().String()
}

// Run serves until ctx is cancelled or a component fails, then shuts
// everything down and releases resources. A clean shutdown returns nil.
func (a *Agent) Run(ctx context.Context) error {
	defer a.close()

	g, ctx := errgroup.WithContext(ctx)

	httpServer := &http.Server{
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Hijacked websocket requests keep this context, so sessions end
		// with the agent.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g.Go(func() error { return a.hub.Run(ctx) })
	g.Go(func() error { return a.dispatcher.Run(ctx) })
	if a.alerts.Enabled() {
		g.Go(func() error { return a.alerts.Run(ctx) })
	}
	g.Go(func() error { return a.sampler.Run(ctx) })
	g.Go(func() error {
		a.maintain(ctx)
		return nil
	})

	g.Go(func() error {
		a.logger.Info("HTTP server listening", "addr", a.HTTPAddr())
		if err := httpServer.Serve(a.httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})

	if a.grpc != nil {
		g.Go(func() error {
			a.logger.Info("gRPC health server listening", "addr", a.GRPCAddr())
			if err := a.grpc.Serve(a.grpcLis); err != nil {
				return fmt.Errorf("serve grpc: %w", err)
			}
			return nil
		})
	}

	registrar := a.register()

	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info("Shutting down")

		if registrar != nil {
			if err := registrar.Deregister(); err != nil {
				a.logger.Warn("Failed to deregister from Consul", "error", err)
			}
		}
		if a.grpc != nil {
			a.grpc.SetServing(false)
			a.grpc.Stop()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("HTTP shutdown incomplete", "error", err)
		}
		return nil
	})

	return g.Wait()
}

// register announces the agent in Consul. Failure only warns.
func (a *Agent) register() *discovery.Registrar {
	if a.cfg.ConsulAddr == "" {
		return nil
	}

	registrar, err := discovery.NewRegistrar(a.cfg.ConsulAddr)
	if err != nil {
		a.logger.Warn("Consul registration disabled", "error", err)
		return nil
	}

	hostname, _ := os.Hostname()
	reg := discovery.Registration{
		Hostname: hostname,
		HTTPPort: listenerPort(a.httpLis),
		Version:  Version,
	}
	if a.grpcLis != nil {
		reg.GRPCPort = listenerPort(a.grpcLis)
	}

	if err := registrar.Register(reg); err != nil {
		a.logger.Warn("Failed to register with Consul", "error", err)
		return nil
	}
	a.logger.Info("Registered with Consul", "addr", a.cfg.ConsulAddr)
	return registrar
}

func (a *Agent) maintain(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		removed, err := a.store.CleanupOutcomes(ctx, a.cfg.OutcomeRetention)
		switch {
		case err != nil && ctx.Err() == nil:
			a.logger.Error("Error cleaning up outcomes", "error", err)
		case removed > 0:
			a.logger.Info("Removed expired outcomes", "count", removed)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *Agent) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			a.logger.Debug("Close failed", "error", err)
		}
	}
	a.closers = nil
}

func listenerPort(lis net.Listener) int {
	if addr, ok := lis.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}
