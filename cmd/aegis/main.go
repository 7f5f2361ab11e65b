package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/metorial/aegis/internal/agent"
	"github.com/metorial/aegis/internal/cli"
	"github.com/metorial/aegis/internal/config"
	"github.com/metorial/aegis/internal/history"
	"github.com/metorial/aegis/internal/inspector"
	"github.com/metorial/aegis/internal/sampler"
	"github.com/spf13/cobra"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "aegis",
	Short: "Host telemetry agent",
	Long: `aegis samples host metrics every second and streams them to authenticated
viewers over a WebSocket push channel. Viewers may send control commands to
kill processes or start, stop and restart containers.

Settings come from flags, AEGIS_* environment variables and an optional
YAML config file, in that order of precedence.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:          "serve",
	Short:        "Run the agent (default)",
	SilenceUsage: true,
	RunE:         runServe,
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Take one snapshot of this host and print it as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath, cmd.Flags())
		if err != nil {
			return err
		}
		logger, err := config.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
		if err != nil {
			return err
		}

		system, err := inspector.NewSystem(inspector.Options{
			AgentVersion:  agent.Version,
			TopProcesses:  cfg.TopProcesses,
			DockerHost:    cfg.DockerHost,
			DisableDocker: cfg.DisableDocker,
			NvidiaSMI:     cfg.NvidiaSMI,
		})
		if err != nil {
			return err
		}
		defer system.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		// Rates need a baseline, so the first reading is discarded.
		s := sampler.New(system, time.Second, logger)
		s.Tick(ctx)
		time.Sleep(time.Second)

		snap := s.Tick(ctx)
		if snap == nil {
			return ctx.Err()
		}
		return cli.FormatJSON(snap)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agent version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(agent.Version)
	},
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := config.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return err
	}

	a, err := agent.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting agent", "version", agent.Version, "http", a.HTTPAddr(), "grpc", a.GRPCAddr())
	return a.Run(ctx)
}

func addAgentFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("token", "", "Shared secret viewers must present (env AEGIS_TOKEN)")
	flags.String("http-addr", ":8080", "HTTP and WebSocket listen address")
	flags.String("grpc-addr", ":9090", "gRPC health listen address, empty to disable")
	flags.StringSlice("allowed-origins", nil, "WebSocket origins to accept (default any)")
	flags.Duration("interval", sampler.DefaultInterval, "Sampling period")
	flags.Int("history-size", history.DefaultCapacity, "Number of history points kept in memory")
	flags.Int("top-processes", inspector.DefaultTopProcesses, "Number of processes per snapshot")
	flags.Int("max-sessions", 0, "Maximum concurrent viewers, 0 for unlimited")
	flags.String("db-path", "aegis.db", "Command outcome database")
	flags.String("docker-host", "", "Docker Engine address (default from DOCKER_HOST)")
	flags.Bool("disable-docker", false, "Do not report or control containers")
	flags.String("consul-addr", "", "Consul agent address for service registration")
	flags.String("alert-webhook", "", "Webhook URL for threshold alerts")
	flags.String("log-level", "info", "Log level: debug, info, warn or error")
	flags.String("log-format", "text", "Log format: text or json")
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")

	addAgentFlags(rootCmd)
	addAgentFlags(serveCmd)

	snapshotCmd.Flags().Int("top-processes", inspector.DefaultTopProcesses, "Number of processes per snapshot")
	snapshotCmd.Flags().Bool("disable-docker", false, "Do not report containers")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(versionCmd)
}
