package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/metorial/aegis/internal/cli"
	"github.com/metorial/aegis/internal/discovery"
	"github.com/metorial/aegis/internal/models"
	"github.com/spf13/cobra"
)

var (
	serverURL  string
	token      string
	consulAddr string
	node       string
	outputJSON bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "aegisctl",
	Short: "CLI for the aegis telemetry agent",
	Long: `aegisctl is a command-line interface for the aegis agent API.

It queries snapshots, history, statistics and command outcomes, watches the
live stream and sends control commands to an agent.`,
	SilenceUsage: true,
}

// newClient targets --server, or the agent registered for --node in Consul.
func newClient() (*cli.Client, error) {
	if node == "" {
		return cli.NewClient(serverURL, token), nil
	}

	registrar, err := newRegistrar()
	if err != nil {
		return nil, err
	}
	addr, err := registrar.Resolve(node)
	if err != nil {
		return nil, err
	}
	return cli.NewClient("http://"+addr, token), nil
}

func newRegistrar() (*discovery.Registrar, error) {
	if consulAddr == "" {
		return nil, fmt.Errorf("--consul or CONSUL_HTTP_ADDR is required")
	}
	return discovery.NewRegistrar(consulAddr)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check agent health",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		data, err := client.Health()
		if err != nil {
			return err
		}

		if outputJSON {
			return cli.FormatJSON(data)
		}

		fmt.Printf("Status: %v\n", data["status"])
		fmt.Printf("Version: %v\n", data["version"])
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show agent statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		data, err := client.Stats()
		if err != nil {
			return err
		}

		if outputJSON {
			return cli.FormatJSON(data)
		}
		return cli.FormatStatsTable(data)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent CPU and memory history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newClient()
		if err != nil {
			return err
		}
		data, err := client.History(limit)
		if err != nil {
			return err
		}

		if outputJSON {
			return cli.FormatJSON(data)
		}
		return cli.FormatHistoryTable(data)
	},
}

var outcomesCmd = &cobra.Command{
	Use:   "outcomes",
	Short: "Show results of recent control commands",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newClient()
		if err != nil {
			return err
		}
		data, err := client.Outcomes(limit)
		if err != nil {
			return err
		}

		if outputJSON {
			return cli.FormatJSON(data)
		}
		return cli.FormatOutcomesTable(data)
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Show the latest snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		snap, err := client.Snapshot()
		if err != nil {
			return err
		}

		if outputJSON {
			return cli.FormatJSON(snap)
		}
		return cli.FormatSnapshot(snap)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live snapshots until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return client.Watch(ctx, func(snap *models.Snapshot) error {
			if outputJSON {
				return cli.FormatJSON(snap)
			}
			return cli.FormatSnapshotLine(snap)
		})
	},
}

var killCmd = &cobra.Command{
	Use:   "kill [pid]",
	Short: "Terminate a process on the agent's host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid pid %q", args[0])
		}
		return send(cmd.Context(), models.KillProcess(pid))
	},
}

var containerCmd = &cobra.Command{
	Use:       "container [start|stop|restart] [container-id]",
	Short:     "Start, stop or restart a container on the agent's host",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"start", "stop", "restart"},
	RunE: func(cmd *cobra.Command, args []string) error {
		action := models.ContainerAction(args[0])
		if !action.Valid() {
			return fmt.Errorf("unknown container action %q", args[0])
		}
		return send(cmd.Context(), models.ContainerCommand(args[1], action))
	},
}

func send(ctx context.Context, command models.Command) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	if err := client.Send(ctx, command); err != nil {
		return err
	}
	fmt.Printf("Sent %s\n", command)
	fmt.Println("Run 'aegisctl outcomes' to see the result.")
	return nil
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List agents registered in Consul",
	RunE: func(cmd *cobra.Command, args []string) error {
		registrar, err := newRegistrar()
		if err != nil {
			return err
		}
		agents, err := registrar.Agents()
		if err != nil {
			return err
		}

		if outputJSON {
			return cli.FormatJSON(agents)
		}
		return cli.FormatAgentsTable(agents)
	},
}

func init() {
	// Check for environment variables, fallback to defaults
	defaultServerURL := os.Getenv("AEGIS_URL")
	if defaultServerURL == "" {
		defaultServerURL = "http://localhost:8080"
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", defaultServerURL, "Agent server URL")
	rootCmd.PersistentFlags().StringVarP(&token, "token", "t", os.Getenv("AEGIS_TOKEN"), "Agent access token")
	rootCmd.PersistentFlags().StringVar(&consulAddr, "consul", os.Getenv("CONSUL_HTTP_ADDR"), "Consul address for agent discovery")
	rootCmd.PersistentFlags().StringVarP(&node, "node", "n", "", "Resolve the agent for this hostname through Consul")
	rootCmd.PersistentFlags().BoolVarP(&outputJSON, "json", "j", false, "Output in JSON format")

	historyCmd.Flags().IntP("limit", "l", 0, "Number of points to retrieve (default all)")
	outcomesCmd.Flags().IntP("limit", "l", 100, "Number of outcomes to retrieve (max: 1000)")

	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(outcomesCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(killCmd)
	rootCmd.AddCommand(containerCmd)
	rootCmd.AddCommand(agentsCmd)
}
