package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/collective/pkg/client"
	"github.com/cuemby/collective/pkg/config"
	"github.com/cuemby/collective/pkg/fault"
	"github.com/cuemby/collective/pkg/machine"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps fault kinds to shell-friendly codes: caller mistakes
// are 3, infrastructure trouble is 2, everything else is 1.
func exitCode(err error) int {
	switch fault.KindOf(err) {
	case fault.Validation, fault.Policy:
		return 3
	case fault.Transport, fault.Unavailable:
		return 2
	}
	return 1
}

var rootCmd = &cobra.Command{
	Use:   "collective",
	Short: "Collective - shared memory and coordination for agent fleets",
	Long: `Collective is a distributed memory and coordination fabric for
fleets of AI agents. Each machine runs one collective process holding
the full replica of the fleet's shared memory; agents connect locally
and the machines keep each other converged.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Collective version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("addr", "127.0.0.1:7946", "RPC address of the machine to talk to")
	rootCmd.PersistentFlags().String("actor", "", "agent id to attribute operations to")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(memoryCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(broadcastCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(adminCmd)
}

// newClient builds a client from the persistent flags.
func newClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("addr")
	actor, _ := cmd.Flags().GetString("actor")
	return client.New(addr).WithActor(actor)
}

// printJSON renders any payload as indented JSON on stdout.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a collective machine",
	Long: `Run one collective machine: the local memory store, the sync
engine, the agent registry, the coordination bus, and the RPC and
health listeners. The process runs until SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg := config.Default()
		if cfgPath != "" {
			loaded, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			cfg = loaded
		}
		if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
			cfg.DataDir = v
		}
		if v, _ := cmd.Flags().GetString("rpc-addr"); v != "" {
			cfg.RPCAddr = v
		}
		if v, _ := cmd.Flags().GetString("health-addr"); v != "" {
			cfg.HealthAddr = v
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		m, err := machine.New(cfg)
		if err != nil {
			return err
		}
		if err := m.Start(context.Background()); err != nil {
			return err
		}
		fmt.Printf("collective machine %s listening on %s (health %s)\n",
			m.MachineID(), m.RPCAddr(), m.HealthAddr())

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		fmt.Println("shutting down...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		m.Shutdown(ctx)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the machine status snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		cli := newClient(cmd)
		defer cli.Close()
		status, err := cli.Status(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(status)
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run an immediate digest round against every peer",
	RunE: func(cmd *cobra.Command, args []string) error {
		clean, _ := cmd.Flags().GetBool("clean")
		cli := newClient(cmd)
		defer cli.Close()
		status, err := cli.TriggerSync(cmd.Context(), clean)
		if err != nil {
			return err
		}
		return printJSON(status)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "path to the YAML configuration file")
	serveCmd.Flags().String("data-dir", "", "override the data directory")
	serveCmd.Flags().String("rpc-addr", "", "override the RPC listen address")
	serveCmd.Flags().String("health-addr", "", "override the health listen address")

	syncCmd.Flags().Bool("clean", false, "clear the needs-full-resync flag before the round")
}
