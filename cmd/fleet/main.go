package main

import (
	"fmt"
	"os"

	"github.com/cuemby/fleet/pkg/config"
	"github.com/cuemby/fleet/pkg/log"
	"github.com/spf13/cobra"
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
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleet",
	Short: "Fleet - virtualization fleet manager",
	Long: `Fleet manages VMs and their disks across a pool of compute nodes.

It tracks live merges of snapshot volumes until the storage layer confirms
them, and runs disk actions against the nodes that host each VM.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "Fleet version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Fleet version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to fleet.yaml")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log as JSON")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(diskCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(applyCmd)
}

// loadConfig reads --config and applies the flag overrides, then sets up logging
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("log-level") {
		level, _ := cmd.Flags().GetString("log-level")
		cfg.Log.Level = log.Level(level)
	}
	if cmd.Flags().Changed("log-json") {
		cfg.Log.JSON, _ = cmd.Flags().GetBool("log-json")
	}
	if f := cmd.Flags().Lookup("data-dir"); f != nil && f.Changed {
		cfg.DataDir = f.Value.String()
	}
	if f := cmd.Flags().Lookup("node-id"); f != nil && f.Changed {
		cfg.NodeID = f.Value.String()
	}
	if f := cmd.Flags().Lookup("raft-addr"); f != nil && f.Changed {
		cfg.RaftAddr = f.Value.String()
	}
	if f := cmd.Flags().Lookup("ops-addr"); f != nil && f.Changed {
		cfg.OpsAddr = f.Value.String()
	}
	if f := cmd.Flags().Lookup("inventory"); f != nil && f.Changed {
		cfg.Inventory = f.Value.String()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Init(cfg.LogConfig())
	return cfg, nil
}
