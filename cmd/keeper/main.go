package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/keeper/pkg/config"
	"github.com/cuemby/keeper/pkg/log"
	"github.com/cuemby/keeper/pkg/storage"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// cfg is loaded once per invocation by the root command
var cfg config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "keeper",
	Short: "Keeper - health monitoring for locally managed services",
	Long: `Keeper watches the services installed on this machine, runs their
health checks and keeps track of which services are broken because
something they depend on is unhealthy.

The state database is held by one process at a time. While the daemon
runs, install, uninstall, start, stop, check and status exit with an
error; stop the daemon first.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")

		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("data-dir") {
			loaded.DataDir, _ = cmd.Flags().GetString("data-dir")
		}
		if cmd.Flags().Changed("log-level") {
			loaded.LogLevel, _ = cmd.Flags().GetString("log-level")
		}
		if cmd.Flags().Changed("log-json") {
			loaded.LogJSON, _ = cmd.Flags().GetBool("log-json")
		}
		cfg = loaded

		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			JSONOutput: cfg.LogJSON,
			Output:     os.Stderr,
		})
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Keeper version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("data-dir", "", "Directory holding keeper.db")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log in JSON")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(statusCmd)
}

// openStore opens the store in the configured data directory. The database
// file is held by one process at a time: while the daemon runs, the other
// commands fail right away instead of waiting for it.
func openStore() (*storage.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.NewBoltStore(cfg.DataDir, storage.WithOpenTimeout(500*time.Millisecond))
	if errors.Is(err, storage.ErrInUse) {
		return nil, fmt.Errorf("%w: stop the keeper daemon using %s first", err, cfg.DataDir)
	}
	if err != nil {
		return nil, err
	}
	return store, nil
}
