package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cuemby/keeper/pkg/health"
	"github.com/cuemby/keeper/pkg/monitor"
	"github.com/cuemby/keeper/pkg/registry"
	"github.com/cuemby/keeper/pkg/types"
	"github.com/spf13/cobra"
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install a service from a manifest",
	Long: `Install a service from a YAML manifest.

Examples:
  # Install bitcoind, then a service depending on it
  keeper install -f bitcoind.yaml
  keeper install -f lnd.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		filename, _ := cmd.Flags().GetString("file")

		manifest, err := registry.LoadManifest(filename)
		if err != nil {
			return err
		}

		return withRegistry(func(ctx context.Context, reg *registry.Registry) error {
			if err := reg.Install(ctx, manifest); err != nil {
				return fmt.Errorf("failed to install %s: %w", manifest.ID, err)
			}
			fmt.Printf("✓ Service installed: %s (%s)\n", manifest.ID, manifest.Version)
			return nil
		})
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall SERVICE",
	Short: "Uninstall a service nothing depends on",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := types.ServiceID(args[0])
		return withRegistry(func(ctx context.Context, reg *registry.Registry) error {
			if err := reg.Uninstall(ctx, id); err != nil {
				return fmt.Errorf("failed to uninstall %s: %w", id, err)
			}
			fmt.Printf("✓ Service uninstalled: %s\n", id)
			return nil
		})
	},
}

var startCmd = &cobra.Command{
	Use:   "start SERVICE",
	Short: "Mark a service as running",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := types.ServiceID(args[0])
		return withRegistry(func(ctx context.Context, reg *registry.Registry) error {
			if err := reg.Start(ctx, id, time.Now()); err != nil {
				return fmt.Errorf("failed to start %s: %w", id, err)
			}
			fmt.Printf("✓ Service started: %s\n", id)
			return nil
		})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop SERVICE",
	Short: "Mark a service as stopped",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := types.ServiceID(args[0])
		return withRegistry(func(ctx context.Context, reg *registry.Registry) error {
			if err := reg.Stop(ctx, id); err != nil {
				return fmt.Errorf("failed to stop %s: %w", id, err)
			}
			fmt.Printf("✓ Service stopped: %s\n", id)
			return nil
		})
	},
}

var checkCmd = &cobra.Command{
	Use:   "check SERVICE",
	Short: "Run one health check cycle now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := types.ServiceID(args[0])
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		runner := health.NewRunner(
			health.WithConcurrency(cfg.ProbeConcurrency),
			health.WithDefaultTimeout(cfg.ProbeTimeout),
		)
		checker := monitor.NewChecker(store, runner, nil)

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.ProbeTimeout+30*time.Second)
		defer cancel()
		if err := checker.Check(ctx, id, nil); err != nil {
			return err
		}

		reg := registry.New(store)
		rec, err := reg.Get(ctx, id)
		if err != nil {
			return err
		}
		printRecord(rec)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [SERVICE]",
	Short: "Show service status, health and dependency errors",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(func(ctx context.Context, reg *registry.Registry) error {
			if len(args) == 1 {
				rec, err := reg.Get(ctx, types.ServiceID(args[0]))
				if err != nil {
					return err
				}
				printRecord(rec)
				return nil
			}

			ids, err := reg.List()
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Println("No services installed")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "SERVICE\tVERSION\tSTATE\tFAILING\tBROKEN DEPENDENCIES")
			for _, id := range ids {
				rec, err := reg.Get(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					id,
					rec.Manifest.Version,
					rec.Status.State,
					joinOrDash(checkIDs(rec.Status.Health.Failing())),
					joinOrDash(serviceIDs(rec.DependencyErrors.IDs())),
				)
			}
			return w.Flush()
		})
	},
}

func init() {
	installCmd.Flags().StringP("file", "f", "", "Manifest YAML file (required)")
	_ = installCmd.MarkFlagRequired("file")
}

// withRegistry opens the store for the duration of fn
func withRegistry(fn func(ctx context.Context, reg *registry.Registry) error) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, registry.New(store))
}

func printRecord(rec *registry.Record) {
	fmt.Printf("Service:  %s\n", rec.Manifest.ID)
	if rec.Manifest.Title != "" {
		fmt.Printf("Title:    %s\n", rec.Manifest.Title)
	}
	fmt.Printf("Version:  %s\n", rec.Manifest.Version)
	fmt.Printf("State:    %s\n", rec.Status.State)
	if started, ok := rec.Status.StartedAt(); ok {
		fmt.Printf("Started:  %s\n", started.Format(time.RFC3339))
	}

	if len(rec.Status.Health) > 0 {
		fmt.Println("Health:")
		for _, id := range rec.Manifest.HealthCheckIDs() {
			res, ok := rec.Status.Health[id]
			if !ok {
				continue
			}
			fmt.Printf("  %-12s %-8s %s\n", id, res.Result, res.Message)
		}
	}

	if len(rec.DependencyErrors) > 0 {
		fmt.Println("Broken dependencies:")
		for _, dep := range rec.DependencyErrors.IDs() {
			depErr := rec.DependencyErrors[dep]
			line := fmt.Sprintf("  %-12s %s", dep, depErr.Kind)
			if failing := depErr.Failures.Failing(); len(failing) > 0 {
				line += " (" + strings.Join(checkIDs(failing), ", ") + ")"
			}
			fmt.Println(line)
		}
	}
}

func checkIDs(ids []types.HealthCheckID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func serviceIDs(ids []types.ServiceID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func joinOrDash(s []string) string {
	if len(s) == 0 {
		return "-"
	}
	return strings.Join(s, ",")
}
