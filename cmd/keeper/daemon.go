package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/keeper/pkg/events"
	"github.com/cuemby/keeper/pkg/health"
	"github.com/cuemby/keeper/pkg/log"
	"github.com/cuemby/keeper/pkg/metrics"
	"github.com/cuemby/keeper/pkg/monitor"
	"github.com/cuemby/keeper/pkg/registry"
	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the health monitor",
	Long: `Run the health monitor in the foreground.

Every running service is checked periodically; results and dependency
errors are written to the store. Metrics are served on /metrics and
liveness and readiness on /health and /ready.`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().String("metrics-addr", "", "Address for the metrics and health endpoints")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if cmd.Flags().Changed("metrics-addr") {
		cfg.MetricsAddr, _ = cmd.Flags().GetString("metrics-addr")
	}
	logger := log.WithComponent("daemon")
	metrics.SetVersion(Version)

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	metrics.UpdateComponent(metrics.ComponentStore, true, "")

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	go logEvents(broker)

	reg := registry.New(store).WithPublisher(broker)
	runner := health.NewRunner(
		health.WithConcurrency(cfg.ProbeConcurrency),
		health.WithDefaultTimeout(cfg.ProbeTimeout),
	)
	checker := monitor.NewChecker(store, runner, broker)

	mon := monitor.New(reg, checker, monitor.Config{
		Interval:     cfg.Interval,
		SyncInterval: cfg.SyncInterval,
		CycleRate:    cfg.CycleRate,
	})
	mon.Start()

	collector := metrics.NewCollector(reg, 0, log.WithComponent("collector"))
	collector.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	server := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server error: %w", err)
		}
	}()

	logger.Info().
		Str("data_dir", cfg.DataDir).
		Str("metrics_addr", cfg.MetricsAddr).
		Dur("interval", cfg.Interval).
		Msg("Keeper daemon started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("Shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(ctx)

	collector.Stop()
	mon.Stop()

	logger.Info().Msg("Shutdown complete")
	return runErr
}

func logEvents(broker *events.Broker) {
	logger := log.WithComponent("events")
	for ev := range broker.Subscribe() {
		entry := logger.Debug().
			Str("event_id", ev.ID).
			Str("type", string(ev.Type)).
			Str("service_id", string(ev.Service))
		for k, v := range ev.Metadata {
			entry = entry.Str(k, v)
		}
		entry.Msg(ev.Message)
	}
}
