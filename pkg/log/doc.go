/*
Package log provides structured logging for keeper using zerolog.

The package holds a single global zerolog.Logger that every component derives a
child logger from. Until Init is called the global logger discards everything,
which keeps library code and tests quiet.

# Configuration

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Console output (the default when JSONOutput is false) uses zerolog's
ConsoleWriter with RFC3339 timestamps and is meant for interactive use of the
keeper CLI. The daemon should run with JSON output.

# Component Loggers

	monitorLog := log.WithComponent("monitor")
	monitorLog.Info().Str("service_id", "bitcoind").Msg("Starting health checks")

	cycleLog := log.ForCycle(monitorLog, "lnd", cycleID)
	cycleLog.Debug().Msg("All health checks succeeded")

Components keep their child logger in a struct field and derive per-service
or per-cycle loggers from it with ForService and ForCycle.

# Levels

  - debug: per-cycle details (probe summaries, skipped cycles)
  - info: lifecycle of long-running loops, dependency transitions
  - warn: retried or discarded cycles
  - error: cycles that failed after retries
*/
package log
