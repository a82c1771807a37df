/*
Package metrics exposes keeper's Prometheus metrics and its liveness and
readiness endpoints.

All metrics are registered with the default registry at init and served by
Handler on /metrics. They fall into four groups:

	keeper_services_total{state}                 installed services per state
	keeper_broken_dependencies_total{kind}       broken edges per error kind
	keeper_monitored_services                    services with a check loop

	keeper_health_cycles_total{outcome}          committed / not-started / cancelled / error
	keeper_health_cycle_duration_seconds
	keeper_health_cycle_retries_total

	keeper_probe_duration_seconds{type}          http / tcp / exec
	keeper_probe_results_total{result}
	keeper_dependency_transitions_total{transition}

	keeper_store_commit_duration_seconds
	keeper_store_lock_wait_seconds
	keeper_store_lock_requests_total{mode}
	keeper_store_conflicts_total

Gauges describing stored state are refreshed by a Collector polling a
Source (the service registry). Durations are measured with Timer:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.HealthCycleDuration)

HealthHandler and ReadyHandler report component health; the daemon is ready
once the store and the monitor have reported in.
*/
package metrics
