package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Service metrics
	ServicesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keeper_services_total",
			Help: "Total number of installed services by lifecycle state",
		},
		[]string{"state"},
	)

	BrokenDependenciesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keeper_broken_dependencies_total",
			Help: "Number of dependency edges currently carrying an error, by kind",
		},
		[]string{"kind"},
	)

	MonitoredServices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeper_monitored_services",
			Help: "Number of services with an active health check loop",
		},
	)

	// Health check cycle metrics
	HealthCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_health_cycles_total",
			Help: "Total number of health check cycles by outcome",
		},
		[]string{"outcome"},
	)

	HealthCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keeper_health_cycle_duration_seconds",
			Help:    "End-to-end duration of a health check cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	HealthCycleRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keeper_health_cycle_retries_total",
			Help: "Total number of health check cycles retried after a store error",
		},
	)

	ProbeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keeper_probe_duration_seconds",
			Help:    "Duration of individual health probes in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	ProbeResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_probe_results_total",
			Help: "Total number of probe results by result",
		},
		[]string{"result"},
	)

	// Dependency metrics
	DependencyTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_dependency_transitions_total",
			Help: "Total number of committed dependency edge transitions",
		},
		[]string{"transition"},
	)

	// Store metrics
	StoreCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keeper_store_commit_duration_seconds",
			Help:    "Time taken to commit a root transaction in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	StoreLockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keeper_store_lock_wait_seconds",
			Help:    "Time spent waiting for a lock batch in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	StoreLockRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_store_lock_requests_total",
			Help: "Total number of location lock requests by mode",
		},
		[]string{"mode"},
	)

	StoreConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keeper_store_conflicts_total",
			Help: "Total number of commits rejected because a location changed underneath",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ServicesTotal)
	prometheus.MustRegister(BrokenDependenciesTotal)
	prometheus.MustRegister(MonitoredServices)
	prometheus.MustRegister(HealthCyclesTotal)
	prometheus.MustRegister(HealthCycleDuration)
	prometheus.MustRegister(HealthCycleRetriesTotal)
	prometheus.MustRegister(ProbeDuration)
	prometheus.MustRegister(ProbeResultsTotal)
	prometheus.MustRegister(DependencyTransitionsTotal)
	prometheus.MustRegister(StoreCommitDuration)
	prometheus.MustRegister(StoreLockWaitDuration)
	prometheus.MustRegister(StoreLockRequestsTotal)
	prometheus.MustRegister(StoreConflictsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
