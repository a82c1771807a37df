/*
Package health runs the probes configured for a service.

Three probe types are supported, each behind the Checker interface:

	┌────────────┐   ┌────────────┐   ┌────────────┐
	│HTTPChecker │   │ TCPChecker │   │ExecChecker │
	│ GET url    │   │ dial addr  │   │ Execer.Exec│
	└─────┬──────┘   └─────┬──────┘   └─────┬──────┘
	      └────────────────┼────────────────┘
	                       ▼
	                    Runner
	           RunAll(ctx, Request) → types.HealthResults

Runner.RunAll resolves each check definition against the service's
containers, runs the probes concurrently with a bounded errgroup and
returns exactly one result per defined check. Build errors, timeouts and
panics are all reported as failures; RunAll never returns an error.

Exec checks see the service through KEEPER_SERVICE_ID, KEEPER_VERSION,
KEEPER_STARTED_AT and one KEEPER_VOLUME_<NAME> variable per mounted volume.
The command runs through an Execer; HostExecer runs it on the host and
container runtimes supply their own.

# Usage

	runner := health.NewRunner(health.WithConcurrency(4))
	results := runner.RunAll(ctx, health.Request{
		Service:    manifest.ID,
		Version:    manifest.Version,
		Started:    started,
		Checks:     manifest.HealthChecks,
		Containers: manifest.Containers,
		Volumes:    manifest.Volumes,
	})

Individual checkers can also be used directly:

	result := health.NewHTTPChecker("http://10.0.3.2:8332/health").
		WithTimeout(5 * time.Second).
		Check(ctx)
*/
package health
