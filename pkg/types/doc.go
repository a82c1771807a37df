/*
Package types defines the core data structures shared by every keeper package.

The types describe installed services as the health monitor sees them: an
immutable Manifest, a MainStatus that carries the per-check health map while the
service is running, and the two halves of every dependency edge.

# Dependency Edges

An edge points from a dependent to the service it depends on. Both ends keep a
record of it:

	┌────────────────────┐  CurrentDependencies   ┌────────────────────┐
	│     dependent      │ ─────────────────────▶ │     dependency     │
	│  DependencyErrors  │ ◀───────────────────── │  CurrentDependents │
	└────────────────────┘   (checks subscribed)  └────────────────────┘

CurrentDependents is owned by the dependency and lists, for every installed
dependent, the health checks it subscribes to. DependencyErrors is owned by the
dependent and holds at most one DependencyError per dependency. A new evaluation
overwrites or clears that error, it never appends.

# Health Results

Every check id declared in a Manifest maps to exactly one HealthCheckResult in
the running status. A probe that could not execute is a Failure, never a missing
entry.

	status := types.Running(time.Now(), types.HealthResults{
		"web":  types.Success("HTTP 200 OK"),
		"sync": types.Failure("connection refused"),
	})
	status.Health.Failing() // ["sync"]

# Dependency Errors

Two kinds exist:

  - health-checks-failed: the dependency is running but at least one check the
    dependent subscribes to is failing. Failures holds exactly that subset.
  - transitive: the dependency is itself broken by one of its own dependencies.

A health check failure outranks a transitive reason on the same edge.
*/
package types
