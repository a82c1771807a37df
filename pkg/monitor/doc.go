/*
Package monitor runs health check cycles and keeps dependency errors in step
with the health of the services they point at.

A cycle (Checker.Check) works in three lock phases inside one root
transaction:

 1. Read the status and manifest under read locks, then release them. A
    service that is not running ends the cycle here with no writes.
 2. Run every probe. Nothing is locked while probes run. The cycle's Gate
    is sampled once afterwards; a revoked gate discards the results.
 3. Store the results under a write lock on the status and read the
    current dependents, release, then take the propagation locks and break
    or heal the edge of every dependent.

The root transaction commits all writes at once. Any error aborts it, so a
failed cycle leaves the store untouched.

Monitor drives cycles: it scans installed services, keeps one loop per
running service and revokes that loop's gate when the service stops or is
uninstalled. Cycle starts are rate limited and cycles failing with a store
error are retried with exponential backoff.
*/
package monitor
