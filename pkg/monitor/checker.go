package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/keeper/pkg/dependencies"
	"github.com/cuemby/keeper/pkg/events"
	"github.com/cuemby/keeper/pkg/health"
	"github.com/cuemby/keeper/pkg/log"
	"github.com/cuemby/keeper/pkg/metrics"
	"github.com/cuemby/keeper/pkg/status"
	"github.com/cuemby/keeper/pkg/storage"
	"github.com/cuemby/keeper/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Cycle outcomes, used as metric labels
const (
	OutcomeCommitted  = "committed"
	OutcomeNotStarted = "not-started"
	OutcomeCancelled  = "cancelled"
	OutcomeError      = "error"
)

// Prober runs every health check of a service
type Prober interface {
	RunAll(ctx context.Context, req health.Request) types.HealthResults
}

// Checker runs health check cycles against the store
type Checker struct {
	store     *storage.Store
	prober    Prober
	publisher events.Publisher
	logger    zerolog.Logger
}

// NewChecker creates a checker. A nil publisher discards events.
func NewChecker(store *storage.Store, prober Prober, publisher events.Publisher) *Checker {
	if publisher == nil {
		publisher = events.Discard
	}
	return &Checker{
		store:     store,
		prober:    prober,
		publisher: publisher,
		logger:    log.WithComponent("checker"),
	}
}

// cycle is what a committed cycle changed
type cycle struct {
	service     types.ServiceID
	healthDelta bool
	results     types.HealthResults
	transitions []dependencies.Transition
}

// Check runs one health check cycle for id: probe the service, store the
// results and update the dependency errors of everything that depends on
// it. All writes commit together or not at all. A service that is not
// running, or a revoked gate, ends the cycle without writing.
func (c *Checker) Check(ctx context.Context, id types.ServiceID, gate *Gate) error {
	timer := metrics.NewTimer()
	logger := log.ForCycle(c.logger, string(id), uuid.NewString())

	outcome := OutcomeError
	defer func() {
		metrics.HealthCyclesTotal.WithLabelValues(outcome).Inc()
		timer.ObserveDuration(metrics.HealthCycleDuration)
	}()

	root := c.store.Begin()
	defer root.Abort()

	started, manifest, running, err := c.preCheck(ctx, root, id)
	if err != nil {
		return fmt.Errorf("health check %s: %w", id, err)
	}
	if !running {
		outcome = OutcomeNotStarted
		logger.Debug().Msg("Service not started, skipping health checks")
		return nil
	}

	results := c.prober.RunAll(ctx, health.Request{
		Service:    id,
		Version:    manifest.Version,
		Started:    started,
		Checks:     manifest.HealthChecks,
		Containers: manifest.Containers,
		Volumes:    manifest.Volumes,
	})

	if !gate.Open() {
		outcome = OutcomeCancelled
		logger.Debug().Msg("Health check cancelled, discarding results")
		return nil
	}
	logSummary(logger, results)

	changed, dependents, err := c.update(ctx, root, id, results, logger)
	if err != nil {
		return fmt.Errorf("health check %s: %w", id, err)
	}

	transitions, err := c.propagate(ctx, root, id, results, dependents)
	if err != nil {
		return fmt.Errorf("health check %s: %w", id, err)
	}

	if err := root.Save(); err != nil {
		return fmt.Errorf("health check %s: %w", id, err)
	}
	outcome = OutcomeCommitted

	c.committed(cycle{
		service:     id,
		healthDelta: changed,
		results:     results,
		transitions: transitions,
	})
	logger.Debug().
		Int("transitions", len(transitions)).
		Dur("duration", timer.Duration()).
		Msg("Health check cycle committed")
	return nil
}

// preCheck reads the start time and manifest under read locks that are
// released before probing
func (c *Checker) preCheck(ctx context.Context, root *storage.Tx, id types.ServiceID) (time.Time, types.Manifest, bool, error) {
	tx, err := root.Begin()
	if err != nil {
		return time.Time{}, types.Manifest{}, false, err
	}
	defer tx.Abort()

	r, err := status.LockPreCheck(ctx, tx, id)
	if err != nil {
		return time.Time{}, types.Manifest{}, false, err
	}
	started, running, err := r.Started(tx)
	if err != nil || !running {
		return time.Time{}, types.Manifest{}, false, err
	}
	manifest, err := r.Manifest(tx)
	if err != nil {
		return time.Time{}, types.Manifest{}, false, err
	}
	if err := tx.Save(); err != nil {
		return time.Time{}, types.Manifest{}, false, err
	}
	return started, manifest, true, nil
}

// update stores the fresh results and reads the dependents in a checkpoint
// whose locks are released before propagation starts
func (c *Checker) update(ctx context.Context, root *storage.Tx, id types.ServiceID, results types.HealthResults, logger zerolog.Logger) (bool, types.CurrentDependents, error) {
	tx, err := root.Begin()
	if err != nil {
		return false, nil, err
	}
	defer tx.Abort()

	r, err := status.LockUpdate(ctx, tx, id)
	if err != nil {
		return false, nil, err
	}
	prev, err := r.Status(tx)
	if err != nil {
		return false, nil, err
	}
	written, err := r.ReplaceHealth(tx, results)
	if err != nil {
		return false, nil, err
	}
	if !written {
		logger.Debug().
			Str("state", string(prev.State)).
			Msg("Service stopped while probing, results not stored")
	}
	dependents, err := r.Dependents(tx)
	if err != nil {
		return false, nil, err
	}
	if err := tx.Save(); err != nil {
		return false, nil, err
	}
	return written && !prev.Health.Equal(results), dependents, nil
}

// propagate breaks or heals every dependent edge of id. Each dependent gets
// its own visited set. The dependents seen in the update checkpoint only
// decide whether to lock; the edges walked are read again under the
// propagation locks.
func (c *Checker) propagate(ctx context.Context, root *storage.Tx, id types.ServiceID, results types.HealthResults, seen types.CurrentDependents) ([]dependencies.Transition, error) {
	if len(seen) == 0 {
		return nil, nil
	}

	r, err := dependencies.Lock(ctx, root)
	if err != nil {
		return nil, err
	}
	dependents, err := r.Dependents(root, id)
	if err != nil {
		return nil, err
	}

	var transitions []dependencies.Transition
	for _, dependent := range dependents.IDs() {
		var applied []dependencies.Transition
		failures := dependencies.Failures(results, dependents[dependent])
		if len(failures) > 0 {
			applied, err = r.Break(root, dependent, id, types.HealthChecksFailed(failures), dependencies.NewVisited())
		} else {
			applied, err = r.Heal(root, dependent, id, dependencies.NewVisited())
		}
		if err != nil {
			return nil, err
		}
		transitions = append(transitions, applied...)
	}
	return transitions, nil
}

// committed publishes what a cycle changed
func (c *Checker) committed(cy cycle) {
	if cy.healthDelta {
		ev := events.New(events.EventHealthChanged, cy.service, summary(cy.results))
		for _, id := range cy.results.Failing() {
			ev.With(string(id), cy.results[id].Message)
		}
		c.publisher.Publish(ev)
	}

	for _, t := range cy.transitions {
		typ, label := events.EventDependencyHealed, "healed"
		message := fmt.Sprintf("dependency %s healed", t.Dependency)
		if t.Broken {
			typ, label = events.EventDependencyBroken, "broken"
			message = fmt.Sprintf("dependency %s broken: %s", t.Dependency, t.Error.Kind)
		}
		metrics.DependencyTransitionsTotal.WithLabelValues(label).Inc()
		c.publisher.Publish(events.New(typ, t.Dependent, message).
			With("dependency", string(t.Dependency)).
			With("kind", string(t.Error.Kind)))

		c.logger.Info().
			Str("service_id", string(t.Dependent)).
			Str("dependency", string(t.Dependency)).
			Str("kind", string(t.Error.Kind)).
			Bool("broken", t.Broken).
			Msg("Dependency state changed")
	}
}

func summary(results types.HealthResults) string {
	failing := results.Failing()
	if len(failing) == 0 {
		return "All health checks succeeded"
	}
	names := make([]string, len(failing))
	for i, id := range failing {
		names[i] = string(id)
	}
	return "Some health checks failed: " + strings.Join(names, ", ")
}

func logSummary(logger zerolog.Logger, results types.HealthResults) {
	if len(results.Failing()) == 0 {
		logger.Debug().Int("checks", len(results)).Msg(summary(results))
		return
	}
	logger.Warn().Int("checks", len(results)).Msg(summary(results))
}
