// Package registry installs services, wires their dependency edges and
// drives their lifecycle status.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/keeper/pkg/events"
	"github.com/cuemby/keeper/pkg/log"
	"github.com/cuemby/keeper/pkg/metrics"
	"github.com/cuemby/keeper/pkg/storage"
	"github.com/cuemby/keeper/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrAlreadyInstalled is returned when installing an existing service
	ErrAlreadyInstalled = errors.New("service already installed")

	// ErrNotInstalled is returned for unknown services
	ErrNotInstalled = errors.New("service not installed")

	// ErrHasDependents is returned when uninstalling a service others depend on
	ErrHasDependents = errors.New("service has installed dependents")

	// ErrMissingDependency is returned when a required dependency is not installed
	ErrMissingDependency = errors.New("required dependency not installed")
)

// Record is a read-only view of everything stored for one service
type Record struct {
	Manifest            types.Manifest
	Status              types.MainStatus
	CurrentDependents   types.CurrentDependents
	CurrentDependencies types.CurrentDependencies
	DependencyErrors    types.DependencyErrors
}

// Registry installs and removes services and drives their lifecycle status.
// It owns the dependency edges the health monitor reads.
type Registry struct {
	store     *storage.Store
	publisher events.Publisher
	logger    zerolog.Logger
}

// New creates a registry over store
func New(store *storage.Store) *Registry {
	return &Registry{
		store:     store,
		publisher: events.Discard,
		logger:    log.WithComponent("registry"),
	}
}

// WithPublisher sets where lifecycle events are published
func (r *Registry) WithPublisher(p events.Publisher) *Registry {
	if p != nil {
		r.publisher = p
	}
	return r
}

type recordKeys struct {
	manifest     storage.Key[types.Manifest]
	status       storage.Key[types.MainStatus]
	dependents   storage.Key[types.CurrentDependents]
	dependencies storage.Key[types.CurrentDependencies]
	errors       storage.Key[types.DependencyErrors]
}

func declareRecord(b *storage.Batch, id types.ServiceID, mode storage.LockMode) recordKeys {
	return recordKeys{
		manifest:     storage.Declare[types.Manifest](b, storage.At(id, storage.FieldManifest), mode),
		status:       storage.Declare[types.MainStatus](b, storage.At(id, storage.FieldStatus), mode),
		dependents:   storage.Declare[types.CurrentDependents](b, storage.At(id, storage.FieldCurrentDependents), mode),
		dependencies: storage.Declare[types.CurrentDependencies](b, storage.At(id, storage.FieldCurrentDependencies), mode),
		errors:       storage.Declare[types.DependencyErrors](b, storage.At(id, storage.FieldDependencyErrors), mode),
	}
}

// Install creates the service record and registers it as a dependent of
// each of its installed dependencies
func (r *Registry) Install(ctx context.Context, m types.Manifest) error {
	if m.ID == "" {
		return fmt.Errorf("manifest has no id")
	}

	tx := r.store.Begin()
	defer tx.Abort()

	b := storage.NewBatch()
	keys := declareRecord(b, m.ID, storage.LockWrite)
	depManifests := make(map[types.ServiceID]storage.Key[types.Manifest])
	depDependents := make(map[types.ServiceID]storage.Key[types.CurrentDependents])
	for depID := range m.Dependencies {
		depManifests[depID] = storage.Declare[types.Manifest](b, storage.At(depID, storage.FieldManifest), storage.LockRead)
		depDependents[depID] = storage.Declare[types.CurrentDependents](b, storage.At(depID, storage.FieldCurrentDependents), storage.LockWrite)
	}
	if err := tx.LockAll(ctx, b); err != nil {
		return err
	}

	if _, exists, err := keys.manifest.Lookup(tx); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("%w: %s", ErrAlreadyInstalled, m.ID)
	}

	dependencies := types.CurrentDependencies{}
	for depID, spec := range m.Dependencies {
		depManifest, installed, err := depManifests[depID].Lookup(tx)
		if err != nil {
			return err
		}
		if !installed {
			if spec.Optional {
				continue
			}
			return fmt.Errorf("%w: %s requires %s", ErrMissingDependency, m.ID, depID)
		}
		for _, hc := range spec.HealthChecks {
			if !depManifest.HasHealthCheck(hc) {
				return fmt.Errorf("dependency %s has no health check %q", depID, hc)
			}
		}

		info := types.DependencyInfo{HealthChecks: spec.HealthChecks}
		dependencies[depID] = info

		dependents, _, err := depDependents[depID].Lookup(tx)
		if err != nil {
			return err
		}
		if dependents == nil {
			dependents = types.CurrentDependents{}
		}
		dependents[m.ID] = info
		if err := depDependents[depID].Set(tx, dependents); err != nil {
			return err
		}
	}

	if err := keys.manifest.Set(tx, m); err != nil {
		return err
	}
	if err := keys.status.Set(tx, types.Stopped()); err != nil {
		return err
	}
	if err := keys.dependents.Set(tx, types.CurrentDependents{}); err != nil {
		return err
	}
	if err := keys.dependencies.Set(tx, dependencies); err != nil {
		return err
	}
	if err := keys.errors.Set(tx, types.DependencyErrors{}); err != nil {
		return err
	}

	if err := tx.Save(); err != nil {
		return err
	}

	r.logger.Info().
		Str("service_id", string(m.ID)).
		Str("version", m.Version).
		Int("dependencies", len(dependencies)).
		Msg("Service installed")
	r.publisher.Publish(events.New(events.EventServiceInstalled, m.ID, "installed "+m.Version))
	return nil
}

// Uninstall removes a service that nothing depends on
func (r *Registry) Uninstall(ctx context.Context, id types.ServiceID) error {
	tx := r.store.Begin()
	defer tx.Abort()

	// Learn the dependency set first so the write batch can cover it
	checkpoint, err := tx.Begin()
	if err != nil {
		return err
	}
	b := storage.NewBatch()
	depsKey := storage.Declare[types.CurrentDependencies](b, storage.At(id, storage.FieldCurrentDependencies), storage.LockRead)
	if err := checkpoint.LockAll(ctx, b); err != nil {
		return err
	}
	dependencies, _, err := depsKey.Lookup(checkpoint)
	if err != nil {
		return err
	}
	if err := checkpoint.Save(); err != nil {
		return err
	}

	b = storage.NewBatch()
	keys := declareRecord(b, id, storage.LockWrite)
	depDependents := make(map[types.ServiceID]storage.Key[types.CurrentDependents])
	for depID := range dependencies {
		depDependents[depID] = storage.Declare[types.CurrentDependents](b, storage.At(depID, storage.FieldCurrentDependents), storage.LockWrite)
	}
	if err := tx.LockAll(ctx, b); err != nil {
		return err
	}

	if _, installed, err := keys.manifest.Lookup(tx); err != nil {
		return err
	} else if !installed {
		return fmt.Errorf("%w: %s", ErrNotInstalled, id)
	}

	dependents, _, err := keys.dependents.Lookup(tx)
	if err != nil {
		return err
	}
	if len(dependents) > 0 {
		return fmt.Errorf("%w: %s is required by %v", ErrHasDependents, id, dependents.IDs())
	}

	// Dependencies may have changed between the two lock phases
	current, _, err := keys.dependencies.Lookup(tx)
	if err != nil {
		return err
	}
	for depID := range current {
		key, ok := depDependents[depID]
		if !ok {
			return fmt.Errorf("dependencies of %s changed: %w", id, storage.ErrConflict)
		}
		deps, _, err := key.Lookup(tx)
		if err != nil {
			return err
		}
		delete(deps, id)
		if err := key.Set(tx, deps); err != nil {
			return err
		}
	}

	for _, del := range []func(*storage.Tx) error{
		keys.manifest.Delete,
		keys.status.Delete,
		keys.dependents.Delete,
		keys.dependencies.Delete,
		keys.errors.Delete,
	} {
		if err := del(tx); err != nil {
			return err
		}
	}

	if err := tx.Save(); err != nil {
		return err
	}

	r.logger.Info().Str("service_id", string(id)).Msg("Service uninstalled")
	r.publisher.Publish(events.New(events.EventServiceUninstalled, id, "uninstalled"))
	return nil
}

// Start marks an installed service as running since at
func (r *Registry) Start(ctx context.Context, id types.ServiceID, at time.Time) error {
	return r.setStatus(ctx, id, types.Running(at, nil))
}

// Stop marks an installed service as stopped
func (r *Registry) Stop(ctx context.Context, id types.ServiceID) error {
	return r.setStatus(ctx, id, types.Stopped())
}

func (r *Registry) setStatus(ctx context.Context, id types.ServiceID, st types.MainStatus) error {
	tx := r.store.Begin()
	defer tx.Abort()

	b := storage.NewBatch()
	manifest := storage.Declare[types.Manifest](b, storage.At(id, storage.FieldManifest), storage.LockRead)
	status := storage.Declare[types.MainStatus](b, storage.At(id, storage.FieldStatus), storage.LockWrite)
	if err := tx.LockAll(ctx, b); err != nil {
		return err
	}

	if _, installed, err := manifest.Lookup(tx); err != nil {
		return err
	} else if !installed {
		return fmt.Errorf("%w: %s", ErrNotInstalled, id)
	}
	if err := status.Set(tx, st); err != nil {
		return err
	}
	if err := tx.Save(); err != nil {
		return err
	}

	r.logger.Info().
		Str("service_id", string(id)).
		Str("state", string(st.State)).
		Msg("Service status changed")

	typ := events.EventServiceStopped
	if st.IsRunning() {
		typ = events.EventServiceStarted
	}
	r.publisher.Publish(events.New(typ, id, string(st.State)))
	return nil
}

// Running reports whether an installed service is running
func (r *Registry) Running(ctx context.Context, id types.ServiceID) (bool, error) {
	tx := r.store.Begin()
	defer tx.Abort()

	b := storage.NewBatch()
	status := storage.Declare[types.MainStatus](b, storage.At(id, storage.FieldStatus), storage.LockRead)
	if err := tx.LockAll(ctx, b); err != nil {
		return false, err
	}
	st, _, err := status.Lookup(tx)
	if err != nil {
		return false, err
	}
	return st.IsRunning(), nil
}

// Get reads the full record of a service
func (r *Registry) Get(ctx context.Context, id types.ServiceID) (*Record, error) {
	tx := r.store.Begin()
	defer tx.Abort()

	b := storage.NewBatch()
	keys := declareRecord(b, id, storage.LockRead)
	if err := tx.LockAll(ctx, b); err != nil {
		return nil, err
	}

	manifest, installed, err := keys.manifest.Lookup(tx)
	if err != nil {
		return nil, err
	}
	if !installed {
		return nil, fmt.Errorf("%w: %s", ErrNotInstalled, id)
	}

	rec := &Record{Manifest: manifest}
	if rec.Status, _, err = keys.status.Lookup(tx); err != nil {
		return nil, err
	}
	if rec.CurrentDependents, _, err = keys.dependents.Lookup(tx); err != nil {
		return nil, err
	}
	if rec.CurrentDependencies, _, err = keys.dependencies.Lookup(tx); err != nil {
		return nil, err
	}
	if rec.DependencyErrors, _, err = keys.errors.Lookup(tx); err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns every installed service id
func (r *Registry) List() ([]types.ServiceID, error) {
	return r.store.ListServices()
}

// Snapshot summarises installed services for the metrics collector
func (r *Registry) Snapshot() (metrics.Snapshot, error) {
	snap := metrics.Snapshot{
		ServicesByState:   make(map[string]int),
		BrokenEdgesByKind: make(map[string]int),
	}

	ids, err := r.store.ListServices()
	if err != nil {
		return snap, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, id := range ids {
		rec, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotInstalled) {
			continue // removed since listing
		}
		if err != nil {
			return snap, err
		}
		snap.ServicesByState[string(rec.Status.State)]++
		for _, depErr := range rec.DependencyErrors {
			snap.BrokenEdgesByKind[string(depErr.Kind)]++
		}
	}
	return snap, nil
}
