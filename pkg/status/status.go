// Package status gives typed, lock-checked access to a service's lifecycle
// status and the records read alongside it during a health check cycle.
package status

import (
	"context"
	"time"

	"github.com/cuemby/keeper/pkg/storage"
	"github.com/cuemby/keeper/pkg/types"
)

// PreCheckReceipt holds read locks on a service's status and manifest
type PreCheckReceipt struct {
	status   storage.Key[types.MainStatus]
	manifest storage.Key[types.Manifest]
}

// SetupPreCheck stages the pre-check locks in b
func SetupPreCheck(b *storage.Batch, id types.ServiceID) *PreCheckReceipt {
	return &PreCheckReceipt{
		status:   storage.Declare[types.MainStatus](b, storage.At(id, storage.FieldStatus), storage.LockRead),
		manifest: storage.Declare[types.Manifest](b, storage.At(id, storage.FieldManifest), storage.LockRead),
	}
}

// LockPreCheck acquires the pre-check locks in tx
func LockPreCheck(ctx context.Context, tx *storage.Tx, id types.ServiceID) (*PreCheckReceipt, error) {
	b := storage.NewBatch()
	r := SetupPreCheck(b, id)
	if err := tx.LockAll(ctx, b); err != nil {
		return nil, err
	}
	return r, nil
}

// Started returns the start time when the service is running. A service with
// no status record is treated as not started.
func (r *PreCheckReceipt) Started(tx *storage.Tx) (time.Time, bool, error) {
	st, ok, err := r.status.Lookup(tx)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	started, running := st.StartedAt()
	return started, running, nil
}

// Manifest reads the service manifest
func (r *PreCheckReceipt) Manifest(tx *storage.Tx) (types.Manifest, error) {
	return r.manifest.Get(tx)
}

// UpdateReceipt holds a write lock on the status and a read lock on the
// current dependents of one service
type UpdateReceipt struct {
	status     storage.Key[types.MainStatus]
	dependents storage.Key[types.CurrentDependents]
}

// SetupUpdate stages the update locks in b
func SetupUpdate(b *storage.Batch, id types.ServiceID) *UpdateReceipt {
	return &UpdateReceipt{
		status:     storage.Declare[types.MainStatus](b, storage.At(id, storage.FieldStatus), storage.LockWrite),
		dependents: storage.Declare[types.CurrentDependents](b, storage.At(id, storage.FieldCurrentDependents), storage.LockRead),
	}
}

// LockUpdate acquires the update locks in tx
func LockUpdate(ctx context.Context, tx *storage.Tx, id types.ServiceID) (*UpdateReceipt, error) {
	b := storage.NewBatch()
	r := SetupUpdate(b, id)
	if err := tx.LockAll(ctx, b); err != nil {
		return nil, err
	}
	return r, nil
}

// Status reads the current status; a missing record reads as stopped
func (r *UpdateReceipt) Status(tx *storage.Tx) (types.MainStatus, error) {
	st, ok, err := r.status.Lookup(tx)
	if err != nil {
		return st, err
	}
	if !ok {
		return types.Stopped(), nil
	}
	return st, nil
}

// ReplaceHealth swaps in a new health map if the service is still running.
// The start time is preserved. It reports whether the status was written.
func (r *UpdateReceipt) ReplaceHealth(tx *storage.Tx, results types.HealthResults) (bool, error) {
	st, err := r.Status(tx)
	if err != nil {
		return false, err
	}
	started, running := st.StartedAt()
	if !running {
		return false, nil
	}
	if err := r.status.Set(tx, types.Running(started, results.Clone())); err != nil {
		return false, err
	}
	return true, nil
}

// Dependents reads the services that depend on this one
func (r *UpdateReceipt) Dependents(tx *storage.Tx) (types.CurrentDependents, error) {
	deps, ok, err := r.dependents.Lookup(tx)
	if err != nil {
		return nil, err
	}
	if !ok || deps == nil {
		return types.CurrentDependents{}, nil
	}
	return deps, nil
}
