package storage

import (
	"context"
	"fmt"

	"github.com/cuemby/keeper/pkg/metrics"
)

type pendingWrite struct {
	data    []byte
	deleted bool
	base    []byte // committed value when the transaction first wrote here
}

// Tx is a transaction scope. A root transaction comes from Store.Begin;
// Begin on a Tx opens a nested checkpoint. Saving a checkpoint folds its
// writes into the parent and releases only the checkpoint's locks; nothing
// reaches the database until the root is saved. A Tx is not safe for
// concurrent use.
type Tx struct {
	store    *Store
	parent   *Tx
	owner    uint64
	writes   map[Location]*pendingWrite
	held     []lockRequest
	children []*Tx
	done     bool
}

// Begin opens a checkpoint nested in tx
func (tx *Tx) Begin() (*Tx, error) {
	if tx.done {
		return nil, storeErr("begin", Location{}, ErrTxDone)
	}
	child := &Tx{
		store:  tx.store,
		parent: tx,
		owner:  tx.owner,
		writes: make(map[Location]*pendingWrite),
	}
	tx.children = append(tx.children, child)
	return child, nil
}

// IsRoot reports whether tx is an outermost transaction
func (tx *Tx) IsRoot() bool {
	return tx.parent == nil
}

// LockAll acquires every lock in the batch at once, waiting without holding
// any of them until all can be granted
func (tx *Tx) LockAll(ctx context.Context, b *Batch) error {
	if tx.done {
		return storeErr("lock", Location{}, ErrTxDone)
	}
	if b == nil || b.Len() == 0 {
		return nil
	}

	for _, req := range b.reqs {
		metrics.StoreLockRequestsTotal.WithLabelValues(req.mode.String()).Inc()
	}

	timer := metrics.NewTimer()
	if err := tx.store.locks.acquire(ctx, tx.owner, b.reqs); err != nil {
		return storeErr("lock", b.reqs[0].loc, err)
	}
	timer.ObserveDuration(metrics.StoreLockWaitDuration)

	tx.held = append(tx.held, b.reqs...)
	return nil
}

// Save commits the scope. For a checkpoint the writes move to the parent;
// for a root they are written to the database atomically.
func (tx *Tx) Save() error {
	if tx.done {
		return storeErr("save", Location{}, ErrTxDone)
	}
	tx.abortChildren()

	if !tx.IsRoot() {
		if tx.parent.done {
			tx.finish()
			return storeErr("save", Location{}, ErrTxDone)
		}
		for loc, w := range tx.writes {
			tx.parent.writes[loc] = w
		}
		tx.finish()
		return nil
	}

	err := tx.store.commit(tx.writes)
	if err == nil {
		tx.store.logger.Debug().
			Uint64("tx", tx.owner).
			Int("writes", len(tx.writes)).
			Msg("Transaction committed")
	}
	tx.finish()
	return err
}

// Abort discards the scope's writes and releases its locks. Aborting a
// finished scope is a no-op, so it is safe to defer.
func (tx *Tx) Abort() {
	if tx.done {
		return
	}
	tx.abortChildren()
	tx.finish()
}

func (tx *Tx) abortChildren() {
	for _, child := range tx.children {
		child.Abort()
	}
	tx.children = nil
}

func (tx *Tx) finish() {
	tx.store.locks.release(tx.owner, tx.held)
	tx.held = nil
	tx.writes = nil
	tx.done = true
}

// covers reports whether the scope chain holds a lock guarding loc in mode
func (tx *Tx) covers(loc Location, mode LockMode) bool {
	for scope := tx; scope != nil; scope = scope.parent {
		for _, req := range scope.held {
			if req.loc.Covers(loc) && (mode == LockRead || req.mode == LockWrite) {
				return true
			}
		}
	}
	return false
}

// pending returns the most recent write to loc in the scope chain
func (tx *Tx) pending(loc Location) (*pendingWrite, bool) {
	for scope := tx; scope != nil; scope = scope.parent {
		if w, ok := scope.writes[loc]; ok {
			return w, true
		}
	}
	return nil, false
}

func (tx *Tx) read(loc Location) ([]byte, bool, error) {
	if err := tx.check("read", loc, LockRead); err != nil {
		return nil, false, err
	}
	if w, ok := tx.pending(loc); ok {
		if w.deleted {
			return nil, false, nil
		}
		return w.data, true, nil
	}
	data, err := tx.store.readCommitted(loc)
	if err != nil {
		return nil, false, storeErr("read", loc, err)
	}
	return data, data != nil, nil
}

func (tx *Tx) write(loc Location, data []byte, deleted bool) error {
	if err := tx.check("write", loc, LockWrite); err != nil {
		return err
	}

	var base []byte
	if prev, ok := tx.pending(loc); ok {
		base = prev.base
	} else {
		committed, err := tx.store.readCommitted(loc)
		if err != nil {
			return storeErr("write", loc, err)
		}
		base = committed
	}

	tx.writes[loc] = &pendingWrite{data: data, deleted: deleted, base: base}
	return nil
}

func (tx *Tx) check(op string, loc Location, mode LockMode) error {
	if tx.done {
		return storeErr(op, loc, ErrTxDone)
	}
	if loc.IsWildcard() {
		return storeErr(op, loc, ErrWildcard)
	}
	if !tx.covers(loc, mode) {
		return storeErr(op, loc, fmt.Errorf("%w for %s", ErrNotLocked, mode))
	}
	return nil
}
