/*
Package storage is keeper's transactional state store, backed by BoltDB.

Every service record is a nested bucket under "services" holding one JSON
value per Field (status, manifest, current_dependents,
current_dependencies, dependency_errors). A bucket disappears when its last
field is deleted.

# Locks

Access is guarded by explicit read/write locks on Locations. A Location is a
(service, field) pair, or a wildcard (AnyService, field) that covers the
field of every service. Callers stage lock requests in a Batch with Declare,
which also hands back a typed Key, and acquire the whole batch with
Tx.LockAll. A batch is granted all at once or not at all; a waiting caller
holds nothing.

Locks belong to the root transaction, so nested scopes of one transaction
never block each other.

# Transactions

	root := store.Begin()
	defer root.Abort()

	cp, _ := root.Begin()          // checkpoint
	b := storage.NewBatch()
	status := storage.Declare[types.MainStatus](b, storage.At(id, storage.FieldStatus), storage.LockWrite)
	if err := cp.LockAll(ctx, b); err != nil {
		return err
	}
	_ = status.Set(cp, types.Stopped())
	_ = cp.Save()                  // releases the checkpoint's locks

	return root.Save()             // one bbolt update

Saving a checkpoint moves its writes into the parent and releases only the
locks it acquired. Nothing reaches the database until the root is saved.
Because a checkpoint can release a lock before the root commits, the commit
checks that every written location still holds the value it had when first
written and fails with ErrConflict otherwise, writing nothing.

All failures are returned as *Error.
*/
package storage
