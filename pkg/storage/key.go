package storage

import (
	"encoding/json"

	"github.com/cuemby/keeper/pkg/types"
)

// Key is a typed handle on a location. Keys are produced by Declare and are
// only usable inside a scope that acquired the declared lock.
type Key[T any] struct {
	loc Location
}

// Location returns the location the key addresses
func (k Key[T]) Location() Location {
	return k.loc
}

// For narrows a wildcard key to one service
func (k Key[T]) For(id types.ServiceID) Key[T] {
	return Key[T]{loc: At(id, k.loc.Field)}
}

// Get reads the value, failing with ErrNotFound when absent
func (k Key[T]) Get(tx *Tx) (T, error) {
	v, ok, err := k.Lookup(tx)
	if err != nil {
		return v, err
	}
	if !ok {
		return v, storeErr("get", k.loc, ErrNotFound)
	}
	return v, nil
}

// Lookup reads the value and reports whether it exists
func (k Key[T]) Lookup(tx *Tx) (T, bool, error) {
	var v T
	data, ok, err := tx.read(k.loc)
	if err != nil || !ok {
		return v, false, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, false, storeErr("decode", k.loc, err)
	}
	return v, true, nil
}

// Set stages a new value in the scope
func (k Key[T]) Set(tx *Tx, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return storeErr("encode", k.loc, err)
	}
	return tx.write(k.loc, data, false)
}

// Delete stages removal of the value
func (k Key[T]) Delete(tx *Tx) error {
	return tx.write(k.loc, nil, true)
}
