package storage

import (
	"fmt"

	"github.com/cuemby/keeper/pkg/types"
)

// Field names one value inside a service record
type Field string

const (
	FieldStatus              Field = "status"
	FieldManifest            Field = "manifest"
	FieldCurrentDependents   Field = "current_dependents"
	FieldCurrentDependencies Field = "current_dependencies"
	FieldDependencyErrors    Field = "dependency_errors"
)

// AnyService is a wildcard that covers the field of every service
const AnyService types.ServiceID = "*"

// Location identifies a lockable value in the store
type Location struct {
	Service types.ServiceID
	Field   Field
}

// At returns the location of a field for one service
func At(id types.ServiceID, field Field) Location {
	return Location{Service: id, Field: field}
}

// All returns the wildcard location for a field
func All(field Field) Location {
	return Location{Service: AnyService, Field: field}
}

// IsWildcard reports whether the location covers every service
func (l Location) IsWildcard() bool {
	return l.Service == AnyService
}

// Covers reports whether a lock on l also guards other
func (l Location) Covers(other Location) bool {
	if l.Field != other.Field {
		return false
	}
	return l.Service == AnyService || l.Service == other.Service
}

func (l Location) String() string {
	return fmt.Sprintf("services/%s/%s", l.Service, l.Field)
}

// LockMode is the access a lock request asks for
type LockMode int

const (
	LockRead LockMode = iota
	LockWrite
)

func (m LockMode) String() string {
	if m == LockWrite {
		return "write"
	}
	return "read"
}

type lockRequest struct {
	loc  Location
	mode LockMode
}

// Batch stages lock requests so they can be acquired all at once
type Batch struct {
	reqs []lockRequest
}

// NewBatch creates an empty batch
func NewBatch() *Batch {
	return &Batch{}
}

// Declare stages a lock request
func (b *Batch) Declare(loc Location, mode LockMode) {
	b.reqs = append(b.reqs, lockRequest{loc: loc, mode: mode})
}

// Len returns the number of staged requests
func (b *Batch) Len() int {
	return len(b.reqs)
}

// Declare stages a lock on loc and returns a typed key for it
func Declare[T any](b *Batch, loc Location, mode LockMode) Key[T] {
	b.Declare(loc, mode)
	return Key[T]{loc: loc}
}
