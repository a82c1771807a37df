package dependencies

import (
	"context"
	"fmt"

	"github.com/cuemby/keeper/pkg/storage"
	"github.com/cuemby/keeper/pkg/types"
)

// Receipts holds the locks propagation needs. Propagation discovers the
// services it touches while walking, so it locks every service's record.
type Receipts struct {
	errors     storage.Key[types.DependencyErrors]
	dependents storage.Key[types.CurrentDependents]
	status     storage.Key[types.MainStatus]
}

// Setup stages the propagation locks in b
func Setup(b *storage.Batch) *Receipts {
	return &Receipts{
		errors:     storage.Declare[types.DependencyErrors](b, storage.All(storage.FieldDependencyErrors), storage.LockWrite),
		dependents: storage.Declare[types.CurrentDependents](b, storage.All(storage.FieldCurrentDependents), storage.LockRead),
		status:     storage.Declare[types.MainStatus](b, storage.All(storage.FieldStatus), storage.LockRead),
	}
}

// Lock acquires the propagation locks in tx
func Lock(ctx context.Context, tx *storage.Tx) (*Receipts, error) {
	b := storage.NewBatch()
	r := Setup(b)
	if err := tx.LockAll(ctx, b); err != nil {
		return nil, err
	}
	return r, nil
}

// Visited is the set of services already expanded during one propagation
// pass. A fresh set is used for every top-level evaluation.
type Visited map[types.ServiceID]struct{}

// NewVisited creates an empty visited set
func NewVisited() Visited {
	return make(Visited)
}

// Has reports whether id was visited
func (v Visited) Has(id types.ServiceID) bool {
	_, ok := v[id]
	return ok
}

// Add marks id visited and reports whether it was new
func (v Visited) Add(id types.ServiceID) bool {
	if v.Has(id) {
		return false
	}
	v[id] = struct{}{}
	return true
}

// Transition is one edge state change applied by propagation
type Transition struct {
	Dependent  types.ServiceID
	Dependency types.ServiceID
	Broken     bool
	Error      types.DependencyError
}

// Failures returns the subset of results that info subscribes to and that
// did not succeed
func Failures(results types.HealthResults, info types.DependencyInfo) types.HealthResults {
	failures := types.HealthResults{}
	for id, res := range results {
		if !res.IsSuccess() && info.Subscribes(id) {
			failures[id] = res
		}
	}
	return failures
}

type breakEdge struct {
	dependent  types.ServiceID
	dependency types.ServiceID
	reason     types.DependencyError
}

// Break records reason on the dependent -> dependency edge and marks every
// service transitively depending on dependent as broken. Visited services
// are neither rewritten nor expanded again, so cycles terminate.
func (r *Receipts) Break(tx *storage.Tx, dependent, dependency types.ServiceID, reason types.DependencyError, visited Visited) ([]Transition, error) {
	var transitions []Transition
	queue := []breakEdge{{dependent: dependent, dependency: dependency, reason: reason}}

	for len(queue) > 0 {
		e := queue[0]
		queue = queue[1:]

		if !visited.Add(e.dependent) {
			continue
		}

		errs, err := r.errorsOf(tx, e.dependent)
		if err != nil {
			return nil, propagationErr("break", e.dependent, e.dependency, err)
		}

		prev, had := errs[e.dependency]
		if !had || (!prev.Outranks(e.reason) && !prev.Equal(e.reason)) {
			errs[e.dependency] = e.reason
			if err := r.errors.For(e.dependent).Set(tx, errs); err != nil {
				return nil, propagationErr("break", e.dependent, e.dependency, err)
			}
			transitions = append(transitions, Transition{
				Dependent:  e.dependent,
				Dependency: e.dependency,
				Broken:     true,
				Error:      e.reason,
			})
		}

		next, err := r.dependentsOf(tx, e.dependent)
		if err != nil {
			return nil, propagationErr("break", e.dependent, e.dependency, err)
		}
		for _, id := range next.IDs() {
			queue = append(queue, breakEdge{dependent: id, dependency: e.dependent, reason: types.Transitive()})
		}
	}

	return transitions, nil
}

type healEdge struct {
	dependent  types.ServiceID
	dependency types.ServiceID
	// direct is set for the edge whose health checks the caller just
	// observed passing; cascaded edges are re-evaluated from the store
	direct bool
}

// Heal clears the error on the dependent -> dependency edge if it no longer
// applies. When that leaves dependent with no errors at all, its own
// dependents are healed in turn.
func (r *Receipts) Heal(tx *storage.Tx, dependent, dependency types.ServiceID, visited Visited) ([]Transition, error) {
	var transitions []Transition
	queue := []healEdge{{dependent: dependent, dependency: dependency, direct: true}}

	for len(queue) > 0 {
		e := queue[0]
		queue = queue[1:]

		if visited.Has(e.dependent) {
			continue
		}

		errs, err := r.errorsOf(tx, e.dependent)
		if err != nil {
			return nil, propagationErr("heal", e.dependent, e.dependency, err)
		}
		prev, had := errs[e.dependency]
		if !had {
			continue
		}

		still, broken, err := r.reevaluate(tx, e, prev)
		if err != nil {
			return nil, propagationErr("heal", e.dependent, e.dependency, err)
		}

		if broken {
			if !still.Equal(prev) {
				errs[e.dependency] = still
				if err := r.errors.For(e.dependent).Set(tx, errs); err != nil {
					return nil, propagationErr("heal", e.dependent, e.dependency, err)
				}
				transitions = append(transitions, Transition{
					Dependent:  e.dependent,
					Dependency: e.dependency,
					Broken:     true,
					Error:      still,
				})
			}
			continue
		}

		delete(errs, e.dependency)
		if err := r.errors.For(e.dependent).Set(tx, errs); err != nil {
			return nil, propagationErr("heal", e.dependent, e.dependency, err)
		}
		transitions = append(transitions, Transition{
			Dependent:  e.dependent,
			Dependency: e.dependency,
			Error:      prev,
		})

		if len(errs) > 0 {
			continue
		}
		visited.Add(e.dependent)

		next, err := r.dependentsOf(tx, e.dependent)
		if err != nil {
			return nil, propagationErr("heal", e.dependent, e.dependency, err)
		}
		for _, id := range next.IDs() {
			queue = append(queue, healEdge{dependent: id, dependency: e.dependent})
		}
	}

	return transitions, nil
}

// reevaluate decides whether prev still holds on edge e
func (r *Receipts) reevaluate(tx *storage.Tx, e healEdge, prev types.DependencyError) (types.DependencyError, bool, error) {
	switch prev.Kind {
	case types.DependencyErrorHealthChecksFailed:
		if e.direct {
			return types.DependencyError{}, false, nil
		}
		st, _, err := r.status.For(e.dependency).Lookup(tx)
		if err != nil {
			return prev, true, err
		}
		if !st.IsRunning() {
			// No fresh results to judge by
			return prev, true, nil
		}
		subs, err := r.dependentsOf(tx, e.dependency)
		if err != nil {
			return prev, true, err
		}
		if failures := Failures(st.Health, subs[e.dependent]); len(failures) > 0 {
			return types.HealthChecksFailed(failures), true, nil
		}
		return types.DependencyError{}, false, nil

	case types.DependencyErrorTransitive:
		upstream, err := r.errorsOf(tx, e.dependency)
		if err != nil {
			return prev, true, err
		}
		if len(upstream) > 0 {
			return prev, true, nil
		}
		return types.DependencyError{}, false, nil

	default:
		return prev, true, fmt.Errorf("unknown dependency error kind %q", prev.Kind)
	}
}

func (r *Receipts) errorsOf(tx *storage.Tx, id types.ServiceID) (types.DependencyErrors, error) {
	errs, _, err := r.errors.For(id).Lookup(tx)
	if err != nil {
		return nil, err
	}
	if errs == nil {
		errs = types.DependencyErrors{}
	}
	return errs, nil
}

// Dependents reads the services depending on id under the propagation
// locks. A dependent uninstalled since the caller last looked is gone here.
func (r *Receipts) Dependents(tx *storage.Tx, id types.ServiceID) (types.CurrentDependents, error) {
	return r.dependentsOf(tx, id)
}

func (r *Receipts) dependentsOf(tx *storage.Tx, id types.ServiceID) (types.CurrentDependents, error) {
	deps, _, err := r.dependents.For(id).Lookup(tx)
	if err != nil {
		return nil, err
	}
	if deps == nil {
		deps = types.CurrentDependents{}
	}
	return deps, nil
}
