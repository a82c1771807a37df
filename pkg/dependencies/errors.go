package dependencies

import (
	"fmt"

	"github.com/cuemby/keeper/pkg/types"
)

// PropagationError is a failure while recording or clearing an edge state.
// It aborts the whole cycle, including the status update.
type PropagationError struct {
	Op         string // "break" or "heal"
	Dependent  types.ServiceID
	Dependency types.ServiceID
	Err        error
}

func (e *PropagationError) Error() string {
	return fmt.Sprintf("failed to %s dependency %s -> %s: %v", e.Op, e.Dependent, e.Dependency, e.Err)
}

func (e *PropagationError) Unwrap() error {
	return e.Err
}

func propagationErr(op string, dependent, dependency types.ServiceID, err error) error {
	return &PropagationError{Op: op, Dependent: dependent, Dependency: dependency, Err: err}
}
