// Package dependencies keeps dependency_errors consistent across the
// dependency graph. Break records why a dependent -> dependency edge is
// broken and marks everything downstream as transitively broken; Heal clears
// an edge and walks downstream clearing transitive errors that no longer
// hold. Both walk breadth first with a caller-owned Visited set, so cycles
// and diamonds terminate.
package dependencies
