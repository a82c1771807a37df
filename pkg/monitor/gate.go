package monitor

import "sync/atomic"

// Gate tells a running health check cycle whether its results are still
// wanted. The owner revokes it when the service it watches goes away; the
// cycle looks at it once, after probing and before writing anything.
type Gate struct {
	revoked atomic.Bool
}

// NewGate returns an open gate
func NewGate() *Gate {
	return &Gate{}
}

// Revoke closes the gate. It cannot be reopened.
func (g *Gate) Revoke() {
	g.revoked.Store(true)
}

// Open reports whether results may still be written. A nil gate is always
// open.
func (g *Gate) Open() bool {
	return g == nil || !g.revoked.Load()
}
