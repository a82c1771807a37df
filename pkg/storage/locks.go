package storage

import (
	"context"
	"sync"

	"github.com/cuemby/keeper/pkg/types"
)

// lockState tracks the holders of one location. Holders are root
// transactions, so nested scopes of the same transaction never conflict.
type lockState struct {
	readers map[uint64]int
	writer  uint64
	writes  int
}

func (s *lockState) empty() bool {
	return s.writes == 0 && len(s.readers) == 0
}

// lockTable grants batches of lock requests all-or-nothing
type lockTable struct {
	mu      sync.Mutex
	fields  map[Field]map[types.ServiceID]*lockState
	changed chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{
		fields:  make(map[Field]map[types.ServiceID]*lockState),
		changed: make(chan struct{}),
	}
}

// acquire blocks until every request can be granted to owner at once.
// Nothing is held while waiting.
func (t *lockTable) acquire(ctx context.Context, owner uint64, reqs []lockRequest) error {
	for {
		t.mu.Lock()
		if t.grantableLocked(owner, reqs) {
			for _, req := range reqs {
				t.grantLocked(owner, req)
			}
			t.mu.Unlock()
			return nil
		}
		changed := t.changed
		t.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// release drops one grant per request and wakes every waiter
func (t *lockTable) release(owner uint64, reqs []lockRequest) {
	if len(reqs) == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, req := range reqs {
		services := t.fields[req.loc.Field]
		st, ok := services[req.loc.Service]
		if !ok {
			continue
		}
		if req.mode == LockWrite {
			if st.writer == owner && st.writes > 0 {
				st.writes--
				if st.writes == 0 {
					st.writer = 0
				}
			}
		} else if st.readers[owner] > 0 {
			st.readers[owner]--
			if st.readers[owner] == 0 {
				delete(st.readers, owner)
			}
		}
		if st.empty() {
			delete(services, req.loc.Service)
		}
	}

	close(t.changed)
	t.changed = make(chan struct{})
}

func (t *lockTable) grantableLocked(owner uint64, reqs []lockRequest) bool {
	for _, req := range reqs {
		services := t.fields[req.loc.Field]
		if req.loc.IsWildcard() {
			for _, st := range services {
				if !compatible(st, owner, req.mode) {
					return false
				}
			}
			continue
		}
		if st, ok := services[req.loc.Service]; ok && !compatible(st, owner, req.mode) {
			return false
		}
		if st, ok := services[AnyService]; ok && !compatible(st, owner, req.mode) {
			return false
		}
	}
	return true
}

func compatible(st *lockState, owner uint64, mode LockMode) bool {
	if st.writes > 0 && st.writer != owner {
		return false
	}
	if mode == LockWrite {
		for reader := range st.readers {
			if reader != owner {
				return false
			}
		}
	}
	return true
}

func (t *lockTable) grantLocked(owner uint64, req lockRequest) {
	services, ok := t.fields[req.loc.Field]
	if !ok {
		services = make(map[types.ServiceID]*lockState)
		t.fields[req.loc.Field] = services
	}
	st, ok := services[req.loc.Service]
	if !ok {
		st = &lockState{readers: make(map[uint64]int)}
		services[req.loc.Service] = st
	}
	if req.mode == LockWrite {
		st.writer = owner
		st.writes++
	} else {
		st.readers[owner]++
	}
}
