package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type fakeSource struct {
	snap Snapshot
	err  error
}

func (f *fakeSource) Snapshot() (Snapshot, error) {
	return f.snap, f.err
}

func TestCollector_Collect(t *testing.T) {
	source := &fakeSource{snap: Snapshot{
		ServicesByState:   map[string]int{"running": 3, "stopped": 1},
		BrokenEdgesByKind: map[string]int{"transitive": 2},
	}}

	c := NewCollector(source, time.Minute, zerolog.Nop())
	c.Collect()

	assert.Equal(t, 3.0, testutil.ToFloat64(ServicesTotal.WithLabelValues("running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ServicesTotal.WithLabelValues("stopped")))
	assert.Equal(t, 2.0, testutil.ToFloat64(BrokenDependenciesTotal.WithLabelValues("transitive")))

	// States that disappear are dropped on the next collection
	source.snap = Snapshot{ServicesByState: map[string]int{"running": 1}}
	c.Collect()
	assert.Equal(t, 1, testutil.CollectAndCount(ServicesTotal))
	assert.Equal(t, 0, testutil.CollectAndCount(BrokenDependenciesTotal))
}

func TestCollector_SourceError(t *testing.T) {
	ServicesTotal.Reset()
	ServicesTotal.WithLabelValues("running").Set(5)

	c := NewCollector(&fakeSource{err: errors.New("database closed")}, time.Minute, zerolog.Nop())
	c.Collect()

	// Previous values survive a failed snapshot
	assert.Equal(t, 5.0, testutil.ToFloat64(ServicesTotal.WithLabelValues("running")))
}
