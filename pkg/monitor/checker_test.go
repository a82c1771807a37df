package monitor

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/keeper/pkg/dependencies"
	"github.com/cuemby/keeper/pkg/events"
	"github.com/cuemby/keeper/pkg/health"
	"github.com/cuemby/keeper/pkg/log"
	"github.com/cuemby/keeper/pkg/metrics"
	"github.com/cuemby/keeper/pkg/registry"
	"github.com/cuemby/keeper/pkg/storage"
	"github.com/cuemby/keeper/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	mu      sync.Mutex
	results map[types.ServiceID]types.HealthResults
	calls   int
	during  func()
}

func (p *fakeProber) RunAll(ctx context.Context, req health.Request) types.HealthResults {
	p.mu.Lock()
	p.calls++
	during := p.during
	results := p.results[req.Service].Clone()
	p.mu.Unlock()

	if during != nil {
		during()
	}
	return results
}

func (p *fakeProber) set(id types.ServiceID, results types.HealthResults) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[id] = results
}

func (p *fakeProber) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type recorder struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *recorder) Publish(ev *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) take() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	r.events = nil
	return out
}

type fixture struct {
	store    *storage.Store
	registry *registry.Registry
	prober   *fakeProber
	events   *recorder
	checker  *Checker
}

// newFixture installs and starts bitcoind <- lnd <- rtl
func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "keeper.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := registry.New(store)
	ctx := context.Background()

	manifests := []types.Manifest{
		{
			ID: "bitcoind",
			HealthChecks: []types.HealthCheckDef{
				{ID: "rpc", Type: types.HealthCheckHTTP},
				{ID: "sync", Type: types.HealthCheckExec},
			},
		},
		{
			ID:           "lnd",
			HealthChecks: []types.HealthCheckDef{{ID: "api", Type: types.HealthCheckHTTP}},
			Dependencies: map[types.ServiceID]types.DependencySpec{
				"bitcoind": {HealthChecks: []types.HealthCheckID{"rpc"}},
			},
		},
		{
			ID: "rtl",
			Dependencies: map[types.ServiceID]types.DependencySpec{
				"lnd": {HealthChecks: []types.HealthCheckID{"api"}},
			},
		},
	}
	for _, m := range manifests {
		require.NoError(t, reg.Install(ctx, m))
		require.NoError(t, reg.Start(ctx, m.ID, time.Now()))
	}

	prober := &fakeProber{results: map[types.ServiceID]types.HealthResults{
		"bitcoind": {"rpc": types.Success("ok"), "sync": types.Success("synced")},
		"lnd":      {"api": types.Success("ok")},
		"rtl":      {},
	}}
	rec := &recorder{}

	return &fixture{
		store:    store,
		registry: reg,
		prober:   prober,
		events:   rec,
		checker:  NewChecker(store, prober, rec),
	}
}

// installElectrs adds a second direct dependent of bitcoind. It sorts
// before lnd, so its edge is evaluated first.
func (f *fixture) installElectrs(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.registry.Install(ctx, types.Manifest{
		ID: "electrs",
		Dependencies: map[types.ServiceID]types.DependencySpec{
			"bitcoind": {HealthChecks: []types.HealthCheckID{"rpc"}},
		},
	}))
	require.NoError(t, f.registry.Start(ctx, "electrs", time.Now()))
}

// corruptErrors stores a value under id's dependency errors that does not
// decode
func corruptErrors(t *testing.T, store *storage.Store, id types.ServiceID) {
	t.Helper()
	tx := store.Begin()
	defer tx.Abort()
	b := storage.NewBatch()
	bogus := storage.Declare[string](b, storage.At(id, storage.FieldDependencyErrors), storage.LockWrite)
	require.NoError(t, tx.LockAll(context.Background(), b))
	require.NoError(t, bogus.Set(tx, "garbage"))
	require.NoError(t, tx.Save())
}

func (f *fixture) record(t *testing.T, id types.ServiceID) *registry.Record {
	t.Helper()
	rec, err := f.registry.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func TestCheck_BreakThenHeal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.prober.set("bitcoind", types.HealthResults{"rpc": types.Failure("connection refused"), "sync": types.Success("synced")})
	require.NoError(t, f.checker.Check(ctx, "bitcoind", nil))

	btc := f.record(t, "bitcoind")
	assert.Equal(t, types.Failure("connection refused"), btc.Status.Health["rpc"])
	assert.True(t, btc.Status.IsRunning())

	lnd := f.record(t, "lnd")
	require.Contains(t, lnd.DependencyErrors, types.ServiceID("bitcoind"))
	assert.Equal(t, types.DependencyErrorHealthChecksFailed, lnd.DependencyErrors["bitcoind"].Kind)
	assert.Equal(t, types.HealthResults{"rpc": types.Failure("connection refused")}, lnd.DependencyErrors["bitcoind"].Failures)

	rtl := f.record(t, "rtl")
	assert.Equal(t, types.DependencyErrors{"lnd": types.Transitive()}, rtl.DependencyErrors)

	assert.Equal(t, []events.EventType{
		events.EventHealthChanged,
		events.EventDependencyBroken,
		events.EventDependencyBroken,
	}, f.events.take())

	f.prober.set("bitcoind", types.HealthResults{"rpc": types.Success("ok"), "sync": types.Success("synced")})
	require.NoError(t, f.checker.Check(ctx, "bitcoind", nil))

	assert.Empty(t, f.record(t, "lnd").DependencyErrors)
	assert.Empty(t, f.record(t, "rtl").DependencyErrors)
	assert.Equal(t, []events.EventType{
		events.EventHealthChanged,
		events.EventDependencyHealed,
		events.EventDependencyHealed,
	}, f.events.take())
}

func TestCheck_UnsubscribedFailureKeepsEdgeHealthy(t *testing.T) {
	f := newFixture(t)

	f.prober.set("bitcoind", types.HealthResults{"rpc": types.Success("ok"), "sync": types.Failure("behind")})
	require.NoError(t, f.checker.Check(context.Background(), "bitcoind", nil))

	assert.Equal(t, types.Failure("behind"), f.record(t, "bitcoind").Status.Health["sync"])
	assert.Empty(t, f.record(t, "lnd").DependencyErrors)
}

func TestCheck_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.prober.set("bitcoind", types.HealthResults{"rpc": types.Failure("timeout"), "sync": types.Success("synced")})
	require.NoError(t, f.checker.Check(ctx, "bitcoind", nil))
	first := map[types.ServiceID]*registry.Record{}
	for _, id := range []types.ServiceID{"bitcoind", "lnd", "rtl"} {
		first[id] = f.record(t, id)
	}
	f.events.take()

	require.NoError(t, f.checker.Check(ctx, "bitcoind", nil))
	for id, rec := range first {
		assert.Equal(t, rec, f.record(t, id), id)
	}
	assert.Empty(t, f.events.take())
}

func TestCheck_NotStartedIsNoop(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Stop(context.Background(), "bitcoind"))
	before := f.record(t, "bitcoind")

	// Hold a read lock on the status: a cycle asking for a write lock
	// would block until the deadline
	holder := f.store.Begin()
	defer holder.Abort()
	b := storage.NewBatch()
	b.Declare(storage.At("bitcoind", storage.FieldStatus), storage.LockRead)
	require.NoError(t, holder.LockAll(context.Background(), b))

	writes := testutil.ToFloat64(metrics.StoreLockRequestsTotal.WithLabelValues("write"))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	require.NoError(t, f.checker.Check(ctx, "bitcoind", nil))

	assert.Equal(t, writes, testutil.ToFloat64(metrics.StoreLockRequestsTotal.WithLabelValues("write")))
	assert.Zero(t, f.prober.callCount())
	holder.Abort()

	assert.Equal(t, before, f.record(t, "bitcoind"))
	assert.Empty(t, f.events.take())
}

func TestCheck_UnknownServiceIsNoop(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.checker.Check(context.Background(), "electrs", nil))
	assert.Zero(t, f.prober.callCount())
}

func TestCheck_RevokedGateDiscardsResults(t *testing.T) {
	f := newFixture(t)
	gate := NewGate()

	f.prober.set("bitcoind", types.HealthResults{"rpc": types.Failure("timeout")})
	f.prober.during = gate.Revoke

	require.NoError(t, f.checker.Check(context.Background(), "bitcoind", gate))

	assert.Equal(t, 1, f.prober.callCount())
	assert.Empty(t, f.record(t, "bitcoind").Status.Health)
	assert.Empty(t, f.record(t, "lnd").DependencyErrors)
	assert.Empty(t, f.events.take())
}

func TestCheck_StoppedWhileProbingStillPropagates(t *testing.T) {
	f := newFixture(t)

	f.prober.set("bitcoind", types.HealthResults{"rpc": types.Failure("timeout")})
	f.prober.during = func() {
		require.NoError(t, f.registry.Stop(context.Background(), "bitcoind"))
	}

	require.NoError(t, f.checker.Check(context.Background(), "bitcoind", nil))

	btc := f.record(t, "bitcoind")
	assert.Equal(t, types.MainStateStopped, btc.Status.State)
	assert.Empty(t, btc.Status.Health)

	lnd := f.record(t, "lnd")
	assert.Equal(t, types.DependencyErrorHealthChecksFailed, lnd.DependencyErrors["bitcoind"].Kind)
}

func TestCheck_FailureLeavesNothingBehind(t *testing.T) {
	f := newFixture(t)

	// rtl is reached last
	corruptErrors(t, f.store, "rtl")

	f.prober.set("bitcoind", types.HealthResults{"rpc": types.Failure("timeout")})
	err := f.checker.Check(context.Background(), "bitcoind", nil)
	require.Error(t, err)

	var perr *dependencies.PropagationError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, types.ServiceID("rtl"), perr.Dependent)

	assert.Empty(t, f.record(t, "bitcoind").Status.Health)
	assert.Empty(t, f.record(t, "lnd").DependencyErrors)
	assert.Empty(t, f.events.take())
}

func TestCheck_FailureAtSecondDependentLeavesFirstUnchanged(t *testing.T) {
	f := newFixture(t)
	f.installElectrs(t)
	corruptErrors(t, f.store, "lnd")

	f.prober.set("bitcoind", types.HealthResults{"rpc": types.Failure("timeout")})
	err := f.checker.Check(context.Background(), "bitcoind", nil)

	var perr *dependencies.PropagationError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, types.ServiceID("lnd"), perr.Dependent)

	assert.Empty(t, f.record(t, "electrs").DependencyErrors)
	assert.Empty(t, f.record(t, "bitcoind").Status.Health)
	assert.Empty(t, f.events.take())
}

func TestCheck_DependentUninstalledBeforePropagation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.installElectrs(t)

	// While rtl's errors are held the cycle cannot take the propagation
	// locks
	holder := f.store.Begin()
	defer holder.Abort()
	b := storage.NewBatch()
	b.Declare(storage.At("rtl", storage.FieldDependencyErrors), storage.LockRead)
	require.NoError(t, holder.LockAll(ctx, b))

	writes := testutil.ToFloat64(metrics.StoreLockRequestsTotal.WithLabelValues("write"))
	f.prober.set("bitcoind", types.HealthResults{"rpc": types.Failure("down")})
	done := make(chan error, 1)
	go func() { done <- f.checker.Check(ctx, "bitcoind", nil) }()

	// Status write requested, then the propagation batch: the update
	// checkpoint has read electrs as a dependent and released its locks
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.StoreLockRequestsTotal.WithLabelValues("write")) >= writes+2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.registry.Uninstall(ctx, "electrs"))
	holder.Abort()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("health check did not finish")
	}

	ids, err := f.registry.List()
	require.NoError(t, err)
	assert.NotContains(t, ids, types.ServiceID("electrs"))

	tx := f.store.Begin()
	defer tx.Abort()
	b = storage.NewBatch()
	errs := storage.Declare[types.DependencyErrors](b, storage.At("electrs", storage.FieldDependencyErrors), storage.LockRead)
	require.NoError(t, tx.LockAll(ctx, b))
	_, found, err := errs.Lookup(tx)
	require.NoError(t, err)
	assert.False(t, found)
	tx.Abort()

	assert.Equal(t, types.DependencyErrorHealthChecksFailed, f.record(t, "lnd").DependencyErrors["bitcoind"].Kind)
}

func TestCheck_DiscardedResultsAreNotSummarized(t *testing.T) {
	var out bytes.Buffer
	log.Init(log.Config{Level: log.DebugLevel, JSONOutput: true, Output: &out})
	defer log.Init(log.Config{Level: log.InfoLevel, Output: &bytes.Buffer{}})

	f := newFixture(t)
	gate := NewGate()
	f.prober.set("bitcoind", types.HealthResults{"rpc": types.Failure("timeout")})
	f.prober.during = gate.Revoke

	require.NoError(t, f.checker.Check(context.Background(), "bitcoind", gate))
	assert.Contains(t, out.String(), "Health check cancelled, discarding results")
	assert.NotContains(t, out.String(), "Some health checks failed")

	out.Reset()
	require.NoError(t, f.checker.Check(context.Background(), "bitcoind", nil))
	assert.Contains(t, out.String(), "Some health checks failed: rpc")
}

func TestCheck_CancelledContext(t *testing.T) {
	f := newFixture(t)

	holder := f.store.Begin()
	defer holder.Abort()
	b := storage.NewBatch()
	b.Declare(storage.At("bitcoind", storage.FieldStatus), storage.LockWrite)
	require.NoError(t, holder.LockAll(context.Background(), b))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := f.checker.Check(ctx, "bitcoind", nil)
	var serr *storage.Error
	require.ErrorAs(t, err, &serr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGate(t *testing.T) {
	var nilGate *Gate
	assert.True(t, nilGate.Open())

	g := NewGate()
	assert.True(t, g.Open())
	g.Revoke()
	assert.False(t, g.Open())
	g.Revoke()
	assert.False(t, g.Open())
}

func TestSummary(t *testing.T) {
	assert.Equal(t, "All health checks succeeded", summary(types.HealthResults{"rpc": types.Success("")}))
	assert.Equal(t, "All health checks succeeded", summary(nil))
	assert.Equal(t, "Some health checks failed: rpc, sync", summary(types.HealthResults{
		"sync": types.Failure(""),
		"rpc":  types.Failure(""),
		"p2p":  types.Success(""),
	}))
}
