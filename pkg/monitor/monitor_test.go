package monitor

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/keeper/pkg/log"
	"github.com/cuemby/keeper/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_SyncFollowsRunningServices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.registry.Stop(ctx, "lnd"))
	require.NoError(t, f.registry.Stop(ctx, "rtl"))

	m := New(f.registry, f.checker, Config{Interval: 20 * time.Millisecond, CycleRate: 100})
	defer m.Stop()

	m.Sync(ctx)
	assert.Equal(t, []types.ServiceID{"bitcoind"}, m.Watching())

	require.Eventually(t, func() bool {
		return f.prober.callCount() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.registry.Stop(ctx, "bitcoind"))
	m.Sync(ctx)
	assert.Empty(t, m.Watching())
}

func TestMonitor_CycleWritesResults(t *testing.T) {
	f := newFixture(t)
	f.prober.set("bitcoind", types.HealthResults{"rpc": types.Failure("timeout")})

	m := New(f.registry, f.checker, Config{Interval: time.Hour, CycleRate: 100})
	defer m.Stop()
	m.Sync(context.Background())

	require.Eventually(t, func() bool {
		rec, err := f.registry.Get(context.Background(), "lnd")
		return err == nil && len(rec.DependencyErrors) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

// syncBuffer collects log output written from the check loops
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) lines(substr string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, line := range strings.Split(b.buf.String(), "\n") {
		if strings.Contains(line, substr) {
			out = append(out, line)
		}
	}
	return out
}

func TestMonitor_LogsLoopLifecycleAndFailures(t *testing.T) {
	out := &syncBuffer{}
	log.Init(log.Config{Level: log.DebugLevel, JSONOutput: true, Output: out})
	defer log.Init(log.Config{Level: log.InfoLevel, Output: &bytes.Buffer{}})

	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.registry.Stop(ctx, "lnd"))
	require.NoError(t, f.registry.Stop(ctx, "rtl"))

	// Every bitcoind cycle fails on lnd's errors
	corruptErrors(t, f.store, "lnd")
	f.prober.set("bitcoind", types.HealthResults{"rpc": types.Failure("timeout")})

	m := New(f.registry, f.checker, Config{Interval: time.Hour, CycleRate: 1000, MaxRetry: 50 * time.Millisecond})
	t.Cleanup(m.Stop)
	m.Sync(ctx)

	require.Eventually(t, func() bool {
		return len(out.lines("Health check cycle failed")) > 0
	}, 2*time.Second, 10*time.Millisecond)

	m.Stop()
	m.Stop()

	for _, msg := range []string{"Started health monitoring", "Health check cycle failed", "Stopped health monitoring"} {
		lines := out.lines(msg)
		require.NotEmpty(t, lines, msg)
		assert.Contains(t, lines[0], `"service_id":"bitcoind"`, msg)
		assert.Contains(t, lines[0], `"component":"monitor"`, msg)
	}
	assert.Empty(t, m.Watching())
}

func TestNew_Defaults(t *testing.T) {
	m := New(nil, nil, Config{})
	assert.Equal(t, DefaultConfig(), m.config)
}
