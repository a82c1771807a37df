package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMainStatus(t *testing.T) {
	started := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	running := Running(started, nil)
	assert.True(t, running.IsRunning())
	at, ok := running.StartedAt()
	assert.True(t, ok)
	assert.Equal(t, started, at)
	assert.NotNil(t, running.Health)

	_, ok = Stopped().StartedAt()
	assert.False(t, ok)

	// A running state without a start time is not the running variant
	assert.False(t, MainStatus{State: MainStateRunning}.IsRunning())
}

func TestMainStatus_JSON(t *testing.T) {
	st := Running(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), HealthResults{"rpc": Failure("timeout")})

	data, err := json.Marshal(st)
	require.NoError(t, err)

	var decoded MainStatus
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, decoded.IsRunning())
	assert.True(t, decoded.Health.Equal(st.Health))

	data, err = json.Marshal(Stopped())
	require.NoError(t, err)
	assert.JSONEq(t, `{"State":"stopped"}`, string(data))
}

func TestHealthResults(t *testing.T) {
	results := HealthResults{
		"sync": Failure("behind"),
		"rpc":  Success("ok"),
		"p2p":  Failure("no peers"),
	}

	assert.Equal(t, []HealthCheckID{"p2p", "sync"}, results.Failing())

	clone := results.Clone()
	assert.True(t, clone.Equal(results))
	clone["rpc"] = Failure("down")
	assert.False(t, clone.Equal(results))
	assert.True(t, results["rpc"].IsSuccess())

	assert.True(t, HealthResults(nil).Equal(HealthResults{}))
	assert.Empty(t, HealthResults{"rpc": Success("")}.Failing())
}

func TestDependencyError(t *testing.T) {
	hcf := HealthChecksFailed(HealthResults{"rpc": Failure("timeout")})

	assert.True(t, hcf.Outranks(Transitive()))
	assert.False(t, Transitive().Outranks(hcf))
	assert.False(t, hcf.Outranks(hcf))

	assert.True(t, Transitive().Equal(Transitive()))
	assert.False(t, hcf.Equal(Transitive()))
	assert.False(t, hcf.Equal(HealthChecksFailed(HealthResults{"rpc": Failure("refused")})))
}

func TestManifest(t *testing.T) {
	m := Manifest{
		ID: "bitcoind",
		HealthChecks: []HealthCheckDef{
			{ID: "sync", Type: HealthCheckExec},
			{ID: "rpc", Type: HealthCheckHTTP},
		},
	}

	assert.Equal(t, []HealthCheckID{"sync", "rpc"}, m.HealthCheckIDs())
	assert.True(t, m.HasHealthCheck("rpc"))
	assert.False(t, m.HasHealthCheck("p2p"))
}

func TestSortedIDs(t *testing.T) {
	deps := CurrentDependents{"rtl": {}, "lnd": {}, "electrs": {}}
	assert.Equal(t, []ServiceID{"electrs", "lnd", "rtl"}, deps.IDs())

	info := DependencyInfo{HealthChecks: []HealthCheckID{"rpc"}}
	assert.True(t, info.Subscribes("rpc"))
	assert.False(t, info.Subscribes("sync"))

	errs := DependencyErrors{"tor": Transitive(), "bitcoind": Transitive()}
	assert.Equal(t, []ServiceID{"bitcoind", "tor"}, errs.IDs())
}
