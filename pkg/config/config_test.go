package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir moves into an empty directory so no stray .env is picked up
func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := chdir(t)
	path := filepath.Join(dir, "keeper.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /srv/keeper
interval: 1m
log_level: debug
probe_concurrency: 8
`), 0600))

	t.Setenv(envInterval, "15s")
	t.Setenv(envLogJSON, "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/keeper", cfg.DataDir)
	assert.Equal(t, 15*time.Second, cfg.Interval)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 8, cfg.ProbeConcurrency)
	assert.True(t, cfg.LogJSON)
	assert.Equal(t, Default().SyncInterval, cfg.SyncInterval)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := chdir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("KEEPER_METRICS_ADDR=:9191\n"), 0600))
	t.Cleanup(func() { os.Unsetenv(envMetricsAddr) })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9191", cfg.MetricsAddr)
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{name: "bad interval", env: map[string]string{envInterval: "soon"}},
		{name: "zero interval", env: map[string]string{envInterval: "0s"}},
		{name: "bad bool", env: map[string]string{envLogJSON: "maybe"}},
		{name: "bad concurrency", env: map[string]string{envProbeConcurrency: "many"}},
		{name: "zero concurrency", env: map[string]string{envProbeConcurrency: "0"}},
		{name: "negative rate", env: map[string]string{envCycleRate: "-1"}},
		{name: "empty data dir", env: map[string]string{envDataDir: " "}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			chdir(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	chdir(t)
	_, err := Load("/nonexistent/keeper.yaml")
	assert.Error(t, err)
}
