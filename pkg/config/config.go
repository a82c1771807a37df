// Package config loads daemon settings from a YAML file, the environment
// and an optional .env file. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	envDataDir          = "KEEPER_DATA_DIR"
	envInterval         = "KEEPER_INTERVAL"
	envSyncInterval     = "KEEPER_SYNC_INTERVAL"
	envLogLevel         = "KEEPER_LOG_LEVEL"
	envLogJSON          = "KEEPER_LOG_JSON"
	envMetricsAddr      = "KEEPER_METRICS_ADDR"
	envProbeConcurrency = "KEEPER_PROBE_CONCURRENCY"
	envProbeTimeout     = "KEEPER_PROBE_TIMEOUT"
	envCycleRate        = "KEEPER_CYCLE_RATE"
)

// Config holds daemon settings
type Config struct {
	DataDir          string        `yaml:"data_dir"`
	Interval         time.Duration `yaml:"interval"`
	SyncInterval     time.Duration `yaml:"sync_interval"`
	LogLevel         string        `yaml:"log_level"`
	LogJSON          bool          `yaml:"log_json"`
	MetricsAddr      string        `yaml:"metrics_addr"`
	ProbeConcurrency int           `yaml:"probe_concurrency"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	CycleRate        float64       `yaml:"cycle_rate"`
}

// Default returns the built-in settings
func Default() Config {
	return Config{
		DataDir:          "/var/lib/keeper",
		Interval:         30 * time.Second,
		SyncInterval:     5 * time.Second,
		LogLevel:         "info",
		MetricsAddr:      ":9090",
		ProbeConcurrency: 4,
		ProbeTimeout:     10 * time.Second,
		CycleRate:        10,
	}
}

// Load reads the YAML file at path (skipped when empty), then applies
// KEEPER_* environment variables. A .env file in the working directory is
// loaded first; variables already set take precedence over it.
func Load(path string) (Config, error) {
	if err := loadDotEnvIfPresent(".env"); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if value, ok := lookupTrimmed(envDataDir); ok {
		c.DataDir = value
	}
	if value, ok := lookupTrimmed(envLogLevel); ok {
		c.LogLevel = value
	}
	if value, ok := lookupTrimmed(envMetricsAddr); ok {
		c.MetricsAddr = value
	}

	for name, target := range map[string]*time.Duration{
		envInterval:     &c.Interval,
		envSyncInterval: &c.SyncInterval,
		envProbeTimeout: &c.ProbeTimeout,
	} {
		if value, ok := lookupTrimmed(name); ok {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			*target = d
		}
	}

	if value, ok := lookupTrimmed(envLogJSON); ok {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envLogJSON, err)
		}
		c.LogJSON = b
	}
	if value, ok := lookupTrimmed(envProbeConcurrency); ok {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envProbeConcurrency, err)
		}
		c.ProbeConcurrency = n
	}
	if value, ok := lookupTrimmed(envCycleRate); ok {
		r, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envCycleRate, err)
		}
		c.CycleRate = r
	}
	return nil
}

// Validate checks that every setting is usable
func (c Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if c.Interval <= 0 {
		return errors.New("interval must be greater than zero")
	}
	if c.SyncInterval <= 0 {
		return errors.New("sync_interval must be greater than zero")
	}
	if c.ProbeTimeout <= 0 {
		return errors.New("probe_timeout must be greater than zero")
	}
	if c.ProbeConcurrency < 1 {
		return errors.New("probe_concurrency must be at least 1")
	}
	if c.CycleRate <= 0 {
		return errors.New("cycle_rate must be greater than zero")
	}
	return nil
}

func lookupTrimmed(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func loadDotEnvIfPresent(path string) error {
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) && errors.Is(pathErr.Err, os.ErrNotExist) {
		return nil
	}
	return err
}
