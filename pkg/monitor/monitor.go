package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cuemby/keeper/pkg/log"
	"github.com/cuemby/keeper/pkg/metrics"
	"github.com/cuemby/keeper/pkg/storage"
	"github.com/cuemby/keeper/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Source lists the services to watch and reports whether one is running
type Source interface {
	List() ([]types.ServiceID, error)
	Running(ctx context.Context, id types.ServiceID) (bool, error)
}

// Config tunes the monitor loops
type Config struct {
	// Interval between two cycles of one service
	Interval time.Duration
	// SyncInterval between two scans of the installed services
	SyncInterval time.Duration
	// CycleRate caps how many cycles start per second across all services
	CycleRate float64
	// MaxRetry bounds how long a cycle failing with store errors is retried
	MaxRetry time.Duration
}

// DefaultConfig returns the monitor defaults
func DefaultConfig() Config {
	return Config{
		Interval:     30 * time.Second,
		SyncInterval: 5 * time.Second,
		CycleRate:    10,
		MaxRetry:     10 * time.Second,
	}
}

// watch is the health check loop of one service
type watch struct {
	gate   *Gate
	cancel context.CancelFunc
	logger zerolog.Logger
}

// Monitor runs a health check loop for every running service
type Monitor struct {
	source  Source
	checker *Checker
	config  Config
	limiter *rate.Limiter
	logger  zerolog.Logger

	mu       sync.Mutex
	watches  map[types.ServiceID]*watch
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	loops    sync.WaitGroup
}

// New creates a monitor
func New(source Source, checker *Checker, config Config) *Monitor {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = defaults.SyncInterval
	}
	if config.CycleRate <= 0 {
		config.CycleRate = defaults.CycleRate
	}
	if config.MaxRetry <= 0 {
		config.MaxRetry = defaults.MaxRetry
	}

	return &Monitor{
		source:  source,
		checker: checker,
		config:  config,
		limiter: rate.NewLimiter(rate.Limit(config.CycleRate), 1),
		logger:  log.WithComponent("monitor"),
		watches: make(map[types.ServiceID]*watch),
		stopCh:  make(chan struct{}),
	}
}

// Start starts the monitor
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.syncLoop()
	metrics.UpdateComponent(metrics.ComponentMonitor, true, "")
}

// Stop revokes every gate and waits for the loops to exit. Calling it
// again is a no-op.
func (m *Monitor) Stop() {
	m.stopOnce.Do(m.stop)
}

func (m *Monitor) stop() {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	for id, w := range m.watches {
		m.unwatchLocked(id, w)
	}
	metrics.MonitoredServices.Set(0)
	m.mu.Unlock()

	m.loops.Wait()
	metrics.UpdateComponent(metrics.ComponentMonitor, false, "stopped")
}

// Watching returns the services that currently have a loop
func (m *Monitor) Watching() []types.ServiceID {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]types.ServiceID, 0, len(m.watches))
	for id := range m.watches {
		ids = append(ids, id)
	}
	return ids
}

func (m *Monitor) syncLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.SyncInterval)
	defer ticker.Stop()

	m.Sync(context.Background())
	for {
		select {
		case <-ticker.C:
			m.Sync(context.Background())
		case <-m.stopCh:
			return
		}
	}
}

// Sync starts loops for running services and stops loops for services that
// stopped or were uninstalled
func (m *Monitor) Sync(ctx context.Context) {
	ids, err := m.source.List()
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to list services")
		return
	}

	running := make(map[types.ServiceID]bool, len(ids))
	for _, id := range ids {
		ok, err := m.source.Running(ctx, id)
		if err != nil {
			m.logger.Warn().Err(err).Str("service_id", string(id)).Msg("Failed to read service status")
			continue
		}
		running[id] = ok
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, w := range m.watches {
		if !running[id] {
			m.unwatchLocked(id, w)
		}
	}
	for id, ok := range running {
		if _, exists := m.watches[id]; ok && !exists {
			m.watchLocked(id)
		}
	}
	metrics.MonitoredServices.Set(float64(len(m.watches)))
}

func (m *Monitor) watchLocked(id types.ServiceID) {
	ctx, cancel := context.WithCancel(context.Background())
	w := &watch{
		gate:   NewGate(),
		cancel: cancel,
		logger: log.ForService(m.logger, string(id)),
	}
	m.watches[id] = w

	m.loops.Add(1)
	go m.checkLoop(ctx, id, w)
	w.logger.Info().Msg("Started health monitoring")
}

func (m *Monitor) unwatchLocked(id types.ServiceID, w *watch) {
	w.gate.Revoke()
	w.cancel()
	delete(m.watches, id)
	w.logger.Info().Msg("Stopped health monitoring")
}

func (m *Monitor) checkLoop(ctx context.Context, id types.ServiceID, w *watch) {
	defer m.loops.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		m.runCycle(ctx, id, w)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// runCycle runs one cycle, retrying store failures with backoff
func (m *Monitor) runCycle(ctx context.Context, id types.ServiceID, w *watch) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = m.config.MaxRetry

	attempt := 0
	op := func() error {
		if err := m.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		if attempt > 0 {
			metrics.HealthCycleRetriesTotal.Inc()
		}
		attempt++

		err := m.checker.Check(ctx, id, w.gate)
		var storeErr *storage.Error
		if err != nil && !errors.As(err, &storeErr) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(policy, ctx))
	if err != nil && ctx.Err() == nil {
		w.logger.Error().
			Err(err).
			Int("attempts", attempt).
			Msg("Health check cycle failed")
	}
}
