package metrics

import (
	"time"

	"github.com/rs/zerolog"
)

// Snapshot is a point-in-time summary of installed services
type Snapshot struct {
	ServicesByState   map[string]int
	BrokenEdgesByKind map[string]int
}

// Source produces snapshots for the collector
type Source interface {
	Snapshot() (Snapshot, error)
}

// Collector periodically copies a Source snapshot into gauges
type Collector struct {
	source   Source
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source Source, interval time.Duration, logger zerolog.Logger) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect takes one snapshot and publishes it
func (c *Collector) Collect() {
	snap, err := c.source.Snapshot()
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to collect metrics snapshot")
		return
	}

	ServicesTotal.Reset()
	for state, count := range snap.ServicesByState {
		ServicesTotal.WithLabelValues(state).Set(float64(count))
	}

	BrokenDependenciesTotal.Reset()
	for kind, count := range snap.BrokenEdgesByKind {
		BrokenDependenciesTotal.WithLabelValues(kind).Set(float64(count))
	}
}
