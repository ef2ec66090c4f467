package metrics

import (
	"time"
)

// Stats is a point-in-time view of the machine, polled by the Collector.
type Stats struct {
	MemoriesByState  map[string]int
	AgentsByStatus   map[string]int
	PeerLag          map[string]int64
	UnreachablePeers int
	RingFillPct      float64
	IndexEntries     int
}

// StatsSource is implemented by the machine composition root.
type StatsSource interface {
	Stats() Stats
}

// Collector polls a StatsSource and keeps the gauges current
type Collector struct {
	source StatsSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source StatsSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
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

func (c *Collector) collect() {
	stats := c.source.Stats()

	for state, count := range stats.MemoriesByState {
		MemoriesTotal.WithLabelValues(state).Set(float64(count))
	}
	for status, count := range stats.AgentsByStatus {
		AgentsTotal.WithLabelValues(status).Set(float64(count))
	}
	for peer, lag := range stats.PeerLag {
		PeerLag.WithLabelValues(peer).Set(float64(lag))
	}
	PeersUnreachable.Set(float64(stats.UnreachablePeers))
	ChangeRingFill.Set(stats.RingFillPct)
	IndexEntries.Set(float64(stats.IndexEntries))
}
