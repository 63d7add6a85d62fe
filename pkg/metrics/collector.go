package metrics

import (
	"strconv"
	"time"
)

// StatsSource is implemented by the capability registry.
type StatsSource interface {
	WorkerCounts() (total, healthy int)
	CapabilityKeyCount() int
}

// Collector periodically samples registry gauges
type Collector struct {
	source   StatsSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source StatsSource) *Collector {
	return &Collector{
		source:   source,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
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
	total, healthy := c.source.WorkerCounts()

	WorkersTotal.WithLabelValues(strconv.FormatBool(true)).Set(float64(healthy))
	WorkersTotal.WithLabelValues(strconv.FormatBool(false)).Set(float64(total - healthy))
	CapabilityKeysTotal.Set(float64(c.source.CapabilityKeyCount()))
}
