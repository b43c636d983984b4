package metrics

import (
	"context"
	"time"

	"github.com/codalab/bundlecore/pkg/types"
)

// Source is the read-only view of bundle and worker state the collector
// polls. pkg/store.Store satisfies this.
type Source interface {
	AllBundles(ctx context.Context) ([]types.Bundle, error)
	AllWorkers(ctx context.Context) ([]types.Worker, error)
}

// Collector periodically samples bundle and worker counts into gauges.
type Collector struct {
	source Source
	stopCh chan struct{}
}

// NewCollector creates a collector over the given state source.
func NewCollector(source Source) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins the sampling loop in a background goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
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

// Stop halts the sampling loop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectBundleMetrics()
	c.collectWorkerMetrics()
}

func (c *Collector) collectBundleMetrics() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bundles, err := c.source.AllBundles(ctx)
	if err != nil {
		return
	}

	counts := make(map[types.State]int)
	for _, b := range bundles {
		counts[b.State]++
	}
	for state, count := range counts {
		BundlesTotal.WithLabelValues(string(state)).Set(float64(count))
	}
}

func (c *Collector) collectWorkerMetrics() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	workers, err := c.source.AllWorkers(ctx)
	if err != nil {
		return
	}

	now := time.Now()
	counts := make(map[string]map[string]int)
	for _, w := range workers {
		pool := "private"
		if w.UserID == "" {
			pool = "codalab"
		}
		status := "dead"
		if w.IsAlive(now) {
			status = "alive"
		}
		if counts[pool] == nil {
			counts[pool] = make(map[string]int)
		}
		counts[pool][status]++
	}
	for pool, statuses := range counts {
		for status, count := range statuses {
			WorkersTotal.WithLabelValues(pool, status).Set(float64(count))
		}
	}
}
