package qmetrics

import (
	"context"
	"time"

	"github.com/cuemby/taskqueue/pkg/store"
	"github.com/cuemby/taskqueue/pkg/tqtypes"
)

// Collector periodically samples a Store's status counts into the
// TasksPending / TasksInProgress gauges.
type Collector struct {
	store  store.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector for s.
func NewCollector(s store.Store) *Collector {
	return &Collector{
		store:  s,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a 15 second tick.
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

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	counts, err := c.store.CountByStatus(ctx)
	if err != nil {
		return
	}

	TasksPending.Set(float64(counts[tqtypes.StatusPending]))
	TasksInProgress.Set(float64(counts[tqtypes.StatusInProgress]))
}
