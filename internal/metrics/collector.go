package metrics

import (
	"context"
	"sync"
	"time"
)

// Totals is the aggregate spend of one correlation id (one logical pipeline
// run).
type Totals struct {
	Runs         int
	Failures     int
	TokensUsed   int
	CostEstimate float64
	Duration     time.Duration
}

// Collector subscribes to the metrics bus and aggregates totals per
// correlation id. Only the collector goroutine mutates the totals map; no
// two components ever share a mutable map.
type Collector struct {
	bus  *Bus
	name string

	mu     sync.RWMutex
	totals map[string]Totals

	done chan struct{}
}

func NewCollector(bus *Bus) *Collector {
	return &Collector{
		bus:    bus,
		name:   "aggregator",
		totals: make(map[string]Totals),
		done:   make(chan struct{}),
	}
}

func (c *Collector) Start(ctx context.Context) {
	ch := c.bus.Subscribe(c.name)
	go func() {
		defer close(c.done)
		defer c.bus.Unsubscribe(c.name)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-ch:
				if !ok {
					return
				}
				c.apply(event)
			}
		}
	}()
}

func (c *Collector) Wait() {
	<-c.done
}

func (c *Collector) apply(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := event.CorrelationID
	totals := c.totals[key]
	totals.Runs++
	if event.Failed {
		totals.Failures++
	}
	totals.TokensUsed += event.TokensUsed
	totals.CostEstimate += event.CostEstimate
	totals.Duration += event.Duration
	c.totals[key] = totals
}

// Totals returns the aggregate for one correlation id.
func (c *Collector) Totals(correlationID string) Totals {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.totals[correlationID]
}

// Forget drops the aggregate for a finished pipeline run.
func (c *Collector) Forget(correlationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.totals, correlationID)
}
