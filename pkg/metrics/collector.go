package metrics

import (
	"context"
	"time"

	"github.com/opentiger/worker-runtime/pkg/types"
)

// FleetSource is the subset of the Store port the collector polls to
// populate gauge metrics. Satisfied by pkg/storage.Store.
type FleetSource interface {
	ListAgents(ctx context.Context) ([]*types.Agent, error)
	CountTasksByStatus(ctx context.Context) (map[types.TaskStatus]int, error)
	CountLeases(ctx context.Context) (int, error)
}

// Collector periodically polls the store and updates gauge metrics that
// can't be updated incrementally from the components that touch them
// directly (AgentsTotal, TasksTotal, LeasesTotal).
type Collector struct {
	store  FleetSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector backed by store.
func NewCollector(store FleetSource) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a 15s tick.
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

	c.collectAgentMetrics(ctx)
	c.collectTaskMetrics(ctx)
	c.collectLeaseMetrics(ctx)
}

func (c *Collector) collectAgentMetrics(ctx context.Context) {
	agents, err := c.store.ListAgents(ctx)
	if err != nil {
		return
	}

	counts := make(map[string]map[string]int)
	for _, agent := range agents {
		role := string(agent.Role)
		status := string(agent.Status)
		if counts[role] == nil {
			counts[role] = make(map[string]int)
		}
		counts[role][status]++
	}

	for role, statuses := range counts {
		for status, count := range statuses {
			AgentsTotal.WithLabelValues(role, status).Set(float64(count))
		}
	}
}

func (c *Collector) collectTaskMetrics(ctx context.Context) {
	byStatus, err := c.store.CountTasksByStatus(ctx)
	if err != nil {
		return
	}
	for status, count := range byStatus {
		TasksTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}

func (c *Collector) collectLeaseMetrics(ctx context.Context) {
	count, err := c.store.CountLeases(ctx)
	if err != nil {
		return
	}
	LeasesTotal.Set(float64(count))
}
