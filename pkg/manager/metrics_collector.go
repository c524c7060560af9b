package manager

import (
	"time"

	"github.com/cuemby/fleet/pkg/metrics"
	"github.com/cuemby/fleet/pkg/types"
)

// MetricsCollector periodically publishes inventory and raft gauges
type MetricsCollector struct {
	manager  *Manager
	interval time.Duration
	stopCh   chan struct{}
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(mgr *Manager, interval time.Duration) *MetricsCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &MetricsCollector{
		manager:  mgr,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *MetricsCollector) Start() {
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
func (c *MetricsCollector) Stop() {
	close(c.stopCh)
}

func (c *MetricsCollector) collect() {
	c.collectNodeMetrics()
	c.collectVMMetrics()
	c.collectAttemptMetrics()
	c.collectRaftMetrics()
}

func (c *MetricsCollector) collectNodeMetrics() {
	nodes, err := c.manager.ListNodes()
	if err != nil {
		return
	}

	counts := make(map[types.NodeStatus]int)
	for _, node := range nodes {
		counts[node.Status]++
	}

	metrics.NodesTotal.Reset()
	for status, count := range counts {
		metrics.NodesTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}

func (c *MetricsCollector) collectVMMetrics() {
	vms, err := c.manager.store.ListVMs()
	if err != nil {
		return
	}

	counts := make(map[types.VMStatus]int)
	for _, vm := range vms {
		counts[vm.Status]++
	}

	metrics.VMsTotal.Reset()
	for status, count := range counts {
		metrics.VMsTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}

func (c *MetricsCollector) collectAttemptMetrics() {
	attempts, err := c.manager.ListAttempts()
	if err != nil {
		return
	}

	counts := map[types.AttemptState]int{
		types.AttemptStatePolling:   0,
		types.AttemptStateCommitted: 0,
		types.AttemptStateFailed:    0,
		types.AttemptStateCancelled: 0,
	}
	for _, a := range attempts {
		counts[a.State]++
	}
	for state, count := range counts {
		metrics.MergeAttemptsTotal.WithLabelValues(string(state)).Set(float64(count))
	}
}

func (c *MetricsCollector) collectRaftMetrics() {
	if c.manager.IsLeader() {
		metrics.RaftLeader.Set(1)
	} else {
		metrics.RaftLeader.Set(0)
	}

	if addr := c.manager.LeaderAddr(); addr != "" {
		metrics.UpdateComponent("raft", true, "leader "+addr)
	} else {
		metrics.UpdateComponent("raft", false, "no leader")
	}

	stats := c.manager.GetRaftStats()
	if stats != nil {
		if lastIndex, ok := stats["last_log_index"].(uint64); ok {
			metrics.RaftLogIndex.Set(float64(lastIndex))
		}
		if appliedIndex, ok := stats["applied_index"].(uint64); ok {
			metrics.RaftAppliedIndex.Set(float64(appliedIndex))
		}
	}
}
