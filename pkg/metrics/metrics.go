package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Inventory metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_nodes_total",
			Help: "Total number of compute nodes by status",
		},
		[]string{"status"},
	)

	VMsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_vms_total",
			Help: "Total number of VMs by status",
		},
		[]string{"status"},
	)

	ComponentHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_component_healthy",
			Help: "Last reported health of a manager component (1 = healthy)",
		},
		[]string{"component"},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	// Merge reconciliation metrics
	MergePollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_merge_polls_total",
			Help: "Total number of merge status polls by outcome",
		},
		[]string{"outcome"},
	)

	MergePollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleet_merge_poll_duration_seconds",
			Help:    "Time taken by a single merge status poll in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	MergeAttemptsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_merge_attempts_total",
			Help: "Number of stored merge attempts by state",
		},
		[]string{"state"},
	)

	MergeAttemptsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_merge_attempts_active",
			Help: "Number of merge attempts currently being polled",
		},
	)

	GatewayFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_gateway_failures_total",
			Help: "Total number of node gateway failures by gateway and kind",
		},
		[]string{"gateway", "kind"},
	)

	// Action metrics
	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_actions_total",
			Help: "Total number of actions run by action and result",
		},
		[]string{"action", "result"},
	)

	ActionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleet_action_duration_seconds",
			Help:    "Action execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	// Node monitor metrics
	NodeProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_node_probes_total",
			Help: "Total number of node health probes by result",
		},
		[]string{"result"},
	)

	NodeMonitorCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleet_node_monitor_cycle_duration_seconds",
			Help:    "Time taken to probe every node and refresh VM run state",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(VMsTotal)
	prometheus.MustRegister(ComponentHealthy)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(MergePollsTotal)
	prometheus.MustRegister(MergePollDuration)
	prometheus.MustRegister(MergeAttemptsTotal)
	prometheus.MustRegister(MergeAttemptsActive)
	prometheus.MustRegister(GatewayFailuresTotal)
	prometheus.MustRegister(ActionsTotal)
	prometheus.MustRegister(ActionDuration)
	prometheus.MustRegister(NodeProbesTotal)
	prometheus.MustRegister(NodeMonitorCycleDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
