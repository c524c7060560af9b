/*
Package metrics provides Prometheus metrics and health reporting for fleet.

All collectors are package-level variables registered with the default
registry at init time, so any package can record against them without
wiring. Handler exposes them for scraping.

# Merge reconciliation

	fleet_merge_polls_total{outcome}              pending, committed, failed, stale, error
	fleet_merge_poll_duration_seconds             one poll, gateway calls included
	fleet_merge_attempts_active                   attempts owned by the scheduler
	fleet_gateway_failures_total{gateway,kind}    gateway=snapshot|chain, kind=transport|semantic

# Actions and nodes

	fleet_actions_total{action,result}            result=ok|invalid|denied|error
	fleet_action_duration_seconds{action}
	fleet_node_probes_total{result}               result=up|down
	fleet_nodes_total{status}, fleet_vms_total{status}

# Health

RegisterComponent and UpdateComponent record component health. The /ready
endpoint requires the raft, scheduler and api components to be registered
and healthy; /health reports every registered component.

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.MergePollDuration)
*/
package metrics
