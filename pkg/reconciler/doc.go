/*
Package reconciler keeps the control plane's cached view of compute nodes
and their VMs current.

Every Interval the Reconciler probes each node not in maintenance, through
the gRPC health protocol or a plain TCP connect, bounded by
MaxConcurrentProbes. Probe results are folded into a health.Status per node:

  - A node is marked non_responsive after Probe.Retries consecutive failed
    probes, and a node.down audit event is emitted. Its running VMs are set
    to not_responding, which reads as an unknown run state.
  - A single successful probe marks the node up again (node.up), after which
    the status each VM reports on the node is copied into the cache.

The merge state machine routes on these cached statuses, so a stale cache
only delays a decision; it never produces a wrong one.

	r := reconciler.NewReconciler(mgr, gatewayClient, broker, reconciler.DefaultConfig())
	r.Start()
	defer r.Stop()
*/
package reconciler
