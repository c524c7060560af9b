package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/fleet/pkg/events"
	"github.com/cuemby/fleet/pkg/health"
	"github.com/cuemby/fleet/pkg/log"
	"github.com/cuemby/fleet/pkg/metrics"
	"github.com/cuemby/fleet/pkg/types"
	"golang.org/x/sync/errgroup"
)

// Store is the cached node and VM state the reconciler maintains
type Store interface {
	ListNodes() ([]*types.ComputeNode, error)
	PutNode(node *types.ComputeNode) error
	ListVMsByNode(nodeID string) ([]*types.VM, error)
	PutVM(vm *types.VM) error
}

// VMLister reads the VMs a node reports as running
type VMLister interface {
	ListVMs(ctx context.Context, nodeID string) ([]*types.NodeSnapshot, error)
}

// AuditSink is the fire-and-forget audit log
type AuditSink interface {
	Emit(eventType events.EventType, values map[string]string)
}

// CheckerFactory builds the probe for a node
type CheckerFactory func(node *types.ComputeNode) health.Checker

// Config controls the reconciliation loop
type Config struct {
	Interval  time.Duration
	CheckType health.CheckType
	Probe     health.Config

	// MaxConcurrentProbes bounds how many nodes are probed at once
	MaxConcurrentProbes int
}

// DefaultConfig probes every 10 seconds over the gRPC health protocol
func DefaultConfig() Config {
	return Config{
		Interval:            10 * time.Second,
		CheckType:           health.CheckTypeGRPC,
		Probe:               health.DefaultConfig(),
		MaxConcurrentProbes: 16,
	}
}

// Reconciler keeps the cached node reachability and VM run state in line
// with what the compute nodes report
type Reconciler struct {
	store      Store
	vms        VMLister
	audit      AuditSink
	cfg        Config
	newChecker CheckerFactory

	mu       sync.Mutex
	statuses map[string]*health.Status
	checkers map[string]checkerEntry

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type checkerEntry struct {
	address string
	checker health.Checker
}

// NewReconciler creates a new reconciler
func NewReconciler(store Store, vms VMLister, audit AuditSink, cfg Config) *Reconciler {
	r := &Reconciler{
		store:    store,
		vms:      vms,
		audit:    audit,
		cfg:      cfg,
		statuses: make(map[string]*health.Status),
		checkers: make(map[string]checkerEntry),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	r.newChecker = r.defaultChecker
	return r
}

// WithCheckerFactory replaces how node probes are built
func (r *Reconciler) WithCheckerFactory(f CheckerFactory) *Reconciler {
	r.newChecker = f
	return r
}

func (r *Reconciler) defaultChecker(node *types.ComputeNode) health.Checker {
	if r.cfg.CheckType == health.CheckTypeTCP {
		return health.NewTCPChecker(node.Address).WithTimeout(r.cfg.Probe.Timeout)
	}
	checker := health.NewGRPCChecker(node.Address, "")
	checker.Timeout = r.cfg.Probe.Timeout
	return checker
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler and waits for the current cycle
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.done
}

// run is the main reconciliation loop
func (r *Reconciler) run() {
	defer close(r.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-r.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.reconcile(ctx); err != nil {
				logger := log.WithComponent("reconciler")
				logger.Error().Err(err).Msg("Reconciliation cycle failed")
			}
		case <-r.stopCh:
			return
		}
	}
}

type probe struct {
	node   *types.ComputeNode
	result health.Result
}

// reconcile performs one reconciliation cycle
func (r *Reconciler) reconcile(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.NodeMonitorCycleDuration)

	nodes, err := r.store.ListNodes()
	if err != nil {
		return err
	}

	probes := make([]probe, 0, len(nodes))
	for _, node := range nodes {
		if node.Status != types.NodeStatusMaintenance {
			probes = append(probes, probe{node: node})
		}
	}

	var g errgroup.Group
	if r.cfg.MaxConcurrentProbes > 0 {
		g.SetLimit(r.cfg.MaxConcurrentProbes)
	}
	for i := range probes {
		p := &probes[i]
		g.Go(func() error {
			p.result = r.checker(p.node).Check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}

	down := 0
	for _, p := range probes {
		r.apply(ctx, p.node, p.result)
		if !r.status(p.node.ID).Healthy {
			down++
		}
	}
	if down == 0 {
		metrics.UpdateComponent("node_monitor", true, fmt.Sprintf("%d nodes reachable", len(probes)))
	} else {
		metrics.UpdateComponent("node_monitor", false, fmt.Sprintf("%d of %d nodes unreachable", down, len(probes)))
	}
	return nil
}

// checker returns the cached probe of a node, rebuilding it when the address changed
func (r *Reconciler) checker(node *types.ComputeNode) health.Checker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.checkers[node.ID]; ok && e.address == node.Address {
		return e.checker
	}
	c := r.newChecker(node)
	r.checkers[node.ID] = checkerEntry{address: node.Address, checker: c}
	return c
}

func (r *Reconciler) status(nodeID string) *health.Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.statuses[nodeID]
	if !ok {
		s = health.NewStatus()
		r.statuses[nodeID] = s
	}
	return s
}

// apply folds one probe result into the node status and its VMs
func (r *Reconciler) apply(ctx context.Context, node *types.ComputeNode, result health.Result) {
	logger := log.WithNodeID(node.ID)

	if result.Healthy {
		metrics.NodeProbesTotal.WithLabelValues("healthy").Inc()
	} else {
		metrics.NodeProbesTotal.WithLabelValues("unhealthy").Inc()
	}

	status := r.status(node.ID)
	status.Update(result, r.cfg.Probe)

	want := types.NodeStatusNonResponsive
	if status.Healthy {
		want = types.NodeStatusUp
	}

	if node.Status != want {
		node.Status = want
		if status.Healthy {
			node.LastSeen = result.CheckedAt
		}
		if err := r.store.PutNode(node); err != nil {
			logger.Error().Err(err).Msg("Failed to update node status")
			return
		}

		eventType := events.EventNodeDown
		if status.Healthy {
			eventType = events.EventNodeUp
			logger.Info().Msg("Node is reachable")
		} else {
			logger.Warn().
				Int("failures", status.ConsecutiveFailures).
				Str("last_error", result.Message).
				Msg("Node is not responding")
		}
		r.audit.Emit(eventType, map[string]string{
			"NodeId":   node.ID,
			"NodeName": node.Name,
			"Message":  result.Message,
		})
	}

	if status.Healthy {
		r.refreshVMs(ctx, node)
	} else {
		r.markVMsUnknown(node)
	}
}

// markVMsUnknown flags the VMs of an unreachable node as not responding, so
// their run state reads as unknown until the node answers again
func (r *Reconciler) markVMsUnknown(node *types.ComputeNode) {
	logger := log.WithNodeID(node.ID)

	vms, err := r.store.ListVMsByNode(node.ID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list VMs")
		return
	}

	now := time.Now().UTC()
	for _, vm := range vms {
		if vm.Status.RunState() == types.RunStateNotRunning || vm.Status == types.VMStatusNotResponding {
			continue
		}
		vm.Status = types.VMStatusNotResponding
		vm.StatusUpdatedAt = now
		if err := r.store.PutVM(vm); err != nil {
			logger.Error().Err(err).Str("vm_id", vm.ID).Msg("Failed to update VM status")
		}
	}
}

// refreshVMs copies the status each VM reports on node into the cache. A
// cached VM the node no longer reports has exited and reads as down.
func (r *Reconciler) refreshVMs(ctx context.Context, node *types.ComputeNode) {
	logger := log.WithNodeID(node.ID)

	vms, err := r.store.ListVMsByNode(node.ID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list VMs")
		return
	}
	if len(vms) == 0 {
		return
	}

	reported, err := r.vms.ListVMs(ctx, node.ID)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to list VMs on node")
		return
	}
	byID := make(map[string]types.VMStatus, len(reported))
	for _, snap := range reported {
		byID[snap.VMID] = snap.Status
	}

	now := time.Now().UTC()
	for _, vm := range vms {
		st, ok := byID[vm.ID]
		if !ok {
			st = vmGone(vm)
		}
		if st == "" || st == vm.Status {
			continue
		}
		logger.Debug().
			Str("vm_id", vm.ID).
			Str("from", string(vm.Status)).
			Str("to", string(st)).
			Msg("VM status changed")
		vm.Status = st
		vm.StatusUpdatedAt = now
		if err := r.store.PutVM(vm); err != nil {
			logger.Error().Err(err).Str("vm_id", vm.ID).Msg("Failed to update VM status")
		}
	}
}

// vmGone is the status of a cached VM missing from its node's list. A
// migrating VM may already run on the destination and keeps its status.
func vmGone(vm *types.VM) types.VMStatus {
	if vm.Status == types.VMStatusMigrating || vm.Status.RunState() == types.RunStateNotRunning {
		return ""
	}
	return types.VMStatusDown
}
