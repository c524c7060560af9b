package merge

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/fleet/pkg/events"
	"github.com/cuemby/fleet/pkg/log"
	"github.com/cuemby/fleet/pkg/metrics"
	"github.com/cuemby/fleet/pkg/storage"
	"github.com/cuemby/fleet/pkg/types"
	"github.com/cuemby/fleet/pkg/workflow"
	"github.com/rs/zerolog"
)

// Inventory is the cached control plane state read on every poll
type Inventory interface {
	GetVM(id string) (*types.VM, error)
	GetStoragePool(id string) (*types.StoragePool, error)
	GetSnapshot(id string) (*types.Snapshot, error)
}

// SnapshotGateway fetches the live state of a VM from the node running it
type SnapshotGateway interface {
	FetchNodeSnapshot(ctx context.Context, nodeID, vmID string) (*types.NodeSnapshot, error)
}

// ChainGateway asks the storage coordinator for the authoritative chain of an image
type ChainGateway interface {
	ReconcileVolumeChain(ctx context.Context, poolID, domainID, imageGroupID, imageID string) (types.VolumeChain, error)
}

// Outcomes records decisions and tells whether an attempt was already decided
type Outcomes interface {
	Resolve(attemptID, parentID string) (*types.MergeDecision, error)
	ReportOutcome(ctx context.Context, parentID, attemptID string, outcome types.MergeOutcome) (bool, error)
}

// AuditSink is the fire-and-forget audit log
type AuditSink interface {
	Emit(eventType events.EventType, values map[string]string)
}

// Deps are the collaborators of a Reconciler
type Deps struct {
	Inventory Inventory
	Snapshots SnapshotGateway
	Chains    ChainGateway
	Outcomes  Outcomes
	Audit     AuditSink
}

// Reconciler decides, one poll at a time, whether a live merge committed.
// It holds no per-attempt state; concurrent polls of different attempts
// are independent.
type Reconciler struct {
	inv       Inventory
	snapshots SnapshotGateway
	chains    ChainGateway
	outcomes  Outcomes
	audit     AuditSink
}

// NewReconciler creates a Reconciler
func NewReconciler(d Deps) *Reconciler {
	return &Reconciler{
		inv:       d.Inventory,
		snapshots: d.Snapshots,
		chains:    d.Chains,
		outcomes:  d.Outcomes,
		audit:     d.Audit,
	}
}

// Poll runs one reconciliation cycle for req. A Pending result means poll
// again later. Errors are limited to invalid requests, stale attempts
// (workflow.ErrStaleAttempt) and failures to record a terminal decision;
// gateway failures never surface here.
func (r *Reconciler) Poll(ctx context.Context, req types.MergeRequest) (types.StepResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.MergePollDuration)

	result, err := r.poll(ctx, req)
	switch {
	case errors.Is(err, workflow.ErrStaleAttempt):
		metrics.MergePollsTotal.WithLabelValues("stale").Inc()
	case err != nil:
		metrics.MergePollsTotal.WithLabelValues("error").Inc()
	default:
		metrics.MergePollsTotal.WithLabelValues(string(result.Outcome.Kind)).Inc()
	}
	return result, err
}

func (r *Reconciler) poll(ctx context.Context, req types.MergeRequest) (types.StepResult, error) {
	if err := req.Validate(); err != nil {
		return types.StepResult{}, err
	}
	logger := log.WithAttempt("merge", req.AttemptID, req.VMID)

	decided, err := r.outcomes.Resolve(req.AttemptID, req.ParentWorkflowID)
	if err != nil {
		return types.StepResult{}, err
	}
	if decided != nil {
		logger.Debug().Str("outcome", decided.Outcome.String()).Msg("Attempt already decided")
		return stepResult(req, decided.Outcome), nil
	}

	outcome, err := r.observe(ctx, &logger, req)
	if err != nil {
		return types.StepResult{}, err
	}

	if outcome.IsTerminal() {
		applied, err := r.outcomes.ReportOutcome(ctx, req.ParentWorkflowID, req.AttemptID, outcome)
		if err != nil {
			return types.StepResult{}, fmt.Errorf("failed to report merge outcome: %w", err)
		}
		if applied && outcome.Reason == types.FailureBaseMissing {
			r.auditBaseMissing(&logger, req)
		}
	}

	return stepResult(req, outcome), nil
}

func stepResult(req types.MergeRequest, outcome types.MergeOutcome) types.StepResult {
	return types.StepResult{
		AttemptID: req.AttemptID,
		Outcome:   outcome,
		Next:      types.StepFor(outcome),
	}
}

// observe fetches a fresh volume chain and decides on it. Every failure to
// obtain a chain degrades to Pending.
func (r *Reconciler) observe(ctx context.Context, logger *zerolog.Logger, req types.MergeRequest) (types.MergeOutcome, error) {
	vm, err := r.inv.GetVM(req.VMID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return types.MergeOutcome{}, fmt.Errorf("%w: vm %s no longer exists", workflow.ErrStaleAttempt, req.VMID)
		}
		logger.Error().Err(err).Msg("Failed to read VM status")
		return types.Pending(), nil
	}

	var (
		chain types.VolumeChain
		ok    bool
	)
	if vm.Status.RunState() == types.RunStateNotRunning {
		chain, ok = r.recoverChain(ctx, logger, req)
	} else {
		chain, ok = r.liveChain(ctx, logger, req, vm)
	}
	if !ok {
		return types.Pending(), nil
	}

	outcome := Decide(req, chain)
	switch outcome.Kind {
	case types.OutcomeCommitted:
		logger.Info().
			Str("removed_volume", outcome.RemovedVolume).
			Msg("Live merge committed")
	case types.OutcomeFailed:
		logger.Error().
			Str("reason", string(outcome.Reason)).
			Strs("chain", chain.IDs()).
			Msg(outcome.Detail)
	default:
		logger.Debug().Msg("Volume chain not available yet")
	}
	return outcome, nil
}

// recoverChain rebuilds the chain from storage metadata once the pool has a
// working coordinator.
func (r *Reconciler) recoverChain(ctx context.Context, logger *zerolog.Logger, req types.MergeRequest) (types.VolumeChain, bool) {
	pool, err := r.inv.GetStoragePool(req.StoragePoolID)
	if err != nil {
		logger.Error().Err(err).Str("storage_pool_id", req.StoragePoolID).Msg("Failed to read storage pool")
		return nil, false
	}
	if !pool.CoordinatorReady() {
		logger.Info().
			Str("storage_pool_id", pool.ID).
			Str("pool_status", string(pool.Status)).
			Msg("VM is not running, waiting for storage pool coordinator")
		return nil, false
	}

	chain, err := r.chains.ReconcileVolumeChain(ctx, req.StoragePoolID, req.StorageDomainID, req.ImageGroupID, req.ActiveImageID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to reconcile volume chain")
		return nil, false
	}
	return chain, true
}

// liveChain reads the chain from the node running the VM. Unknown run state
// takes this path too: an unreachable node simply yields Pending.
func (r *Reconciler) liveChain(ctx context.Context, logger *zerolog.Logger, req types.MergeRequest, vm *types.VM) (types.VolumeChain, bool) {
	nodeID := req.NodeID
	if nodeID == "" {
		nodeID = vm.NodeID
	}
	if nodeID == "" {
		logger.Warn().Str("vm_status", string(vm.Status)).Msg("VM has no node assigned")
		return nil, false
	}

	snap, err := r.snapshots.FetchNodeSnapshot(ctx, nodeID, req.VMID)
	if err != nil {
		logger.Error().Err(err).Str("node_id", nodeID).Msg("Failed to fetch node snapshot")
		return nil, false
	}

	chain := snap.ChainFor(req.ActiveImageID)
	if chain.IsEmpty() {
		logger.Warn().
			Str("node_id", nodeID).
			Str("active_image_id", req.ActiveImageID).
			Msg("Active image not found among VM devices")
	}
	return chain, true
}

func (r *Reconciler) auditBaseMissing(logger *zerolog.Logger, req types.MergeRequest) {
	name := ""
	if snap, err := r.inv.GetSnapshot(req.BaseImage.SnapshotID); err == nil {
		name = snap.Description
	} else {
		logger.Warn().Err(err).Str("snapshot_id", req.BaseImage.SnapshotID).Msg("Failed to read base snapshot")
	}

	r.audit.Emit(events.EventMergeBaseImageMissing, map[string]string{
		"SnapshotName": name,
		"BaseVolumeId": req.BaseImage.ImageID,
		"VmId":         req.VMID,
	})
}
