/*
Package types defines the core data structures used throughout Fleet.

Fleet is the control plane of a virtualization fleet: compute nodes run
virtual machines whose disks live in storage domains grouped into storage
pools. This package holds the entities the control plane caches, and the
values that flow through the live merge reconciliation path.

# Core Types

Inventory:
  - ComputeNode: hypervisor host reachable through its node agent
  - VM: cached view of a virtual machine, its run status and boot order
  - Disk, VMDevice: virtual disks and their attachment to VMs
  - Snapshot, DiskImage: snapshot layers and the volumes that back them
  - StoragePool: pool status and its elected storage coordinator

Live merge:
  - MergeRequest: immutable input of one reconciliation attempt
  - VolumeChain: set of volume ids backing one disk, rebuilt on every poll
  - MergeOutcome: Pending, Committed(volume) or Failed(reason)
  - MergeDecision: durable record of a terminal outcome
  - MergeAttempt: scheduler bookkeeping for one request
  - NodeSnapshot: best-effort per-VM state returned by a node

Workflow:
  - Workflow: parent multi-step workflow owning a merge attempt
  - ParentStep: closed set of steps (MergeStep, MergeStatusStep,
    DestroyImageStep, AbortStep); StepRecord is its stored form

# Run State

VMStatus values collapse into three run states:

	up, powering_up, paused, migrating   -> running
	down, suspended, image_locked        -> not_running
	not_responding, unknown, ""          -> unknown

Only an affirmative not_running routes the merge state machine to chain
recovery through the storage coordinator.

# Usage

Building a request and deciding on an observed chain:

	req := types.MergeRequest{
		AttemptID:        uuid.New().String(),
		ParentWorkflowID: wf.ID,
		VMID:             vm.ID,
		StoragePoolID:    disk.StoragePoolID,
		StorageDomainID:  disk.StorageDomainID,
		ImageGroupID:     disk.ID,
		ActiveImageID:    disk.ID,
		BaseImage:        types.DiskImage{ImageID: baseID, SnapshotID: baseSnap},
		TopImage:         types.DiskImage{ImageID: topID, SnapshotID: topSnap},
	}

	chain := types.NewVolumeChain("base", "mid")
	if !chain.Contains(req.TopImage.ImageID) && chain.Contains(req.BaseImage.ImageID) {
		next := types.StepFor(types.Committed(req.TopImage.ImageID))
		_ = next // DestroyImageStep{Volumes: [top]}
	}
*/
package types
