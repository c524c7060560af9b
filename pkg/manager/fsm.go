package manager

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/fleet/pkg/storage"
	"github.com/cuemby/fleet/pkg/types"
	"github.com/hashicorp/raft"
)

// FleetFSM implements the Raft Finite State Machine for the fleet's control plane state.
// It applies log entries to the store and handles snapshots.
type FleetFSM struct {
	mu    sync.RWMutex
	store storage.Store
}

// NewFleetFSM creates a new FSM instance
func NewFleetFSM(store storage.Store) *FleetFSM {
	return &FleetFSM{
		store: store,
	}
}

// Op names a state change. The set is closed; Apply rejects anything else.
type Op string

const (
	OpPutNode        Op = "put_node"
	OpDeleteNode     Op = "delete_node"
	OpPutVM          Op = "put_vm"
	OpPutDisk        Op = "put_disk"
	OpPutVMDevice    Op = "put_vm_device"
	OpRemoveVMDevice Op = "remove_vm_device"
	OpPutSnapshot    Op = "put_snapshot"
	OpPutPool        Op = "put_storage_pool"
	OpPutPermission  Op = "put_permission"
	OpPutWorkflow    Op = "put_workflow"
	OpPutAttempt     Op = "put_attempt"
	OpCommitDecision Op = "commit_decision"
	OpAppendAudit    Op = "append_audit"
)

// Command represents a state change operation in the Raft log
type Command struct {
	Op   Op              `json:"op"`
	Data json.RawMessage `json:"data"`
}

// deviceRef identifies a VM device for removal
type deviceRef struct {
	DeviceID string `json:"deviceId"`
	VMID     string `json:"vmId"`
}

// decisionCommit is the payload of OpCommitDecision
type decisionCommit struct {
	Decision types.MergeDecision `json:"decision"`
	Step     types.StepRecord    `json:"step"`
}

// CommitResult is returned by Apply for OpCommitDecision
type CommitResult struct {
	Applied bool
	Err     error
}

func decode[T any](data json.RawMessage) (*T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Apply applies a Raft log entry to the FSM.
// This is called by Raft when a log entry is committed.
func (f *FleetFSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.apply(cmd)
}

func (f *FleetFSM) apply(cmd Command) interface{} {
	switch cmd.Op {
	case OpPutNode:
		node, err := decode[types.ComputeNode](cmd.Data)
		if err != nil {
			return err
		}
		return f.store.PutNode(node)

	case OpDeleteNode:
		id, err := decode[string](cmd.Data)
		if err != nil {
			return err
		}
		return f.store.DeleteNode(*id)

	case OpPutVM:
		vm, err := decode[types.VM](cmd.Data)
		if err != nil {
			return err
		}
		return f.store.PutVM(vm)

	case OpPutDisk:
		disk, err := decode[types.Disk](cmd.Data)
		if err != nil {
			return err
		}
		return f.store.PutDisk(disk)

	case OpPutVMDevice:
		device, err := decode[types.VMDevice](cmd.Data)
		if err != nil {
			return err
		}
		return f.store.PutVMDevice(device)

	case OpRemoveVMDevice:
		ref, err := decode[deviceRef](cmd.Data)
		if err != nil {
			return err
		}
		return f.store.RemoveVMDevice(ref.DeviceID, ref.VMID)

	case OpPutSnapshot:
		snapshot, err := decode[types.Snapshot](cmd.Data)
		if err != nil {
			return err
		}
		return f.store.PutSnapshot(snapshot)

	case OpPutPool:
		pool, err := decode[types.StoragePool](cmd.Data)
		if err != nil {
			return err
		}
		return f.store.PutStoragePool(pool)

	case OpPutPermission:
		perm, err := decode[types.Permission](cmd.Data)
		if err != nil {
			return err
		}
		return f.store.PutPermission(perm)

	case OpPutWorkflow:
		wf, err := decode[types.Workflow](cmd.Data)
		if err != nil {
			return err
		}
		return f.store.PutWorkflow(wf)

	case OpPutAttempt:
		attempt, err := decode[types.MergeAttempt](cmd.Data)
		if err != nil {
			return err
		}
		return f.store.PutAttempt(attempt)

	case OpCommitDecision:
		commit, err := decode[decisionCommit](cmd.Data)
		if err != nil {
			return err
		}
		applied, err := f.store.CommitDecision(&commit.Decision, commit.Step)
		return &CommitResult{Applied: applied, Err: err}

	case OpAppendAudit:
		record, err := decode[types.AuditRecord](cmd.Data)
		if err != nil {
			return err
		}
		return f.store.AppendAudit(record)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot creates a point-in-time snapshot of the FSM.
// This is called periodically by Raft to compact the log.
func (f *FleetFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	snapshot := &FleetSnapshot{}
	var err error

	if snapshot.Nodes, err = f.store.ListNodes(); err != nil {
		return nil, fmt.Errorf("failed to list nodes: %v", err)
	}
	if snapshot.VMs, err = f.store.ListVMs(); err != nil {
		return nil, fmt.Errorf("failed to list vms: %v", err)
	}
	if snapshot.Disks, err = f.store.ListDisks(); err != nil {
		return nil, fmt.Errorf("failed to list disks: %v", err)
	}
	if snapshot.Devices, err = f.store.ListAllVMDevices(); err != nil {
		return nil, fmt.Errorf("failed to list vm devices: %v", err)
	}
	if snapshot.Snapshots, err = f.store.ListSnapshots(); err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %v", err)
	}
	if snapshot.Pools, err = f.store.ListStoragePools(); err != nil {
		return nil, fmt.Errorf("failed to list storage pools: %v", err)
	}
	if snapshot.Permissions, err = f.store.ListPermissions(); err != nil {
		return nil, fmt.Errorf("failed to list permissions: %v", err)
	}
	if snapshot.Workflows, err = f.store.ListWorkflows(); err != nil {
		return nil, fmt.Errorf("failed to list workflows: %v", err)
	}
	if snapshot.Attempts, err = f.store.ListAttempts(); err != nil {
		return nil, fmt.Errorf("failed to list merge attempts: %v", err)
	}
	if snapshot.Decisions, err = f.store.ListDecisions(); err != nil {
		return nil, fmt.Errorf("failed to list merge decisions: %v", err)
	}

	return snapshot, nil
}

// Restore restores the FSM from a snapshot.
// This is called when a node restarts or joins the cluster.
func (f *FleetFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot FleetSnapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, node := range snapshot.Nodes {
		if err := f.store.PutNode(node); err != nil {
			return fmt.Errorf("failed to restore node: %v", err)
		}
	}
	for _, vm := range snapshot.VMs {
		if err := f.store.PutVM(vm); err != nil {
			return fmt.Errorf("failed to restore vm: %v", err)
		}
	}
	for _, disk := range snapshot.Disks {
		if err := f.store.PutDisk(disk); err != nil {
			return fmt.Errorf("failed to restore disk: %v", err)
		}
	}
	for _, device := range snapshot.Devices {
		if err := f.store.PutVMDevice(device); err != nil {
			return fmt.Errorf("failed to restore vm device: %v", err)
		}
	}
	for _, snap := range snapshot.Snapshots {
		if err := f.store.PutSnapshot(snap); err != nil {
			return fmt.Errorf("failed to restore snapshot: %v", err)
		}
	}
	for _, pool := range snapshot.Pools {
		if err := f.store.PutStoragePool(pool); err != nil {
			return fmt.Errorf("failed to restore storage pool: %v", err)
		}
	}
	for _, perm := range snapshot.Permissions {
		if err := f.store.PutPermission(perm); err != nil {
			return fmt.Errorf("failed to restore permission: %v", err)
		}
	}
	for _, wf := range snapshot.Workflows {
		if err := f.store.PutWorkflow(wf); err != nil {
			return fmt.Errorf("failed to restore workflow: %v", err)
		}
	}
	for _, attempt := range snapshot.Attempts {
		if err := f.store.PutAttempt(attempt); err != nil {
			return fmt.Errorf("failed to restore merge attempt: %v", err)
		}
	}
	for _, decision := range snapshot.Decisions {
		if err := f.store.RestoreDecision(decision); err != nil {
			return fmt.Errorf("failed to restore merge decision: %v", err)
		}
	}

	return nil
}

// FleetSnapshot represents a point-in-time snapshot of control plane state
type FleetSnapshot struct {
	Nodes       []*types.ComputeNode
	VMs         []*types.VM
	Disks       []*types.Disk
	Devices     []*types.VMDevice
	Snapshots   []*types.Snapshot
	Pools       []*types.StoragePool
	Permissions []*types.Permission
	Workflows   []*types.Workflow
	Attempts    []*types.MergeAttempt
	Decisions   []*types.MergeDecision
}

// Persist writes the snapshot to the given SnapshotSink
func (s *FleetSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}

	return err
}

// Release releases the snapshot resources
func (s *FleetSnapshot) Release() {}
