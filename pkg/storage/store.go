package storage

import (
	"errors"

	"github.com/cuemby/fleet/pkg/types"
)

// ErrNotFound is wrapped by every Get* method when the key is absent
var ErrNotFound = errors.New("not found")

// ErrConflictingDecision is returned when an attempt already has a different terminal decision
var ErrConflictingDecision = errors.New("conflicting decision already recorded")

// Store defines the interface for fleet state storage
type Store interface {
	// Compute nodes
	PutNode(node *types.ComputeNode) error
	GetNode(id string) (*types.ComputeNode, error)
	ListNodes() ([]*types.ComputeNode, error)
	DeleteNode(id string) error

	// VMs
	PutVM(vm *types.VM) error
	GetVM(id string) (*types.VM, error)
	ListVMs() ([]*types.VM, error)
	ListVMsByNode(nodeID string) ([]*types.VM, error)

	// Disks
	PutDisk(disk *types.Disk) error
	GetDisk(id string) (*types.Disk, error)
	ListDisks() ([]*types.Disk, error)

	// VM devices
	PutVMDevice(device *types.VMDevice) error
	GetVMDevice(deviceID, vmID string) (*types.VMDevice, error)
	ListVMDevices(vmID string) ([]*types.VMDevice, error)
	ListAllVMDevices() ([]*types.VMDevice, error)
	RemoveVMDevice(deviceID, vmID string) error

	// Snapshots
	PutSnapshot(snapshot *types.Snapshot) error
	GetSnapshot(id string) (*types.Snapshot, error)
	ListSnapshots() ([]*types.Snapshot, error)

	// Storage pools
	PutStoragePool(pool *types.StoragePool) error
	GetStoragePool(id string) (*types.StoragePool, error)
	ListStoragePools() ([]*types.StoragePool, error)

	// Permissions
	PutPermission(perm *types.Permission) error
	ListPermissionsByUser(userID string) ([]*types.Permission, error)
	ListPermissions() ([]*types.Permission, error)

	// Workflows
	PutWorkflow(wf *types.Workflow) error
	GetWorkflow(id string) (*types.Workflow, error)
	ListWorkflows() ([]*types.Workflow, error)

	// Merge attempts
	PutAttempt(attempt *types.MergeAttempt) error
	GetAttempt(id string) (*types.MergeAttempt, error)
	ListAttempts() ([]*types.MergeAttempt, error)

	// Decisions
	GetDecision(attemptID string) (*types.MergeDecision, error)
	CommitDecision(decision *types.MergeDecision, step types.StepRecord) (bool, error)
	ListDecisions() ([]*types.MergeDecision, error)
	RestoreDecision(decision *types.MergeDecision) error

	// Audit
	AppendAudit(record *types.AuditRecord) error
	ListAudit() ([]*types.AuditRecord, error)

	// Utility
	Close() error
}
