package types

import (
	"time"
)

// ComputeNode represents a hypervisor host that runs virtual machines
type ComputeNode struct {
	ID        string
	Name      string
	Address   string // node agent gRPC address (host:port)
	Status    NodeStatus
	LastSeen  time.Time
	CreatedAt time.Time
}

// NodeStatus represents the reachability of a compute node
type NodeStatus string

const (
	NodeStatusUp            NodeStatus = "up"
	NodeStatusNonResponsive NodeStatus = "non_responsive"
	NodeStatusMaintenance   NodeStatus = "maintenance"
	NodeStatusUnknown       NodeStatus = "unknown"
)

// VM is the control plane's cached view of a virtual machine.
// Status is refreshed by the node monitor and is eventually consistent.
type VM struct {
	ID               string
	Name             string
	NodeID           string // node currently running the VM, empty when down
	Status           VMStatus
	HotPlugSupported bool // cluster level support for disk hot plug
	OSHotPlugSupport bool // guest OS supports hot plug
	Disks            []string
	BootOrder        []string // device ids in boot order
	StatusUpdatedAt  time.Time
}

// VMStatus is the run status reported for a VM
type VMStatus string

const (
	VMStatusUp            VMStatus = "up"
	VMStatusDown          VMStatus = "down"
	VMStatusPoweringUp    VMStatus = "powering_up"
	VMStatusPaused        VMStatus = "paused"
	VMStatusSuspended     VMStatus = "suspended"
	VMStatusMigrating     VMStatus = "migrating"
	VMStatusImageLocked   VMStatus = "image_locked"
	VMStatusNotResponding VMStatus = "not_responding"
	VMStatusUnknown       VMStatus = "unknown"
)

// RunState collapses a VMStatus into the three states the merge logic cares about
type RunState string

const (
	RunStateRunning    RunState = "running"
	RunStateNotRunning RunState = "not_running"
	RunStateUnknown    RunState = "unknown"
)

// RunState reports whether a VM process exists on some node
func (s VMStatus) RunState() RunState {
	switch s {
	case VMStatusDown, VMStatusSuspended, VMStatusImageLocked:
		return RunStateNotRunning
	case VMStatusUp, VMStatusPoweringUp, VMStatusPaused, VMStatusMigrating:
		return RunStateRunning
	default:
		return RunStateUnknown
	}
}

// Disk is a virtual disk that can be attached to VMs
type Disk struct {
	ID              string // also the image group id
	Alias           string
	Interface       DiskInterface
	ActiveImageID   string // id of the top-most (writable) volume
	StorageDomainID string
	StoragePoolID   string
	Shareable       bool
	CreatedAt       time.Time
}

// DiskInterface is the bus a disk is exposed on
type DiskInterface string

const (
	DiskInterfaceVirtio     DiskInterface = "virtio"
	DiskInterfaceVirtioSCSI DiskInterface = "virtio_scsi"
	DiskInterfaceIDE        DiskInterface = "ide"
	DiskInterfaceSATA       DiskInterface = "sata"
)

// HotPluggable reports whether the interface supports plug/unplug on a running VM
func (i DiskInterface) HotPluggable() bool {
	switch i {
	case DiskInterfaceVirtio, DiskInterfaceVirtioSCSI:
		return true
	default:
		return false
	}
}

// VMDevice records a device attached to a VM
type VMDevice struct {
	DeviceID  string
	VMID      string
	Type      DeviceType
	Plugged   bool
	BootOrder int
}

// DeviceType tags a VM device
type DeviceType string

const (
	DeviceTypeDisk      DeviceType = "disk"
	DeviceTypeInterface DeviceType = "interface"
	DeviceTypeCDROM     DeviceType = "cdrom"
)

// DiskImage references one volume of a disk's volume chain
type DiskImage struct {
	ImageID    string `json:"imageId" yaml:"imageId"`       // volume id
	SnapshotID string `json:"snapshotId" yaml:"snapshotId"` // snapshot the volume belongs to
}

// Snapshot is a VM snapshot; Description is shown to operators
type Snapshot struct {
	ID          string
	VMID        string
	Description string
	CreatedAt   time.Time
}

// StoragePool groups storage domains under a single coordinator
type StoragePool struct {
	ID                string
	Name              string
	Status            PoolStatus
	CoordinatorNodeID string // empty while no coordinator is elected
}

// PoolStatus is the status of a storage pool
type PoolStatus string

const (
	PoolStatusUp            PoolStatus = "up"
	PoolStatusNonResponsive PoolStatus = "non_responsive"
	PoolStatusMaintenance   PoolStatus = "maintenance"
	PoolStatusUninitialized PoolStatus = "uninitialized"
)

// CoordinatorReady reports whether chain recovery can be issued against the pool
func (p *StoragePool) CoordinatorReady() bool {
	return p.CoordinatorNodeID != "" && p.Status == PoolStatusUp
}

// Workflow is a parent multi-step workflow (e.g. removing one disk's snapshot layer)
type Workflow struct {
	ID        string
	Kind      WorkflowKind
	State     WorkflowState
	Step      StepRecord
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WorkflowKind names the workflow implementation
type WorkflowKind string

const (
	WorkflowRemoveSnapshotSingleDisk WorkflowKind = "remove_snapshot_single_disk"
)

// WorkflowState is the lifecycle state of a workflow
type WorkflowState string

const (
	WorkflowStateActive    WorkflowState = "active"
	WorkflowStateCompleted WorkflowState = "completed"
	WorkflowStateAborted   WorkflowState = "aborted"
)

// Permission grants action groups on one object to one user
type Permission struct {
	ID         string
	UserID     string
	ObjectID   string // "*" grants on every object of ObjectType
	ObjectType ObjectType
	Groups     []ActionGroup
}

// ObjectType is the kind of object a permission targets
type ObjectType string

const (
	ObjectTypeSystem  ObjectType = "system"
	ObjectTypeVM      ObjectType = "vm"
	ObjectTypeDisk    ObjectType = "disk"
	ObjectTypeStorage ObjectType = "storage"
)

// ActionGroup is a named capability
type ActionGroup string

const (
	ActionGroupConfigureVMStorage    ActionGroup = "configure_vm_storage"
	ActionGroupManipulateVMSnapshots ActionGroup = "manipulate_vm_snapshots"
	ActionGroupManageInventory       ActionGroup = "manage_inventory"
)

// AuditRecord is a persisted audit event
type AuditRecord struct {
	ID        string
	Type      string
	Timestamp time.Time
	Values    map[string]string
}
