// Package inventory loads the declared fleet inventory (storage pools,
// compute nodes, disks, VMs, snapshots and permissions) and writes it into
// the replicated store.
package inventory

import (
	"errors"
	"fmt"
	"os"

	"github.com/cuemby/fleet/pkg/types"
	"gopkg.in/yaml.v3"
)

// Document is one inventory file
type Document struct {
	StoragePools []StoragePool `yaml:"storagePools" json:"storagePools,omitempty"`
	Nodes        []Node        `yaml:"nodes" json:"nodes,omitempty"`
	Disks        []Disk        `yaml:"disks" json:"disks,omitempty"`
	VMs          []VM          `yaml:"vms" json:"vms,omitempty"`
	Snapshots    []Snapshot    `yaml:"snapshots" json:"snapshots,omitempty"`
	Permissions  []Permission  `yaml:"permissions" json:"permissions,omitempty"`
}

// StoragePool declares a pool and, once elected, its coordinator node
type StoragePool struct {
	ID          string           `yaml:"id" json:"id"`
	Name        string           `yaml:"name" json:"name,omitempty"`
	Status      types.PoolStatus `yaml:"status" json:"status,omitempty"`
	Coordinator string           `yaml:"coordinator" json:"coordinator,omitempty"`
}

// Node declares a compute node and the address of its agent
type Node struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name,omitempty"`
	Address     string `yaml:"address" json:"address"`
	Maintenance bool   `yaml:"maintenance" json:"maintenance,omitempty"`
}

// Disk declares a virtual disk. The id doubles as the image group id.
type Disk struct {
	ID            string              `yaml:"id" json:"id"`
	Alias         string              `yaml:"alias" json:"alias,omitempty"`
	Interface     types.DiskInterface `yaml:"interface" json:"interface"`
	ActiveImageID string              `yaml:"activeImageId" json:"activeImageId"`
	StorageDomain string              `yaml:"storageDomain" json:"storageDomain,omitempty"`
	StoragePool   string              `yaml:"storagePool" json:"storagePool,omitempty"`
	Shareable     bool                `yaml:"shareable" json:"shareable,omitempty"`
}

// VM declares a virtual machine and its attached disks. An empty Status
// keeps whatever the node monitor last recorded.
type VM struct {
	ID               string         `yaml:"id" json:"id"`
	Name             string         `yaml:"name" json:"name,omitempty"`
	Node             string         `yaml:"node" json:"node,omitempty"`
	Status           types.VMStatus `yaml:"status" json:"status,omitempty"`
	HotPlugSupported bool           `yaml:"hotPlug" json:"hotPlug,omitempty"`
	OSHotPlugSupport bool           `yaml:"osHotPlug" json:"osHotPlug,omitempty"`
	Disks            []Attachment   `yaml:"disks" json:"disks,omitempty"`
}

// Attachment plugs a disk into a VM. Plugged defaults to true.
type Attachment struct {
	DiskID    string `yaml:"diskId" json:"diskId"`
	BootOrder int    `yaml:"bootOrder" json:"bootOrder,omitempty"`
	Plugged   *bool  `yaml:"plugged" json:"plugged,omitempty"`
}

// Snapshot declares a VM snapshot
type Snapshot struct {
	ID          string `yaml:"id" json:"id"`
	VMID        string `yaml:"vmId" json:"vmId"`
	Description string `yaml:"description" json:"description,omitempty"`
}

// Permission grants action groups on an object. ObjectID "*" covers every
// object of the type; system grants cover everything.
type Permission struct {
	ID         string              `yaml:"id" json:"id,omitempty"`
	User       string              `yaml:"user" json:"user"`
	ObjectType types.ObjectType    `yaml:"objectType" json:"objectType"`
	ObjectID   string              `yaml:"objectId" json:"objectId,omitempty"`
	Groups     []types.ActionGroup `yaml:"groups" json:"groups"`
}

// Load reads and validates an inventory file
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("inventory %s: %w", path, err)
	}
	return doc, nil
}

// Parse decodes and validates an inventory document
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ErrInvalid is wrapped by every validation problem
var ErrInvalid = errors.New("invalid inventory")

// Validate checks the document on its own. References to objects outside
// the document are resolved by Apply.
func (d *Document) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...)))
		}
	}
	unique := func(kind string) func(i int, id string) {
		seen := make(map[string]bool)
		return func(i int, id string) {
			check(id != "", "%s[%d].id is required", kind, i)
			check(!seen[id], "%s[%d]: duplicate id %s", kind, i, id)
			seen[id] = true
		}
	}

	pool := unique("storagePools")
	for i, p := range d.StoragePools {
		pool(i, p.ID)
		check(p.Status == "" || validPoolStatus(p.Status), "storagePools[%d].status %q is unknown", i, p.Status)
	}

	node := unique("nodes")
	for i, n := range d.Nodes {
		node(i, n.ID)
		check(n.Address != "", "nodes[%d].address is required", i)
	}

	disk := unique("disks")
	for i, dk := range d.Disks {
		disk(i, dk.ID)
		check(dk.ActiveImageID != "", "disks[%d].activeImageId is required", i)
		check(validInterface(dk.Interface), "disks[%d].interface %q is unknown", i, dk.Interface)
	}

	vm := unique("vms")
	for i, v := range d.VMs {
		vm(i, v.ID)
		check(v.Status == "" || validVMStatus(v.Status), "vms[%d].status %q is unknown", i, v.Status)
		attached := make(map[string]bool, len(v.Disks))
		for j, a := range v.Disks {
			check(a.DiskID != "", "vms[%d].disks[%d].diskId is required", i, j)
			check(!attached[a.DiskID], "vms[%d]: disk %s attached twice", i, a.DiskID)
			check(a.BootOrder >= 0, "vms[%d].disks[%d].bootOrder must not be negative", i, j)
			attached[a.DiskID] = true
		}
	}

	snap := unique("snapshots")
	for i, s := range d.Snapshots {
		snap(i, s.ID)
		check(s.VMID != "", "snapshots[%d].vmId is required", i)
	}

	for i, p := range d.Permissions {
		check(p.User != "", "permissions[%d].user is required", i)
		check(validObjectType(p.ObjectType), "permissions[%d].objectType %q is unknown", i, p.ObjectType)
		check(p.ObjectType == types.ObjectTypeSystem || p.ObjectID != "", "permissions[%d].objectId is required", i)
		check(len(p.Groups) > 0, "permissions[%d].groups must not be empty", i)
	}

	return errors.Join(errs...)
}

func validPoolStatus(s types.PoolStatus) bool {
	switch s {
	case types.PoolStatusUp, types.PoolStatusNonResponsive, types.PoolStatusMaintenance, types.PoolStatusUninitialized:
		return true
	}
	return false
}

func validInterface(i types.DiskInterface) bool {
	switch i {
	case types.DiskInterfaceVirtio, types.DiskInterfaceVirtioSCSI, types.DiskInterfaceIDE, types.DiskInterfaceSATA:
		return true
	}
	return false
}

func validVMStatus(s types.VMStatus) bool {
	switch s {
	case types.VMStatusUp, types.VMStatusDown, types.VMStatusPoweringUp, types.VMStatusPaused,
		types.VMStatusSuspended, types.VMStatusMigrating, types.VMStatusImageLocked,
		types.VMStatusNotResponding, types.VMStatusUnknown:
		return true
	}
	return false
}

func validObjectType(t types.ObjectType) bool {
	switch t {
	case types.ObjectTypeSystem, types.ObjectTypeVM, types.ObjectTypeDisk, types.ObjectTypeStorage:
		return true
	}
	return false
}
