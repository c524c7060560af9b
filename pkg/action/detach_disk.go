package action

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/cuemby/fleet/pkg/authz"
	"github.com/cuemby/fleet/pkg/events"
	"github.com/cuemby/fleet/pkg/log"
	"github.com/cuemby/fleet/pkg/storage"
	"github.com/cuemby/fleet/pkg/types"
)

// DetachStore is the state the detach action reads and writes
type DetachStore interface {
	GetVM(id string) (*types.VM, error)
	PutVM(vm *types.VM) error
	GetDisk(id string) (*types.Disk, error)
	GetVMDevice(deviceID, vmID string) (*types.VMDevice, error)
	ListVMDevices(vmID string) ([]*types.VMDevice, error)
	RemoveVMDevice(deviceID, vmID string) error
}

// HotUnplugger removes a disk from a running VM on its node
type HotUnplugger interface {
	HotUnplugDisk(ctx context.Context, nodeID, vmID, imageID string) error
}

// AuditSink is the fire-and-forget audit log
type AuditSink interface {
	Emit(eventType events.EventType, values map[string]string)
}

// DetachDisk removes a disk's attachment from a VM
type DetachDisk struct {
	store DetachStore
	plug  HotUnplugger
	audit AuditSink
}

// NewDetachDisk creates the detach disk handler
func NewDetachDisk(store DetachStore, plug HotUnplugger, audit AuditSink) *DetachDisk {
	return &DetachDisk{store: store, plug: plug, audit: audit}
}

func (h *DetachDisk) Kind() Kind { return KindDetachDisk }

func (h *DetachDisk) Subjects(req Request) []authz.Subject {
	p, ok := req.Params.(DetachDiskParams)
	if !ok {
		return nil
	}
	return []authz.Subject{{
		ObjectID:   p.VMID,
		ObjectType: types.ObjectTypeVM,
		Group:      types.ActionGroupConfigureVMStorage,
	}}
}

func (h *DetachDisk) Validate(_ context.Context, req Request) (Prepared, ValidationResult, error) {
	p, ok := req.Params.(DetachDiskParams)
	if !ok {
		return nil, Reject(ReasonInvalidParameters, "expected detach disk parameters, got %T", req.Params), nil
	}
	if p.VMID == "" || p.DiskID == "" {
		return nil, Reject(ReasonInvalidParameters, "vmId and diskId are required"), nil
	}

	vm, err := h.store.GetVM(p.VMID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, Reject(ReasonVMNotFound, "vm %s", p.VMID), nil
		}
		return nil, ValidationResult{}, fmt.Errorf("failed to read vm %s: %w", p.VMID, err)
	}
	if vm.Status != types.VMStatusUp && vm.Status != types.VMStatusDown {
		return nil, Reject(ReasonVMStatusIllegal, "vm %s is %s", vm.ID, vm.Status), nil
	}

	disk, err := h.store.GetDisk(p.DiskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, Reject(ReasonDiskNotFound, "disk %s", p.DiskID), nil
		}
		return nil, ValidationResult{}, fmt.Errorf("failed to read disk %s: %w", p.DiskID, err)
	}

	if _, err := h.store.GetVMDevice(disk.ID, vm.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, Reject(ReasonDiskAlreadyDetached, "disk %s is not attached to vm %s", disk.ID, vm.ID), nil
		}
		return nil, ValidationResult{}, fmt.Errorf("failed to read device %s of vm %s: %w", disk.ID, vm.ID, err)
	}

	running := vm.Status != types.VMStatusDown
	if running {
		if !p.PlugUnplug {
			return nil, Reject(ReasonVMNotDown, "vm %s must be down to detach without unplug", vm.ID), nil
		}
		switch {
		case !vm.HotPlugSupported:
			return nil, Reject(ReasonHotPlugUnsupported, "vm %s", vm.ID), nil
		case !vm.OSHotPlugSupport:
			return nil, Reject(ReasonOSHotPlugUnsupported, "vm %s", vm.ID), nil
		case !disk.Interface.HotPluggable():
			return nil, Reject(ReasonInterfaceUnsupported, "disk %s uses %s", disk.ID, disk.Interface), nil
		}
	}

	return &detachDisk{
		h:      h,
		vm:     vm,
		disk:   disk,
		unplug: running && p.PlugUnplug,
	}, OK(), nil
}

type detachDisk struct {
	h      *DetachDisk
	vm     *types.VM
	disk   *types.Disk
	unplug bool
}

func (d *detachDisk) Execute(ctx context.Context) (Result, error) {
	logger := log.WithVMID(d.vm.ID)

	if d.unplug {
		if err := d.h.plug.HotUnplugDisk(ctx, d.vm.NodeID, d.vm.ID, d.disk.ActiveImageID); err != nil {
			return Result{}, fmt.Errorf("failed to hot unplug disk %s: %w", d.disk.ID, err)
		}
	}

	if err := d.h.store.RemoveVMDevice(d.disk.ID, d.vm.ID); err != nil {
		return Result{}, fmt.Errorf("failed to remove device %s: %w", d.disk.ID, err)
	}

	devices, err := d.h.store.ListVMDevices(d.vm.ID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to list devices of vm %s: %w", d.vm.ID, err)
	}
	vm := *d.vm
	vm.Disks = without(vm.Disks, d.disk.ID)
	vm.BootOrder = bootOrder(devices)
	if err := d.h.store.PutVM(&vm); err != nil {
		return Result{}, fmt.Errorf("failed to update vm %s: %w", vm.ID, err)
	}

	logger.Info().
		Str("disk_id", d.disk.ID).
		Bool("hot_unplug", d.unplug).
		Msg("Disk detached")

	d.h.audit.Emit(events.EventDiskDetached, map[string]string{
		"DiskAlias": d.disk.Alias,
		"DiskId":    d.disk.ID,
		"VmName":    vm.Name,
		"VmId":      vm.ID,
	})

	return Result{Message: fmt.Sprintf("disk %s detached from vm %s", d.disk.ID, vm.ID)}, nil
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// bootOrder lists the plugged bootable devices by ascending boot index
func bootOrder(devices []*types.VMDevice) []string {
	bootable := make([]*types.VMDevice, 0, len(devices))
	for _, d := range devices {
		if d.Plugged && d.BootOrder > 0 {
			bootable = append(bootable, d)
		}
	}
	sort.SliceStable(bootable, func(i, j int) bool {
		if bootable[i].BootOrder != bootable[j].BootOrder {
			return bootable[i].BootOrder < bootable[j].BootOrder
		}
		return bootable[i].DeviceID < bootable[j].DeviceID
	})

	order := make([]string, len(bootable))
	for i, d := range bootable {
		order[i] = d.DeviceID
	}
	return order
}
