package inventory

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/fleet/pkg/log"
	"github.com/cuemby/fleet/pkg/storage"
	"github.com/cuemby/fleet/pkg/types"
)

// Store is the replicated state an inventory is written into
type Store interface {
	GetNode(id string) (*types.ComputeNode, error)
	PutNode(node *types.ComputeNode) error
	GetStoragePool(id string) (*types.StoragePool, error)
	PutStoragePool(pool *types.StoragePool) error
	GetDisk(id string) (*types.Disk, error)
	PutDisk(disk *types.Disk) error
	GetVM(id string) (*types.VM, error)
	PutVM(vm *types.VM) error
	PutVMDevice(device *types.VMDevice) error
	GetSnapshot(id string) (*types.Snapshot, error)
	PutSnapshot(snapshot *types.Snapshot) error
	PutPermission(perm *types.Permission) error
}

// Summary counts the objects an Apply wrote
type Summary struct {
	StoragePools int `json:"storagePools"`
	Nodes        int `json:"nodes"`
	Disks        int `json:"disks"`
	VMs          int `json:"vms"`
	Devices      int `json:"devices"`
	Snapshots    int `json:"snapshots"`
	Permissions  int `json:"permissions"`
}

func (s Summary) String() string {
	return fmt.Sprintf("%d storage pools, %d nodes, %d disks, %d vms (%d devices), %d snapshots, %d permissions",
		s.StoragePools, s.Nodes, s.Disks, s.VMs, s.Devices, s.Snapshots, s.Permissions)
}

// Apply creates or updates every object of doc. It never deletes, and
// runtime state owned by the node monitor (node reachability, VM status
// when the document leaves it empty) survives re-applies. References are
// resolved against doc and the store before anything is written.
func Apply(store Store, doc *Document) (Summary, error) {
	if err := doc.Validate(); err != nil {
		return Summary{}, err
	}
	if err := resolve(store, doc); err != nil {
		return Summary{}, err
	}

	logger := log.WithComponent("inventory")
	now := time.Now().UTC()
	var sum Summary

	for _, n := range doc.Nodes {
		if err := applyNode(store, n, now); err != nil {
			return sum, err
		}
		sum.Nodes++
	}

	for _, p := range doc.StoragePools {
		status := p.Status
		if status == "" {
			status = types.PoolStatusUp
		}
		pool := &types.StoragePool{ID: p.ID, Name: p.Name, Status: status, CoordinatorNodeID: p.Coordinator}
		if err := store.PutStoragePool(pool); err != nil {
			return sum, fmt.Errorf("failed to write storage pool %s: %w", p.ID, err)
		}
		sum.StoragePools++
	}

	for _, d := range doc.Disks {
		if err := applyDisk(store, d, now); err != nil {
			return sum, err
		}
		sum.Disks++
	}

	for _, v := range doc.VMs {
		if err := applyVM(store, v, now); err != nil {
			return sum, err
		}
		sum.VMs++
		sum.Devices += len(v.Disks)
	}

	for _, s := range doc.Snapshots {
		snap := &types.Snapshot{ID: s.ID, VMID: s.VMID, Description: s.Description, CreatedAt: now}
		if existing, err := store.GetSnapshot(s.ID); err == nil {
			snap.CreatedAt = existing.CreatedAt
		}
		if err := store.PutSnapshot(snap); err != nil {
			return sum, fmt.Errorf("failed to write snapshot %s: %w", s.ID, err)
		}
		sum.Snapshots++
	}

	for _, p := range doc.Permissions {
		perm := permission(p)
		if err := store.PutPermission(perm); err != nil {
			return sum, fmt.Errorf("failed to write permission %s of %s: %w", perm.ID, perm.UserID, err)
		}
		sum.Permissions++
	}

	logger.Info().Str("summary", sum.String()).Msg("Inventory applied")
	return sum, nil
}

// resolve checks that every reference names an object in doc or the store
func resolve(store Store, doc *Document) error {
	nodes := idSet(len(doc.Nodes), func(i int) string { return doc.Nodes[i].ID })
	pools := idSet(len(doc.StoragePools), func(i int) string { return doc.StoragePools[i].ID })
	disks := idSet(len(doc.Disks), func(i int) string { return doc.Disks[i].ID })
	vms := idSet(len(doc.VMs), func(i int) string { return doc.VMs[i].ID })

	var errs []error
	ref := func(declared map[string]bool, lookup func(string) error, kind, id, from string) error {
		if id == "" || declared[id] {
			return nil
		}
		err := lookup(id)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, storage.ErrNotFound):
			errs = append(errs, fmt.Errorf("%w: %s references unknown %s %s", ErrInvalid, from, kind, id))
			return nil
		default:
			return fmt.Errorf("failed to resolve %s %s: %w", kind, id, err)
		}
	}
	node := func(id string) error {
		_, err := store.GetNode(id)
		return err
	}
	pool := func(id string) error {
		_, err := store.GetStoragePool(id)
		return err
	}
	disk := func(id string) error {
		_, err := store.GetDisk(id)
		return err
	}
	vm := func(id string) error {
		_, err := store.GetVM(id)
		return err
	}

	for _, p := range doc.StoragePools {
		if err := ref(nodes, node, "node", p.Coordinator, "storage pool "+p.ID); err != nil {
			return err
		}
	}
	for _, d := range doc.Disks {
		if err := ref(pools, pool, "storage pool", d.StoragePool, "disk "+d.ID); err != nil {
			return err
		}
	}
	for _, v := range doc.VMs {
		if err := ref(nodes, node, "node", v.Node, "vm "+v.ID); err != nil {
			return err
		}
		for _, a := range v.Disks {
			if err := ref(disks, disk, "disk", a.DiskID, "vm "+v.ID); err != nil {
				return err
			}
		}
	}
	for _, s := range doc.Snapshots {
		if err := ref(vms, vm, "vm", s.VMID, "snapshot "+s.ID); err != nil {
			return err
		}
	}
	return errors.Join(errs...)
}

func idSet(n int, id func(i int) string) map[string]bool {
	set := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		set[id(i)] = true
	}
	return set
}

func applyNode(store Store, n Node, now time.Time) error {
	name := n.Name
	if name == "" {
		name = n.ID
	}
	node := &types.ComputeNode{ID: n.ID, Name: name, Address: n.Address, Status: types.NodeStatusUnknown, CreatedAt: now}

	existing, err := store.GetNode(n.ID)
	switch {
	case err == nil:
		node.Status = existing.Status
		node.LastSeen = existing.LastSeen
		node.CreatedAt = existing.CreatedAt
	case !errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("failed to read node %s: %w", n.ID, err)
	}

	switch {
	case n.Maintenance:
		node.Status = types.NodeStatusMaintenance
	case node.Status == types.NodeStatusMaintenance:
		node.Status = types.NodeStatusUnknown
	}

	if err := store.PutNode(node); err != nil {
		return fmt.Errorf("failed to write node %s: %w", n.ID, err)
	}
	return nil
}

func applyDisk(store Store, d Disk, now time.Time) error {
	disk := &types.Disk{
		ID:              d.ID,
		Alias:           d.Alias,
		Interface:       d.Interface,
		ActiveImageID:   d.ActiveImageID,
		StorageDomainID: d.StorageDomain,
		StoragePoolID:   d.StoragePool,
		Shareable:       d.Shareable,
		CreatedAt:       now,
	}
	if existing, err := store.GetDisk(d.ID); err == nil {
		disk.CreatedAt = existing.CreatedAt
	}
	if err := store.PutDisk(disk); err != nil {
		return fmt.Errorf("failed to write disk %s: %w", d.ID, err)
	}
	return nil
}

func applyVM(store Store, v VM, now time.Time) error {
	vm := &types.VM{
		ID:               v.ID,
		Name:             v.Name,
		NodeID:           v.Node,
		Status:           v.Status,
		HotPlugSupported: v.HotPlugSupported,
		OSHotPlugSupport: v.OSHotPlugSupport,
		StatusUpdatedAt:  now,
	}

	existing, err := store.GetVM(v.ID)
	switch {
	case err == nil:
		if vm.NodeID == "" {
			vm.NodeID = existing.NodeID
		}
		if vm.Status == "" || vm.Status == existing.Status {
			vm.Status = existing.Status
			vm.StatusUpdatedAt = existing.StatusUpdatedAt
		}
		vm.Disks = existing.Disks
		vm.BootOrder = existing.BootOrder
	case !errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("failed to read vm %s: %w", v.ID, err)
	}
	if vm.Status == "" {
		vm.Status = types.VMStatusDown
	}

	if len(v.Disks) > 0 {
		vm.Disks, vm.BootOrder = attachments(v.Disks)
	}
	if err := store.PutVM(vm); err != nil {
		return fmt.Errorf("failed to write vm %s: %w", v.ID, err)
	}

	for _, a := range v.Disks {
		device := &types.VMDevice{
			DeviceID:  a.DiskID,
			VMID:      v.ID,
			Type:      types.DeviceTypeDisk,
			Plugged:   a.Plugged == nil || *a.Plugged,
			BootOrder: a.BootOrder,
		}
		if err := store.PutVMDevice(device); err != nil {
			return fmt.Errorf("failed to attach disk %s to vm %s: %w", a.DiskID, v.ID, err)
		}
	}
	return nil
}

// attachments returns the disk ids in declared order and the boot order of
// the plugged disks that have one
func attachments(list []Attachment) (disks, boot []string) {
	ordered := make([]Attachment, 0, len(list))
	for _, a := range list {
		disks = append(disks, a.DiskID)
		if a.BootOrder > 0 && (a.Plugged == nil || *a.Plugged) {
			ordered = append(ordered, a)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].BootOrder < ordered[j].BootOrder })
	for _, a := range ordered {
		boot = append(boot, a.DiskID)
	}
	return disks, boot
}

func permission(p Permission) *types.Permission {
	objectID := p.ObjectID
	if objectID == "" {
		objectID = "*"
	}
	id := p.ID
	if id == "" {
		id = string(p.ObjectType) + ":" + objectID
	}
	return &types.Permission{
		ID:         id,
		UserID:     p.User,
		ObjectID:   objectID,
		ObjectType: p.ObjectType,
		Groups:     p.Groups,
	}
}
