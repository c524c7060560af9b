package gateway

import (
	"fmt"

	"github.com/cuemby/fleet/pkg/types"
)

// Node agent service. Payloads are google.protobuf.Struct values keyed the
// way the node agent reports them.
const (
	ServiceName = "fleet.node.v1.NodeAgent"

	methodFullList             = "/" + ServiceName + "/FullList"
	methodReconcileVolumeChain = "/" + ServiceName + "/ReconcileVolumeChain"
	methodHotUnplugDisk        = "/" + ServiceName + "/HotUnplugDisk"
)

// Payload keys
const (
	keyVMList      = "vmList"
	keyVMs         = "vms"
	keyVMID        = "vmId"
	keyStatus      = "status"
	keyDevices     = "devices"
	keyType        = "type"
	keyImageID     = "imageID"
	keyVolumeChain = "volumeChain"
	keyVolumeID    = "volumeID"
	keyPoolID      = "storagepoolID"
	keyDomainID    = "storagedomainID"
	keyImageGroup  = "imgUUID"
	keyLeafVolume  = "leafVolID"
	keyVolumes     = "volumes"
)

// ChainRequest identifies one disk image for an authoritative chain query
type ChainRequest struct {
	StoragePoolID   string
	StorageDomainID string
	ImageGroupID    string
	LeafVolumeID    string
}

func (r ChainRequest) encode() map[string]any {
	return map[string]any{
		keyPoolID:     r.StoragePoolID,
		keyDomainID:   r.StorageDomainID,
		keyImageGroup: r.ImageGroupID,
		keyLeafVolume: r.LeafVolumeID,
	}
}

func decodeChainRequest(m map[string]any) ChainRequest {
	return ChainRequest{
		StoragePoolID:   str(m[keyPoolID]),
		StorageDomainID: str(m[keyDomainID]),
		ImageGroupID:    str(m[keyImageGroup]),
		LeafVolumeID:    str(m[keyLeafVolume]),
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func strList(v any) []string {
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func anyList(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func encodeSnapshots(vms []*types.NodeSnapshot) map[string]any {
	list := make([]any, 0, len(vms))
	for _, vm := range vms {
		devices := make([]any, 0, len(vm.Devices))
		for _, d := range vm.Devices {
			dev := map[string]any{
				keyType:    string(d.Type),
				keyImageID: d.ImageID,
			}
			if d.Type == types.DeviceTypeDisk {
				chain := make([]any, len(d.VolumeChain))
				for i, vol := range d.VolumeChain {
					chain[i] = map[string]any{keyVolumeID: vol}
				}
				dev[keyVolumeChain] = chain
			}
			devices = append(devices, dev)
		}
		list = append(list, map[string]any{
			keyVMID:    vm.VMID,
			keyStatus:  string(vm.Status),
			keyDevices: devices,
		})
	}
	return map[string]any{keyVMs: list}
}

// decodeSnapshots parses a FullList answer. Every entry must carry a VM id.
func decodeSnapshots(nodeID string, m map[string]any) ([]*types.NodeSnapshot, error) {
	raw, ok := m[keyVMs]
	if !ok {
		return nil, fmt.Errorf("%w: no %q field", ErrMalformedResponse, keyVMs)
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a list", ErrMalformedResponse, keyVMs)
	}

	out := make([]*types.NodeSnapshot, 0, len(list))
	for i, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: vm entry %d is not an object", ErrMalformedResponse, i)
		}
		vmID := str(entry[keyVMID])
		if vmID == "" {
			return nil, fmt.Errorf("%w: vm entry %d has no %s", ErrMalformedResponse, i, keyVMID)
		}

		snap := &types.NodeSnapshot{
			NodeID: nodeID,
			VMID:   vmID,
			Status: types.VMStatus(str(entry[keyStatus])),
		}
		devices, _ := entry[keyDevices].([]any)
		for _, d := range devices {
			dev, ok := d.(map[string]any)
			if !ok {
				continue
			}
			state := types.DeviceState{
				Type:    types.DeviceType(str(dev[keyType])),
				ImageID: str(dev[keyImageID]),
			}
			chain, _ := dev[keyVolumeChain].([]any)
			for _, v := range chain {
				switch vol := v.(type) {
				case map[string]any:
					if id := str(vol[keyVolumeID]); id != "" {
						state.VolumeChain = append(state.VolumeChain, id)
					}
				case string:
					state.VolumeChain = append(state.VolumeChain, vol)
				}
			}
			snap.Devices = append(snap.Devices, state)
		}
		out = append(out, snap)
	}
	return out, nil
}
