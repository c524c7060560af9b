package gateway

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/cuemby/fleet/pkg/types"
	"gopkg.in/yaml.v3"
)

// MemoryAgent is a NodeAgent backed by in-memory state. It serves the
// simulated node of `fleet agent` and the gateway tests.
type MemoryAgent struct {
	mu     sync.RWMutex
	vms    map[string]*types.NodeSnapshot
	chains map[ChainRequest][]string
	down   bool
}

// NewMemoryAgent creates an empty agent
func NewMemoryAgent() *MemoryAgent {
	return &MemoryAgent{
		vms:    make(map[string]*types.NodeSnapshot),
		chains: make(map[ChainRequest][]string),
	}
}

// SetVM adds or replaces a VM
func (a *MemoryAgent) SetVM(snap *types.NodeSnapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.vms[snap.VMID] = snap
}

// RemoveVM drops a VM from the node
func (a *MemoryAgent) RemoveVM(vmID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.vms, vmID)
}

// SetChain sets the on-disk chain returned for an image
func (a *MemoryAgent) SetChain(req ChainRequest, volumes ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.chains[req] = volumes
}

// SetRejecting makes every call fail as if the node refused it
func (a *MemoryAgent) SetRejecting(down bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.down = down
}

func (a *MemoryAgent) FullList(ctx context.Context, vmIDs []string) ([]*types.NodeSnapshot, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.down {
		return nil, ErrRejected
	}

	var out []*types.NodeSnapshot
	if len(vmIDs) == 0 {
		for _, vm := range a.vms {
			out = append(out, cloneSnapshot(vm))
		}
		sort.Slice(out, func(i, j int) bool { return out[i].VMID < out[j].VMID })
		return out, nil
	}
	for _, id := range vmIDs {
		if vm, ok := a.vms[id]; ok {
			out = append(out, cloneSnapshot(vm))
		}
	}
	return out, nil
}

func cloneSnapshot(s *types.NodeSnapshot) *types.NodeSnapshot {
	c := *s
	c.Devices = append([]types.DeviceState(nil), s.Devices...)
	return &c
}

func (a *MemoryAgent) ReconcileVolumeChain(ctx context.Context, req ChainRequest) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.down {
		return nil, ErrRejected
	}
	return a.chains[req], nil
}

func (a *MemoryAgent) HotUnplugDisk(ctx context.Context, vmID, imageID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.down {
		return ErrRejected
	}
	vm, ok := a.vms[vmID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrVMNotFound, vmID)
	}

	var kept []types.DeviceState
	for _, d := range vm.Devices {
		if d.Type == types.DeviceTypeDisk && d.ImageID == imageID {
			continue
		}
		kept = append(kept, d)
	}
	vm.Devices = kept
	return nil
}

// AgentState is the YAML description of a simulated node
type AgentState struct {
	VMs []struct {
		ID     string         `yaml:"id"`
		Status types.VMStatus `yaml:"status"`
		Disks  []struct {
			ImageID string   `yaml:"imageId"`
			Chain   []string `yaml:"chain"`
		} `yaml:"disks"`
	} `yaml:"vms"`
	Chains []struct {
		StoragePoolID   string   `yaml:"storagePoolId"`
		StorageDomainID string   `yaml:"storageDomainId"`
		ImageGroupID    string   `yaml:"imageGroupId"`
		LeafVolumeID    string   `yaml:"leafVolumeId"`
		Volumes         []string `yaml:"volumes"`
	} `yaml:"chains"`
}

// LoadMemoryAgent builds an agent from a YAML state file
func LoadMemoryAgent(path string) (*MemoryAgent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent state: %w", err)
	}

	var state AgentState
	if err := yaml.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse agent state: %w", err)
	}

	agent := NewMemoryAgent()
	for _, vm := range state.VMs {
		snap := &types.NodeSnapshot{VMID: vm.ID, Status: vm.Status}
		for _, d := range vm.Disks {
			snap.Devices = append(snap.Devices, types.DeviceState{
				Type:        types.DeviceTypeDisk,
				ImageID:     d.ImageID,
				VolumeChain: d.Chain,
			})
		}
		agent.SetVM(snap)
	}
	for _, c := range state.Chains {
		agent.SetChain(ChainRequest{
			StoragePoolID:   c.StoragePoolID,
			StorageDomainID: c.StorageDomainID,
			ImageGroupID:    c.ImageGroupID,
			LeafVolumeID:    c.LeafVolumeID,
		}, c.Volumes...)
	}
	return agent, nil
}
