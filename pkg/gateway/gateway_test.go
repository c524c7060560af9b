package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/fleet/pkg/storage"
	"github.com/cuemby/fleet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

type fakeInventory struct {
	nodes map[string]*types.ComputeNode
	pools map[string]*types.StoragePool
}

func (f *fakeInventory) GetNode(id string) (*types.ComputeNode, error) {
	if n, ok := f.nodes[id]; ok {
		return n, nil
	}
	return nil, fmt.Errorf("node %s: %w", id, storage.ErrNotFound)
}

func (f *fakeInventory) GetStoragePool(id string) (*types.StoragePool, error) {
	if p, ok := f.pools[id]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("storage pool %s: %w", id, storage.ErrNotFound)
}

type testNode struct {
	agent  *MemoryAgent
	server *grpc.Server
	client *Client
	inv    *fakeInventory
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	agent := NewMemoryAgent()
	server := grpc.NewServer()
	RegisterNodeAgentServer(server, agent)
	go server.Serve(lis)
	t.Cleanup(server.Stop)

	inv := &fakeInventory{
		nodes: map[string]*types.ComputeNode{
			"node-a": {ID: "node-a", Address: "passthrough:///node-a", Status: types.NodeStatusUp},
		},
		pools: map[string]*types.StoragePool{
			"pool-1": {ID: "pool-1", Status: types.PoolStatusUp, CoordinatorNodeID: "node-a"},
			"pool-2": {ID: "pool-2", Status: types.PoolStatusUp},
		},
	}

	client := NewClient(inv, inv, Config{
		Timeout: 500 * time.Millisecond,
		DialOptions: []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	})
	t.Cleanup(func() { client.Close() })

	return &testNode{agent: agent, server: server, client: client, inv: inv}
}

func TestFetchNodeSnapshot(t *testing.T) {
	node := newTestNode(t)
	node.agent.SetVM(&types.NodeSnapshot{
		VMID:   "vm-1",
		Status: types.VMStatusUp,
		Devices: []types.DeviceState{
			{Type: types.DeviceTypeInterface},
			{Type: types.DeviceTypeDisk, ImageID: "img-active", VolumeChain: []string{"base", "mid"}},
		},
	})

	snap, err := node.client.FetchNodeSnapshot(context.Background(), "node-a", "vm-1")
	require.NoError(t, err)
	assert.Equal(t, "node-a", snap.NodeID)
	assert.Equal(t, types.VMStatusUp, snap.Status)
	assert.Equal(t, []string{"base", "mid"}, snap.ChainFor("img-active").IDs())
	assert.True(t, snap.ChainFor("img-other").IsEmpty())
}

func TestFetchNodeSnapshot_Failures(t *testing.T) {
	node := newTestNode(t)

	// VM absent from the answer
	_, err := node.client.FetchNodeSnapshot(context.Background(), "node-a", "vm-missing")
	assert.ErrorIs(t, err, ErrEmptyPayload)
	assert.False(t, IsTransport(err))

	var ge *Error
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, KindSemantic, ge.Kind)
	assert.Equal(t, "node-a", ge.NodeID)

	// Node refuses
	node.agent.SetRejecting(true)
	_, err = node.client.FetchNodeSnapshot(context.Background(), "node-a", "vm-1")
	assert.ErrorIs(t, err, ErrRejected)
	node.agent.SetRejecting(false)

	// Unknown node
	_, err = node.client.FetchNodeSnapshot(context.Background(), "node-z", "vm-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.False(t, IsTransport(err))
}

func TestFetchNodeSnapshot_Unreachable(t *testing.T) {
	node := newTestNode(t)
	node.server.Stop()

	_, err := node.client.FetchNodeSnapshot(context.Background(), "node-a", "vm-1")
	require.Error(t, err)
	assert.True(t, IsTransport(err))
	assert.ErrorIs(t, err, ErrNodeUnreachable)
}

func TestReconcileVolumeChain(t *testing.T) {
	node := newTestNode(t)
	node.agent.SetChain(ChainRequest{
		StoragePoolID:   "pool-1",
		StorageDomainID: "sd-1",
		ImageGroupID:    "ig-1",
		LeafVolumeID:    "img-active",
	}, "base", "mid", "base")

	chain, err := node.client.ReconcileVolumeChain(context.Background(), "pool-1", "sd-1", "ig-1", "img-active")
	require.NoError(t, err)
	assert.Equal(t, []string{"base", "mid"}, chain.IDs())

	_, err = node.client.ReconcileVolumeChain(context.Background(), "pool-1", "sd-1", "ig-1", "img-unknown")
	assert.ErrorIs(t, err, ErrEmptyPayload)

	_, err = node.client.ReconcileVolumeChain(context.Background(), "pool-2", "sd-1", "ig-1", "img-active")
	assert.ErrorIs(t, err, ErrNoCoordinator)
}

func TestHotUnplugDisk(t *testing.T) {
	node := newTestNode(t)
	node.agent.SetVM(&types.NodeSnapshot{
		VMID: "vm-1",
		Devices: []types.DeviceState{
			{Type: types.DeviceTypeDisk, ImageID: "img-1"},
			{Type: types.DeviceTypeDisk, ImageID: "img-2"},
		},
	})

	require.NoError(t, node.client.HotUnplugDisk(context.Background(), "node-a", "vm-1", "img-1"))

	vms, err := node.client.ListVMs(context.Background(), "node-a")
	require.NoError(t, err)
	require.Len(t, vms, 1)
	require.Len(t, vms[0].Devices, 1)
	assert.Equal(t, "img-2", vms[0].Devices[0].ImageID)

	err = node.client.HotUnplugDisk(context.Background(), "node-a", "vm-9", "img-1")
	assert.ErrorIs(t, err, ErrVMNotFound)
}

func TestDecodeSnapshots(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		wantErr error
		wantVMs int
	}{
		{"missing vms", map[string]any{}, ErrMalformedResponse, 0},
		{"vms not a list", map[string]any{"vms": "vm-1"}, ErrMalformedResponse, 0},
		{"entry not an object", map[string]any{"vms": []any{"vm-1"}}, ErrMalformedResponse, 0},
		{"entry without id", map[string]any{"vms": []any{map[string]any{"status": "up"}}}, ErrMalformedResponse, 0},
		{"empty list", map[string]any{"vms": []any{}}, nil, 0},
		{"string chain entries", map[string]any{"vms": []any{map[string]any{
			"vmId": "vm-1",
			"devices": []any{map[string]any{
				"type": "disk", "imageID": "img", "volumeChain": []any{"a", map[string]any{"volumeID": "b"}},
			}},
		}}}, nil, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snaps, err := decodeSnapshots("node-a", tt.payload)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, snaps, tt.wantVMs)
		})
	}
}

func TestLoadMemoryAgent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
vms:
  - id: vm-1
    status: up
    disks:
      - imageId: img-active
        chain: [base, mid]
chains:
  - storagePoolId: pool-1
    storageDomainId: sd-1
    imageGroupId: ig-1
    leafVolumeId: img-active
    volumes: [base]
`), 0644))

	agent, err := LoadMemoryAgent(path)
	require.NoError(t, err)

	vms, err := agent.FullList(context.Background(), []string{"vm-1"})
	require.NoError(t, err)
	require.Len(t, vms, 1)
	assert.Equal(t, []string{"base", "mid"}, vms[0].ChainFor("img-active").IDs())

	volumes, err := agent.ReconcileVolumeChain(context.Background(), ChainRequest{
		StoragePoolID: "pool-1", StorageDomainID: "sd-1", ImageGroupID: "ig-1", LeafVolumeID: "img-active",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"base"}, volumes)
}

func TestLoggingInterceptor(t *testing.T) {
	interceptor := LoggingInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: methodFullList}

	resp, err := interceptor(context.Background(), "req", info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return "resp", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "resp", resp)

	_, err = interceptor(context.Background(), "req", info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, toStatus(ErrVMNotFound)
	})
	assert.Error(t, err)

	assert.Equal(t, "FullList", methodName(methodFullList))
	assert.True(t, isHealthMethod("/grpc.health.v1.Health/Check"))
	assert.False(t, isHealthMethod(methodHotUnplugDisk))
}
