package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/fleet/pkg/log"
	"github.com/cuemby/fleet/pkg/metrics"
	"github.com/cuemby/fleet/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Gateway labels used on fleet_gateway_failures_total
const (
	gatewaySnapshot = "snapshot"
	gatewayChain    = "chain"
	gatewayHotplug  = "hotplug"
)

// DefaultTimeout bounds every node call when Config.Timeout is unset
const DefaultTimeout = 10 * time.Second

// NodeResolver looks up node addresses
type NodeResolver interface {
	GetNode(id string) (*types.ComputeNode, error)
}

// PoolReader looks up storage pool coordinator assignments
type PoolReader interface {
	GetStoragePool(id string) (*types.StoragePool, error)
}

// Config configures the node gateway client
type Config struct {
	Timeout     time.Duration
	DialOptions []grpc.DialOption
}

// Client talks to node agents over gRPC. Connections are cached per node and
// redialed when the node's registered address changes.
type Client struct {
	nodes    NodeResolver
	pools    PoolReader
	timeout  time.Duration
	dialOpts []grpc.DialOption

	mu    sync.Mutex
	conns map[string]*nodeConn
}

type nodeConn struct {
	addr string
	conn *grpc.ClientConn
}

// NewClient creates a gateway client
func NewClient(nodes NodeResolver, pools PoolReader, cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	dialOpts := cfg.DialOptions
	if len(dialOpts) == 0 {
		dialOpts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &Client{
		nodes:    nodes,
		pools:    pools,
		timeout:  timeout,
		dialOpts: dialOpts,
		conns:    make(map[string]*nodeConn),
	}
}

func (c *Client) conn(op, nodeID string) (*grpc.ClientConn, error) {
	node, err := c.nodes.GetNode(nodeID)
	if err != nil {
		return nil, semantic(op, nodeID, fmt.Errorf("resolve node: %w", err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if nc, ok := c.conns[nodeID]; ok {
		if nc.addr == node.Address {
			return nc.conn, nil
		}
		nc.conn.Close()
		delete(c.conns, nodeID)
	}

	conn, err := grpc.NewClient(node.Address, c.dialOpts...)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Op: op, NodeID: nodeID,
			Err: fmt.Errorf("%w: %v", ErrNodeUnreachable, err)}
	}
	c.conns[nodeID] = &nodeConn{addr: node.Address, conn: conn}
	return conn, nil
}

func (c *Client) invoke(ctx context.Context, gateway, op, nodeID, method string, req map[string]any) (map[string]any, error) {
	out, err := c.call(ctx, op, nodeID, method, req)
	if err != nil {
		kind := KindSemantic
		if IsTransport(err) {
			kind = KindTransport
		}
		metrics.GatewayFailuresTotal.WithLabelValues(gateway, string(kind)).Inc()
		return nil, err
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, op, nodeID, method string, req map[string]any) (map[string]any, error) {
	conn, err := c.conn(op, nodeID)
	if err != nil {
		return nil, err
	}

	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, semantic(op, nodeID, fmt.Errorf("encode request: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out := &structpb.Struct{}
	if err := conn.Invoke(ctx, method, in, out); err != nil {
		return nil, classify(op, nodeID, err)
	}
	return out.AsMap(), nil
}

// FetchNodeSnapshot returns the live state of one VM as reported by its node
func (c *Client) FetchNodeSnapshot(ctx context.Context, nodeID, vmID string) (*types.NodeSnapshot, error) {
	const op = "fetch node snapshot"

	out, err := c.invoke(ctx, gatewaySnapshot, op, nodeID, methodFullList,
		map[string]any{keyVMList: anyList([]string{vmID})})
	if err != nil {
		return nil, err
	}

	snaps, err := decodeSnapshots(nodeID, out)
	if err == nil && len(snaps) == 0 {
		err = ErrEmptyPayload
	}
	if err == nil {
		for _, s := range snaps {
			if s.VMID == vmID {
				return s, nil
			}
		}
		err = fmt.Errorf("%w: answered for %s instead of %s", ErrVMNotFound, snaps[0].VMID, vmID)
	}

	metrics.GatewayFailuresTotal.WithLabelValues(gatewaySnapshot, string(KindSemantic)).Inc()
	return nil, semantic(op, nodeID, err)
}

// ListVMs returns every VM the node currently runs
func (c *Client) ListVMs(ctx context.Context, nodeID string) ([]*types.NodeSnapshot, error) {
	const op = "list vms"

	out, err := c.invoke(ctx, gatewaySnapshot, op, nodeID, methodFullList, map[string]any{})
	if err != nil {
		return nil, err
	}
	snaps, err := decodeSnapshots(nodeID, out)
	if err != nil {
		metrics.GatewayFailuresTotal.WithLabelValues(gatewaySnapshot, string(KindSemantic)).Inc()
		return nil, semantic(op, nodeID, err)
	}
	return snaps, nil
}

// ReconcileVolumeChain asks the storage pool coordinator to rebuild the
// volume chain of an image from on-disk metadata
func (c *Client) ReconcileVolumeChain(ctx context.Context, poolID, domainID, imageGroupID, imageID string) (types.VolumeChain, error) {
	const op = "reconcile volume chain"

	pool, err := c.pools.GetStoragePool(poolID)
	if err != nil {
		metrics.GatewayFailuresTotal.WithLabelValues(gatewayChain, string(KindSemantic)).Inc()
		return nil, semantic(op, "", fmt.Errorf("resolve pool %s: %w", poolID, err))
	}
	if pool.CoordinatorNodeID == "" {
		metrics.GatewayFailuresTotal.WithLabelValues(gatewayChain, string(KindSemantic)).Inc()
		return nil, semantic(op, "", fmt.Errorf("%w: %s", ErrNoCoordinator, poolID))
	}
	nodeID := pool.CoordinatorNodeID

	req := ChainRequest{
		StoragePoolID:   poolID,
		StorageDomainID: domainID,
		ImageGroupID:    imageGroupID,
		LeafVolumeID:    imageID,
	}
	out, err := c.invoke(ctx, gatewayChain, op, nodeID, methodReconcileVolumeChain, req.encode())
	if err != nil {
		return nil, err
	}

	if _, ok := out[keyVolumes].([]any); !ok {
		metrics.GatewayFailuresTotal.WithLabelValues(gatewayChain, string(KindSemantic)).Inc()
		return nil, semantic(op, nodeID, fmt.Errorf("%w: no %q list", ErrMalformedResponse, keyVolumes))
	}
	chain := types.NewVolumeChain(strList(out[keyVolumes])...)
	if chain.IsEmpty() {
		metrics.GatewayFailuresTotal.WithLabelValues(gatewayChain, string(KindSemantic)).Inc()
		return nil, semantic(op, nodeID, ErrEmptyPayload)
	}
	return chain, nil
}

// HotUnplugDisk detaches a disk from a running VM
func (c *Client) HotUnplugDisk(ctx context.Context, nodeID, vmID, imageID string) error {
	_, err := c.invoke(ctx, gatewayHotplug, "hot unplug disk", nodeID, methodHotUnplugDisk,
		map[string]any{keyVMID: vmID, keyImageID: imageID})
	return err
}

// Close closes every cached connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for nodeID, nc := range c.conns {
		if err := nc.conn.Close(); err != nil {
			logger := log.WithNodeID(nodeID)
			logger.Warn().Err(err).Msg("Failed to close node connection")
		}
		delete(c.conns, nodeID)
	}
	return nil
}
