package manager

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/fleet/pkg/storage"
	"github.com/cuemby/fleet/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// ErrNotLeader is returned for writes submitted to a follower
var ErrNotLeader = errors.New("not the raft leader")

// Manager owns the replicated control plane state. Reads are served from the
// local store; every write goes through the Raft log.
type Manager struct {
	nodeID   string
	bindAddr string
	dataDir  string
	inMemory bool
	output   io.Writer

	raft    *raft.Raft
	fsm     *FleetFSM
	store   storage.Store
	closers []io.Closer

	applyTimeout time.Duration
}

// Config holds configuration for creating a Manager
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string

	// InMemory keeps the raft log, stable store and transport in memory.
	// The state store itself is always on disk.
	InMemory bool

	// LogOutput receives raft's own logs (default: stderr)
	LogOutput io.Writer

	ApplyTimeout time.Duration
}

// NewManager creates a new Manager instance
func NewManager(cfg *Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %v", err)
	}

	output := cfg.LogOutput
	if output == nil {
		output = os.Stderr
	}
	applyTimeout := cfg.ApplyTimeout
	if applyTimeout == 0 {
		applyTimeout = 5 * time.Second
	}

	return &Manager{
		nodeID:       cfg.NodeID,
		bindAddr:     cfg.BindAddr,
		dataDir:      cfg.DataDir,
		inMemory:     cfg.InMemory,
		output:       output,
		fsm:          NewFleetFSM(store),
		store:        store,
		applyTimeout: applyTimeout,
	}, nil
}

func (m *Manager) raftConfig() *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(m.nodeID)
	config.LogOutput = m.output

	// Tuned for LAN control planes: a leader is re-elected in a few seconds
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	return config
}

// Bootstrap initializes a new single-node Raft cluster
func (m *Manager) Bootstrap() error {
	config := m.raftConfig()

	var (
		logStore    raft.LogStore
		stableStore raft.StableStore
		snapStore   raft.SnapshotStore
		transport   raft.Transport
		localAddr   raft.ServerAddress
	)

	if m.inMemory {
		inmem := raft.NewInmemStore()
		logStore, stableStore = inmem, inmem
		snapStore = raft.NewInmemSnapshotStore()
		addr, trans := raft.NewInmemTransport(raft.ServerAddress(m.nodeID))
		transport, localAddr = trans, addr
	} else {
		addr, err := net.ResolveTCPAddr("tcp", m.bindAddr)
		if err != nil {
			return fmt.Errorf("failed to resolve bind address: %v", err)
		}

		tcp, err := raft.NewTCPTransport(m.bindAddr, addr, 3, 10*time.Second, m.output)
		if err != nil {
			return fmt.Errorf("failed to create transport: %v", err)
		}
		transport, localAddr = tcp, tcp.LocalAddr()
		m.closers = append(m.closers, tcp)

		fileSnaps, err := raft.NewFileSnapshotStore(m.dataDir, 2, m.output)
		if err != nil {
			return fmt.Errorf("failed to create snapshot store: %v", err)
		}
		snapStore = fileSnaps

		boltLogs, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-log.db"))
		if err != nil {
			return fmt.Errorf("failed to create log store: %v", err)
		}
		boltStable, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-stable.db"))
		if err != nil {
			return fmt.Errorf("failed to create stable store: %v", err)
		}
		logStore, stableStore = boltLogs, boltStable
		m.closers = append(m.closers, boltLogs, boltStable)
	}

	r, err := raft.NewRaft(config, m.fsm, logStore, stableStore, snapStore, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %v", err)
	}
	m.raft = r

	hasState, err := raft.HasExistingState(logStore, stableStore, snapStore)
	if err != nil {
		return fmt.Errorf("failed to inspect raft state: %v", err)
	}
	if hasState {
		return nil
	}

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{
				ID:      config.LocalID,
				Address: localAddr,
			},
		},
	}

	future := m.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %v", err)
	}

	return nil
}

// WaitForLeader blocks until some node holds leadership or the timeout expires
func (m *Manager) WaitForLeader(timeout time.Duration) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if addr, _ := m.raft.LeaderWithID(); addr != "" {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("no raft leader after %v", timeout)
}

// IsLeader returns true if this manager is the Raft leader
func (m *Manager) IsLeader() bool {
	if m.raft == nil {
		return false
	}
	return m.raft.State() == raft.Leader
}

// LeaderAddr returns the address of the current Raft leader
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	addr, _ := m.raft.LeaderWithID()
	return string(addr)
}

// GetRaftStats returns Raft statistics
func (m *Manager) GetRaftStats() map[string]interface{} {
	if m.raft == nil {
		return nil
	}

	stats := make(map[string]interface{})
	stats["state"] = m.raft.State().String()
	stats["last_log_index"] = m.raft.LastIndex()
	stats["applied_index"] = m.raft.AppliedIndex()
	stats["leader"] = m.LeaderAddr()

	return stats
}

// Apply submits a command to the Raft cluster and returns the FSM response
func (m *Manager) Apply(cmd Command) (interface{}, error) {
	if m.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %v", err)
	}

	future := m.raft.Apply(data, m.applyTimeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) {
			return nil, ErrNotLeader
		}
		return nil, fmt.Errorf("failed to apply command: %v", err)
	}

	resp := future.Response()
	if err, ok := resp.(error); ok && err != nil {
		return nil, err
	}
	return resp, nil
}

func (m *Manager) submit(op Op, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = m.Apply(Command{Op: op, Data: data})
	return err
}

// Writes

func (m *Manager) PutNode(node *types.ComputeNode) error { return m.submit(OpPutNode, node) }
func (m *Manager) DeleteNode(id string) error             { return m.submit(OpDeleteNode, id) }
func (m *Manager) PutVM(vm *types.VM) error               { return m.submit(OpPutVM, vm) }
func (m *Manager) PutDisk(disk *types.Disk) error         { return m.submit(OpPutDisk, disk) }
func (m *Manager) PutVMDevice(d *types.VMDevice) error    { return m.submit(OpPutVMDevice, d) }
func (m *Manager) PutSnapshot(s *types.Snapshot) error    { return m.submit(OpPutSnapshot, s) }
func (m *Manager) PutStoragePool(p *types.StoragePool) error {
	return m.submit(OpPutPool, p)
}
func (m *Manager) PutPermission(p *types.Permission) error { return m.submit(OpPutPermission, p) }
func (m *Manager) PutWorkflow(wf *types.Workflow) error    { return m.submit(OpPutWorkflow, wf) }
func (m *Manager) PutAttempt(a *types.MergeAttempt) error  { return m.submit(OpPutAttempt, a) }
func (m *Manager) AppendAudit(r *types.AuditRecord) error  { return m.submit(OpAppendAudit, r) }

// RemoveVMDevice deletes a device record; an absent device is not an error
func (m *Manager) RemoveVMDevice(deviceID, vmID string) error {
	return m.submit(OpRemoveVMDevice, deviceRef{DeviceID: deviceID, VMID: vmID})
}

// CommitDecision durably records a terminal merge decision together with the
// parent workflow step. It reports false when the same decision already existed.
func (m *Manager) CommitDecision(decision *types.MergeDecision, step types.StepRecord) (bool, error) {
	data, err := json.Marshal(decisionCommit{Decision: *decision, Step: step})
	if err != nil {
		return false, err
	}

	resp, err := m.Apply(Command{Op: OpCommitDecision, Data: data})
	if err != nil {
		return false, err
	}
	result, ok := resp.(*CommitResult)
	if !ok {
		return false, fmt.Errorf("unexpected commit response %T", resp)
	}
	return result.Applied, result.Err
}

// Reads

func (m *Manager) GetNode(id string) (*types.ComputeNode, error) { return m.store.GetNode(id) }
func (m *Manager) ListNodes() ([]*types.ComputeNode, error)      { return m.store.ListNodes() }
func (m *Manager) GetVM(id string) (*types.VM, error)            { return m.store.GetVM(id) }
func (m *Manager) ListVMsByNode(nodeID string) ([]*types.VM, error) {
	return m.store.ListVMsByNode(nodeID)
}
func (m *Manager) GetDisk(id string) (*types.Disk, error) { return m.store.GetDisk(id) }
func (m *Manager) GetVMDevice(deviceID, vmID string) (*types.VMDevice, error) {
	return m.store.GetVMDevice(deviceID, vmID)
}
func (m *Manager) ListVMDevices(vmID string) ([]*types.VMDevice, error) {
	return m.store.ListVMDevices(vmID)
}
func (m *Manager) GetSnapshot(id string) (*types.Snapshot, error) { return m.store.GetSnapshot(id) }
func (m *Manager) GetStoragePool(id string) (*types.StoragePool, error) {
	return m.store.GetStoragePool(id)
}
func (m *Manager) ListStoragePools() ([]*types.StoragePool, error) {
	return m.store.ListStoragePools()
}
func (m *Manager) ListPermissionsByUser(userID string) ([]*types.Permission, error) {
	return m.store.ListPermissionsByUser(userID)
}
func (m *Manager) GetWorkflow(id string) (*types.Workflow, error) { return m.store.GetWorkflow(id) }
func (m *Manager) GetAttempt(id string) (*types.MergeAttempt, error) {
	return m.store.GetAttempt(id)
}
func (m *Manager) ListAttempts() ([]*types.MergeAttempt, error) { return m.store.ListAttempts() }
func (m *Manager) GetDecision(attemptID string) (*types.MergeDecision, error) {
	return m.store.GetDecision(attemptID)
}
func (m *Manager) ListAudit() ([]*types.AuditRecord, error) { return m.store.ListAudit() }

// Shutdown gracefully shuts down the manager
func (m *Manager) Shutdown() error {
	var errs []error
	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown raft: %v", err))
		}
	}
	for _, c := range m.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %v", err))
	}
	return errors.Join(errs...)
}
