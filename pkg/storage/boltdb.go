package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/fleet/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// ErrWorkflowClosed is returned when a decision targets a workflow that is no longer active
var ErrWorkflowClosed = errors.New("workflow is not active")

var (
	// Bucket names
	bucketNodes        = []byte("nodes")
	bucketVMs          = []byte("vms")
	bucketDisks        = []byte("disks")
	bucketVMDevices    = []byte("vm_devices")
	bucketSnapshots    = []byte("snapshots")
	bucketStoragePools = []byte("storage_pools")
	bucketPermissions  = []byte("permissions")
	bucketWorkflows    = []byte("workflows")
	bucketAttempts     = []byte("merge_attempts")
	bucketDecisions    = []byte("merge_decisions")
	bucketAudit        = []byte("audit")
)

// Buckets lists every bucket the store expects to exist
var Buckets = [][]byte{
	bucketNodes,
	bucketVMs,
	bucketDisks,
	bucketVMDevices,
	bucketSnapshots,
	bucketStoragePools,
	bucketPermissions,
	bucketWorkflows,
	bucketAttempts,
	bucketDecisions,
	bucketAudit,
}

// DBFileName is the bbolt file created inside the data directory
const DBFileName = "fleet.db"

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, DBFileName)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range Buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func put(tx *bolt.Tx, bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

func get(tx *bolt.Tx, bucket []byte, kind, key string, v any) error {
	data := tx.Bucket(bucket).Get([]byte(key))
	if data == nil {
		return fmt.Errorf("%s %s: %w", kind, key, ErrNotFound)
	}
	return json.Unmarshal(data, v)
}

func (s *BoltStore) putOne(bucket []byte, key string, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucket, key, v)
	})
}

func (s *BoltStore) getOne(bucket []byte, kind, key string, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucket, kind, key, v)
	})
}

// list decodes every value of a bucket, optionally restricted to a key prefix
func list[T any](db *bolt.DB, bucket []byte, prefix []byte) ([]*T, error) {
	var out []*T
	err := db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var item T
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			out = append(out, &item)
		}
		return nil
	})
	return out, err
}

// Node operations
func (s *BoltStore) PutNode(node *types.ComputeNode) error {
	return s.putOne(bucketNodes, node.ID, node)
}

func (s *BoltStore) GetNode(id string) (*types.ComputeNode, error) {
	var node types.ComputeNode
	if err := s.getOne(bucketNodes, "node", id, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) ListNodes() ([]*types.ComputeNode, error) {
	return list[types.ComputeNode](s.db, bucketNodes, nil)
}

func (s *BoltStore) DeleteNode(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Delete([]byte(id))
	})
}

// VM operations
func (s *BoltStore) PutVM(vm *types.VM) error {
	return s.putOne(bucketVMs, vm.ID, vm)
}

func (s *BoltStore) GetVM(id string) (*types.VM, error) {
	var vm types.VM
	if err := s.getOne(bucketVMs, "vm", id, &vm); err != nil {
		return nil, err
	}
	return &vm, nil
}

func (s *BoltStore) ListVMs() ([]*types.VM, error) {
	return list[types.VM](s.db, bucketVMs, nil)
}

func (s *BoltStore) ListVMsByNode(nodeID string) ([]*types.VM, error) {
	vms, err := s.ListVMs()
	if err != nil {
		return nil, err
	}

	var filtered []*types.VM
	for _, vm := range vms {
		if vm.NodeID == nodeID {
			filtered = append(filtered, vm)
		}
	}
	return filtered, nil
}

// Disk operations
func (s *BoltStore) PutDisk(disk *types.Disk) error {
	return s.putOne(bucketDisks, disk.ID, disk)
}

func (s *BoltStore) GetDisk(id string) (*types.Disk, error) {
	var disk types.Disk
	if err := s.getOne(bucketDisks, "disk", id, &disk); err != nil {
		return nil, err
	}
	return &disk, nil
}

func (s *BoltStore) ListDisks() ([]*types.Disk, error) {
	return list[types.Disk](s.db, bucketDisks, nil)
}

// VM device operations. Keys are "<vmID>/<deviceID>" so one VM's devices
// are contiguous and can be listed with a prefix scan.
func deviceKey(deviceID, vmID string) string {
	return vmID + "/" + deviceID
}

func (s *BoltStore) PutVMDevice(device *types.VMDevice) error {
	return s.putOne(bucketVMDevices, deviceKey(device.DeviceID, device.VMID), device)
}

func (s *BoltStore) GetVMDevice(deviceID, vmID string) (*types.VMDevice, error) {
	var device types.VMDevice
	if err := s.getOne(bucketVMDevices, "vm device", deviceKey(deviceID, vmID), &device); err != nil {
		return nil, err
	}
	return &device, nil
}

func (s *BoltStore) ListVMDevices(vmID string) ([]*types.VMDevice, error) {
	return list[types.VMDevice](s.db, bucketVMDevices, []byte(vmID+"/"))
}

func (s *BoltStore) ListAllVMDevices() ([]*types.VMDevice, error) {
	return list[types.VMDevice](s.db, bucketVMDevices, nil)
}

// RemoveVMDevice deletes a device record; removing an absent device is not an error
func (s *BoltStore) RemoveVMDevice(deviceID, vmID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVMDevices).Delete([]byte(deviceKey(deviceID, vmID)))
	})
}

// Snapshot operations
func (s *BoltStore) PutSnapshot(snapshot *types.Snapshot) error {
	return s.putOne(bucketSnapshots, snapshot.ID, snapshot)
}

func (s *BoltStore) GetSnapshot(id string) (*types.Snapshot, error) {
	var snapshot types.Snapshot
	if err := s.getOne(bucketSnapshots, "snapshot", id, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (s *BoltStore) ListSnapshots() ([]*types.Snapshot, error) {
	return list[types.Snapshot](s.db, bucketSnapshots, nil)
}

// Storage pool operations
func (s *BoltStore) PutStoragePool(pool *types.StoragePool) error {
	return s.putOne(bucketStoragePools, pool.ID, pool)
}

func (s *BoltStore) GetStoragePool(id string) (*types.StoragePool, error) {
	var pool types.StoragePool
	if err := s.getOne(bucketStoragePools, "storage pool", id, &pool); err != nil {
		return nil, err
	}
	return &pool, nil
}

func (s *BoltStore) ListStoragePools() ([]*types.StoragePool, error) {
	return list[types.StoragePool](s.db, bucketStoragePools, nil)
}

// Permission operations. Keys are "<userID>/<permissionID>".
func (s *BoltStore) PutPermission(perm *types.Permission) error {
	return s.putOne(bucketPermissions, perm.UserID+"/"+perm.ID, perm)
}

func (s *BoltStore) ListPermissionsByUser(userID string) ([]*types.Permission, error) {
	return list[types.Permission](s.db, bucketPermissions, []byte(userID+"/"))
}

func (s *BoltStore) ListPermissions() ([]*types.Permission, error) {
	return list[types.Permission](s.db, bucketPermissions, nil)
}

// Workflow operations
func (s *BoltStore) PutWorkflow(wf *types.Workflow) error {
	return s.putOne(bucketWorkflows, wf.ID, wf)
}

func (s *BoltStore) GetWorkflow(id string) (*types.Workflow, error) {
	var wf types.Workflow
	if err := s.getOne(bucketWorkflows, "workflow", id, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

func (s *BoltStore) ListWorkflows() ([]*types.Workflow, error) {
	return list[types.Workflow](s.db, bucketWorkflows, nil)
}

// Merge attempt operations
func (s *BoltStore) PutAttempt(attempt *types.MergeAttempt) error {
	return s.putOne(bucketAttempts, attempt.ID, attempt)
}

func (s *BoltStore) GetAttempt(id string) (*types.MergeAttempt, error) {
	var attempt types.MergeAttempt
	if err := s.getOne(bucketAttempts, "merge attempt", id, &attempt); err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (s *BoltStore) ListAttempts() ([]*types.MergeAttempt, error) {
	return list[types.MergeAttempt](s.db, bucketAttempts, nil)
}

// Decision operations
func (s *BoltStore) GetDecision(attemptID string) (*types.MergeDecision, error) {
	var decision types.MergeDecision
	if err := s.getOne(bucketDecisions, "merge decision", attemptID, &decision); err != nil {
		return nil, err
	}
	return &decision, nil
}

// CommitDecision records a terminal decision and moves the parent workflow to
// step in a single transaction. It returns false without writing anything when
// the same decision is already recorded.
func (s *BoltStore) CommitDecision(decision *types.MergeDecision, step types.StepRecord) (bool, error) {
	applied := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		var existing types.MergeDecision
		err := get(tx, bucketDecisions, "merge decision", decision.AttemptID, &existing)
		switch {
		case err == nil:
			if existing.SameOutcome(decision) {
				return nil
			}
			return fmt.Errorf("attempt %s already decided %s: %w",
				decision.AttemptID, existing.Outcome, ErrConflictingDecision)
		case !errors.Is(err, ErrNotFound):
			return err
		}

		var wf types.Workflow
		if err := get(tx, bucketWorkflows, "workflow", decision.ParentWorkflowID, &wf); err != nil {
			return err
		}
		if wf.State != types.WorkflowStateActive {
			return fmt.Errorf("workflow %s is %s: %w", wf.ID, wf.State, ErrWorkflowClosed)
		}

		if err := put(tx, bucketDecisions, decision.AttemptID, decision); err != nil {
			return err
		}

		wf.Step = step
		wf.UpdatedAt = decision.DecidedAt
		if err := put(tx, bucketWorkflows, wf.ID, &wf); err != nil {
			return err
		}

		var attempt types.MergeAttempt
		err = get(tx, bucketAttempts, "merge attempt", decision.AttemptID, &attempt)
		if err == nil {
			attempt.LastOutcome = decision.Outcome
			if decision.Outcome.Kind == types.OutcomeCommitted {
				attempt.State = types.AttemptStateCommitted
			} else {
				attempt.State = types.AttemptStateFailed
			}
			if err := put(tx, bucketAttempts, attempt.ID, &attempt); err != nil {
				return err
			}
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (s *BoltStore) ListDecisions() ([]*types.MergeDecision, error) {
	return list[types.MergeDecision](s.db, bucketDecisions, nil)
}

// RestoreDecision writes a decision row as-is. It is only used when replaying
// a raft snapshot, where the workflow and attempt rows are restored separately.
func (s *BoltStore) RestoreDecision(decision *types.MergeDecision) error {
	return s.putOne(bucketDecisions, decision.AttemptID, decision)
}

// Audit operations. Records are keyed by a monotonically increasing sequence.
func (s *BoltStore) AppendAudit(record *types.AuditRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)

		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) ListAudit() ([]*types.AuditRecord, error) {
	return list[types.AuditRecord](s.db, bucketAudit, nil)
}
