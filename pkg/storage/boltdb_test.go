package storage

import (
	"testing"
	"time"

	"github.com/cuemby/fleet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBoltStore_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetVM("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetStoragePool("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetDecision("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltStore_VMsByNode(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.PutVM(&types.VM{ID: "vm-1", NodeID: "node-a", Status: types.VMStatusUp}))
	require.NoError(t, store.PutVM(&types.VM{ID: "vm-2", NodeID: "node-b", Status: types.VMStatusUp}))
	require.NoError(t, store.PutVM(&types.VM{ID: "vm-3", NodeID: "node-a", Status: types.VMStatusPaused}))

	vms, err := store.ListVMsByNode("node-a")
	require.NoError(t, err)
	assert.Len(t, vms, 2)

	vm, err := store.GetVM("vm-3")
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusPaused, vm.Status)
}

func TestBoltStore_VMDevices(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.PutVMDevice(&types.VMDevice{DeviceID: "disk-1", VMID: "vm-1", Type: types.DeviceTypeDisk}))
	require.NoError(t, store.PutVMDevice(&types.VMDevice{DeviceID: "disk-2", VMID: "vm-1", Type: types.DeviceTypeDisk}))
	require.NoError(t, store.PutVMDevice(&types.VMDevice{DeviceID: "disk-3", VMID: "vm-10", Type: types.DeviceTypeDisk}))

	devices, err := store.ListVMDevices("vm-1")
	require.NoError(t, err)
	assert.Len(t, devices, 2)

	require.NoError(t, store.RemoveVMDevice("disk-1", "vm-1"))
	_, err = store.GetVMDevice("disk-1", "vm-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Removing again is a no-op
	assert.NoError(t, store.RemoveVMDevice("disk-1", "vm-1"))
}

func TestBoltStore_Permissions(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.PutPermission(&types.Permission{
		ID: "p1", UserID: "alice", ObjectID: "sd-1", ObjectType: types.ObjectTypeStorage,
		Groups: []types.ActionGroup{types.ActionGroupManipulateVMSnapshots},
	}))
	require.NoError(t, store.PutPermission(&types.Permission{ID: "p2", UserID: "bob", ObjectID: "*"}))

	perms, err := store.ListPermissionsByUser("alice")
	require.NoError(t, err)
	require.Len(t, perms, 1)
	assert.Equal(t, "sd-1", perms[0].ObjectID)
}

func seedWorkflow(t *testing.T, store *BoltStore, id string, state types.WorkflowState) {
	t.Helper()
	require.NoError(t, store.PutWorkflow(&types.Workflow{
		ID:    id,
		Kind:  types.WorkflowRemoveSnapshotSingleDisk,
		State: state,
		Step:  types.EncodeStep(types.MergeStatusStep{}),
	}))
}

func TestBoltStore_CommitDecision(t *testing.T) {
	store := newTestStore(t)
	seedWorkflow(t, store, "wf-1", types.WorkflowStateActive)
	require.NoError(t, store.PutAttempt(&types.MergeAttempt{ID: "a-1", State: types.AttemptStatePolling}))

	decision := &types.MergeDecision{
		AttemptID:        "a-1",
		ParentWorkflowID: "wf-1",
		Outcome:          types.Committed("top"),
		DecidedAt:        time.Now().UTC(),
	}
	step := types.EncodeStep(types.StepFor(decision.Outcome))

	applied, err := store.CommitDecision(decision, step)
	require.NoError(t, err)
	assert.True(t, applied)

	wf, err := store.GetWorkflow("wf-1")
	require.NoError(t, err)
	assert.Equal(t, types.StepDestroyImage, wf.Step.Name)
	assert.Equal(t, []string{"top"}, wf.Step.Volumes)

	attempt, err := store.GetAttempt("a-1")
	require.NoError(t, err)
	assert.Equal(t, types.AttemptStateCommitted, attempt.State)

	// Same decision again is a no-op
	applied, err = store.CommitDecision(decision, step)
	require.NoError(t, err)
	assert.False(t, applied)

	// A different outcome for the same attempt conflicts
	other := *decision
	other.Outcome = types.Failed(types.FailureTopStillPresent, "")
	_, err = store.CommitDecision(&other, types.EncodeStep(types.StepFor(other.Outcome)))
	assert.ErrorIs(t, err, ErrConflictingDecision)
}

func TestBoltStore_CommitDecisionClosedWorkflow(t *testing.T) {
	store := newTestStore(t)
	seedWorkflow(t, store, "wf-done", types.WorkflowStateAborted)

	decision := &types.MergeDecision{AttemptID: "a-1", ParentWorkflowID: "wf-done", Outcome: types.Committed("top")}
	_, err := store.CommitDecision(decision, types.EncodeStep(types.StepFor(decision.Outcome)))
	assert.ErrorIs(t, err, ErrWorkflowClosed)

	decision.ParentWorkflowID = "wf-gone"
	_, err = store.CommitDecision(decision, types.EncodeStep(types.StepFor(decision.Outcome)))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetDecision("a-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltStore_AuditOrder(t *testing.T) {
	store := newTestStore(t)

	for _, typ := range []string{"first", "second", "third"} {
		require.NoError(t, store.AppendAudit(&types.AuditRecord{ID: typ, Type: typ}))
	}

	records, err := store.ListAudit()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "first", records[0].Type)
	assert.Equal(t, "third", records[2].Type)
}

func TestBoltStore_Reopen(t *testing.T) {
	dir := t.TempDir()

	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.PutStoragePool(&types.StoragePool{ID: "pool-1", Status: types.PoolStatusUp}))
	require.NoError(t, store.Close())

	store, err = NewBoltStore(dir)
	require.NoError(t, err)
	defer store.Close()

	pool, err := store.GetStoragePool("pool-1")
	require.NoError(t, err)
	assert.Equal(t, types.PoolStatusUp, pool.Status)
}
