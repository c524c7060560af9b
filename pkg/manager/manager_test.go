package manager

import (
	"io"
	"testing"
	"time"

	"github.com/cuemby/fleet/pkg/storage"
	"github.com/cuemby/fleet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mgr, err := NewManager(&Config{
		NodeID:    "manager-1",
		DataDir:   t.TempDir(),
		InMemory:  true,
		LogOutput: io.Discard,
	})
	require.NoError(t, err)
	require.NoError(t, mgr.Bootstrap())
	t.Cleanup(func() { mgr.Shutdown() })

	require.NoError(t, mgr.WaitForLeader(10*time.Second))
	require.Eventually(t, mgr.IsLeader, 5*time.Second, 20*time.Millisecond)
	return mgr
}

func TestManager_WritesGoThroughRaft(t *testing.T) {
	mgr := newTestManager(t)

	require.NoError(t, mgr.PutVM(&types.VM{ID: "vm-1", NodeID: "node-a", Status: types.VMStatusUp}))
	require.NoError(t, mgr.PutStoragePool(&types.StoragePool{ID: "pool-1", Status: types.PoolStatusUp, CoordinatorNodeID: "node-a"}))

	vm, err := mgr.GetVM("vm-1")
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusUp, vm.Status)

	pool, err := mgr.GetStoragePool("pool-1")
	require.NoError(t, err)
	assert.True(t, pool.CoordinatorReady())

	stats := mgr.GetRaftStats()
	assert.Equal(t, "Leader", stats["state"])
}

func TestManager_CommitDecision(t *testing.T) {
	mgr := newTestManager(t)

	require.NoError(t, mgr.PutWorkflow(&types.Workflow{
		ID:    "wf-1",
		Kind:  types.WorkflowRemoveSnapshotSingleDisk,
		State: types.WorkflowStateActive,
		Step:  types.EncodeStep(types.MergeStatusStep{}),
	}))
	require.NoError(t, mgr.PutAttempt(&types.MergeAttempt{ID: "a-1", State: types.AttemptStatePolling}))

	decision := &types.MergeDecision{
		AttemptID:        "a-1",
		ParentWorkflowID: "wf-1",
		Outcome:          types.Committed("top"),
		DecidedAt:        time.Now().UTC(),
	}
	step := types.EncodeStep(types.StepFor(decision.Outcome))

	applied, err := mgr.CommitDecision(decision, step)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = mgr.CommitDecision(decision, step)
	require.NoError(t, err)
	assert.False(t, applied)

	conflicting := *decision
	conflicting.Outcome = types.Failed(types.FailureTopStillPresent, "")
	_, err = mgr.CommitDecision(&conflicting, types.EncodeStep(types.StepFor(conflicting.Outcome)))
	assert.ErrorIs(t, err, storage.ErrConflictingDecision)

	attempt, err := mgr.GetAttempt("a-1")
	require.NoError(t, err)
	assert.Equal(t, types.AttemptStateCommitted, attempt.State)
}

func TestManager_CommitDecisionStaleWorkflow(t *testing.T) {
	mgr := newTestManager(t)

	decision := &types.MergeDecision{AttemptID: "a-1", ParentWorkflowID: "wf-gone", Outcome: types.Committed("top")}
	_, err := mgr.CommitDecision(decision, types.EncodeStep(types.StepFor(decision.Outcome)))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestManager_ApplyWithoutRaft(t *testing.T) {
	mgr, err := NewManager(&Config{NodeID: "m", DataDir: t.TempDir(), InMemory: true})
	require.NoError(t, err)
	defer mgr.Shutdown()

	assert.False(t, mgr.IsLeader())
	assert.Error(t, mgr.PutVM(&types.VM{ID: "vm-1"}))
}
