package reconciler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/fleet/pkg/events"
	"github.com/cuemby/fleet/pkg/health"
	"github.com/cuemby/fleet/pkg/storage"
	"github.com/cuemby/fleet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type switchChecker struct {
	healthy atomic.Bool
	checks  atomic.Int32
}

func (c *switchChecker) Check(context.Context) health.Result {
	c.checks.Add(1)
	return health.Result{Healthy: c.healthy.Load(), Message: "probe", CheckedAt: time.Now()}
}

func (c *switchChecker) Type() health.CheckType { return health.CheckTypeGRPC }

type fakeLister struct {
	vms map[string][]*types.NodeSnapshot
	err error
}

func (f *fakeLister) ListVMs(_ context.Context, nodeID string) ([]*types.NodeSnapshot, error) {
	return f.vms[nodeID], f.err
}

type recordingAudit struct {
	events []events.EventType
}

func (a *recordingAudit) Emit(t events.EventType, _ map[string]string) {
	a.events = append(a.events, t)
}

type fixture struct {
	r       *Reconciler
	store   *storage.BoltStore
	checker *switchChecker
	lister  *fakeLister
	audit   *recordingAudit
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.PutNode(&types.ComputeNode{ID: "node-a", Address: "10.0.0.1:54321", Status: types.NodeStatusUp}))
	require.NoError(t, store.PutVM(&types.VM{ID: "vm-1", NodeID: "node-a", Status: types.VMStatusUp}))
	require.NoError(t, store.PutVM(&types.VM{ID: "vm-2", NodeID: "node-a", Status: types.VMStatusDown}))

	checker := &switchChecker{}
	checker.healthy.Store(true)
	lister := &fakeLister{vms: map[string][]*types.NodeSnapshot{}}
	audit := &recordingAudit{}

	cfg := DefaultConfig()
	cfg.Probe.Retries = 2
	r := NewReconciler(store, lister, audit, cfg).WithCheckerFactory(func(*types.ComputeNode) health.Checker {
		return checker
	})
	return &fixture{r: r, store: store, checker: checker, lister: lister, audit: audit}
}

func (f *fixture) vmStatus(t *testing.T, id string) types.VMStatus {
	t.Helper()
	vm, err := f.store.GetVM(id)
	require.NoError(t, err)
	return vm.Status
}

func (f *fixture) nodeStatus(t *testing.T, id string) types.NodeStatus {
	t.Helper()
	node, err := f.store.GetNode(id)
	require.NoError(t, err)
	return node.Status
}

func TestReconcile_NodeGoesDownAfterRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.checker.healthy.Store(false)
	f.lister.err = errors.New("unreachable")

	require.NoError(t, f.r.reconcile(ctx))
	assert.Equal(t, types.NodeStatusUp, f.nodeStatus(t, "node-a"), "one failure is tolerated")
	assert.Empty(t, f.audit.events)

	require.NoError(t, f.r.reconcile(ctx))
	assert.Equal(t, types.NodeStatusNonResponsive, f.nodeStatus(t, "node-a"))
	assert.Equal(t, []events.EventType{events.EventNodeDown}, f.audit.events)

	assert.Equal(t, types.VMStatusNotResponding, f.vmStatus(t, "vm-1"))
	assert.Equal(t, types.RunStateUnknown, f.vmStatus(t, "vm-1").RunState())
	assert.Equal(t, types.VMStatusDown, f.vmStatus(t, "vm-2"), "stopped VMs keep their status")
}

func TestReconcile_NodeRecovers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.checker.healthy.Store(false)
	f.lister.err = errors.New("unreachable")
	require.NoError(t, f.r.reconcile(ctx))
	require.NoError(t, f.r.reconcile(ctx))
	require.Equal(t, types.NodeStatusNonResponsive, f.nodeStatus(t, "node-a"))

	f.checker.healthy.Store(true)
	f.lister.err = nil
	f.lister.vms["node-a"] = []*types.NodeSnapshot{{NodeID: "node-a", VMID: "vm-1", Status: types.VMStatusPaused}}

	require.NoError(t, f.r.reconcile(ctx))
	assert.Equal(t, types.NodeStatusUp, f.nodeStatus(t, "node-a"))
	assert.Equal(t, []events.EventType{events.EventNodeDown, events.EventNodeUp}, f.audit.events)
	assert.Equal(t, types.VMStatusPaused, f.vmStatus(t, "vm-1"))
}

func TestReconcile_RefreshesVMStatus(t *testing.T) {
	f := newFixture(t)
	f.lister.vms["node-a"] = []*types.NodeSnapshot{
		{NodeID: "node-a", VMID: "vm-1", Status: types.VMStatusMigrating},
		{NodeID: "node-a", VMID: "vm-unknown", Status: types.VMStatusUp},
	}

	require.NoError(t, f.r.reconcile(context.Background()))
	assert.Equal(t, types.VMStatusMigrating, f.vmStatus(t, "vm-1"))
	assert.Equal(t, types.VMStatusDown, f.vmStatus(t, "vm-2"))

	_, err := f.store.GetVM("vm-unknown")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Empty(t, f.audit.events)
}

func TestReconcile_VMMissingFromHealthyNode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.PutVM(&types.VM{ID: "vm-3", NodeID: "node-a", Status: types.VMStatusMigrating}))
	require.NoError(t, f.store.PutVM(&types.VM{ID: "vm-4", NodeID: "node-a", Status: types.VMStatusNotResponding}))
	f.lister.vms["node-a"] = []*types.NodeSnapshot{}

	for i := 0; i < 3; i++ {
		require.NoError(t, f.r.reconcile(ctx))
	}

	assert.Equal(t, types.VMStatusDown, f.vmStatus(t, "vm-1"))
	assert.Equal(t, types.RunStateNotRunning, f.vmStatus(t, "vm-1").RunState())
	assert.Equal(t, types.VMStatusDown, f.vmStatus(t, "vm-2"))
	assert.Equal(t, types.VMStatusMigrating, f.vmStatus(t, "vm-3"))
	assert.Equal(t, types.VMStatusDown, f.vmStatus(t, "vm-4"))
}

func TestReconcile_SkipsVMsWhenListFails(t *testing.T) {
	f := newFixture(t)
	f.lister.err = errors.New("agent busy")

	require.NoError(t, f.r.reconcile(context.Background()))
	assert.Equal(t, types.NodeStatusUp, f.nodeStatus(t, "node-a"))
	assert.Equal(t, types.VMStatusUp, f.vmStatus(t, "vm-1"))
}

func TestReconcile_SkipsMaintenance(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.PutNode(&types.ComputeNode{ID: "node-a", Status: types.NodeStatusMaintenance}))
	f.checker.healthy.Store(false)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.r.reconcile(context.Background()))
	}
	assert.Equal(t, int32(0), f.checker.checks.Load())
	assert.Equal(t, types.NodeStatusMaintenance, f.nodeStatus(t, "node-a"))
}

func TestReconciler_CheckerRebuiltOnAddressChange(t *testing.T) {
	f := newFixture(t)
	built := 0
	f.r.WithCheckerFactory(func(*types.ComputeNode) health.Checker {
		built++
		return f.checker
	})

	node := &types.ComputeNode{ID: "node-a", Address: "10.0.0.1:54321"}
	f.r.checker(node)
	f.r.checker(node)
	assert.Equal(t, 1, built)

	node.Address = "10.0.0.2:54321"
	f.r.checker(node)
	assert.Equal(t, 2, built)
}

func TestReconciler_StartStop(t *testing.T) {
	f := newFixture(t)
	f.r.cfg.Interval = 5 * time.Millisecond

	f.r.Start()
	require.Eventually(t, func() bool { return f.checker.checks.Load() >= 2 }, 5*time.Second, 5*time.Millisecond)
	f.r.Stop()
	f.r.Stop()
}

func TestDefaultChecker(t *testing.T) {
	f := newFixture(t)
	node := &types.ComputeNode{ID: "node-a", Address: "10.0.0.1:54321"}

	assert.Equal(t, health.CheckTypeGRPC, f.r.defaultChecker(node).Type())

	f.r.cfg.CheckType = health.CheckTypeTCP
	assert.Equal(t, health.CheckTypeTCP, f.r.defaultChecker(node).Type())
}
