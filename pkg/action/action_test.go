package action

import (
	"context"
	"errors"
	"testing"

	"github.com/cuemby/fleet/pkg/events"
	"github.com/cuemby/fleet/pkg/storage"
	"github.com/cuemby/fleet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type unplugCall struct {
	nodeID, vmID, imageID string
}

type fakeUnplugger struct {
	calls []unplugCall
	err   error
}

func (f *fakeUnplugger) HotUnplugDisk(_ context.Context, nodeID, vmID, imageID string) error {
	f.calls = append(f.calls, unplugCall{nodeID, vmID, imageID})
	return f.err
}

type recordingAudit struct {
	events []events.EventType
}

func (a *recordingAudit) Emit(t events.EventType, _ map[string]string) {
	a.events = append(a.events, t)
}

type staticAuthorizer bool

func (s staticAuthorizer) HasPermission(string, types.ActionGroup, string, types.ObjectType) bool {
	return bool(s)
}

type fakePoller struct {
	result types.StepResult
	err    error
	polls  int
}

func (f *fakePoller) Poll(_ context.Context, req types.MergeRequest) (types.StepResult, error) {
	f.polls++
	f.result.AttemptID = req.AttemptID
	return f.result, f.err
}

func newStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// seed stores vm-1 with disk-1 (virtio) and disk-2 attached
func seed(t *testing.T, store *storage.BoltStore, status types.VMStatus) {
	t.Helper()
	require.NoError(t, store.PutVM(&types.VM{
		ID:               "vm-1",
		Name:             "web",
		NodeID:           "node-a",
		Status:           status,
		HotPlugSupported: true,
		OSHotPlugSupport: true,
		Disks:            []string{"disk-1", "disk-2"},
		BootOrder:        []string{"disk-1", "disk-2"},
	}))
	require.NoError(t, store.PutDisk(&types.Disk{ID: "disk-1", Alias: "data", Interface: types.DiskInterfaceVirtio, ActiveImageID: "img-1"}))
	require.NoError(t, store.PutDisk(&types.Disk{ID: "disk-2", Alias: "boot", Interface: types.DiskInterfaceIDE, ActiveImageID: "img-2"}))
	require.NoError(t, store.PutDisk(&types.Disk{ID: "disk-3", Alias: "spare", Interface: types.DiskInterfaceVirtio}))
	require.NoError(t, store.PutVMDevice(&types.VMDevice{DeviceID: "disk-1", VMID: "vm-1", Type: types.DeviceTypeDisk, Plugged: true, BootOrder: 1}))
	require.NoError(t, store.PutVMDevice(&types.VMDevice{DeviceID: "disk-2", VMID: "vm-1", Type: types.DeviceTypeDisk, Plugged: true, BootOrder: 2}))
}

func TestDetachDisk_Validate(t *testing.T) {
	tests := []struct {
		name   string
		status types.VMStatus
		mutate func(vm *types.VM)
		params DetachDiskParams
		want   Reason
	}{
		{"missing ids", types.VMStatusDown, nil, DetachDiskParams{VMID: "vm-1"}, ReasonInvalidParameters},
		{"unknown vm", types.VMStatusDown, nil, DetachDiskParams{VMID: "vm-9", DiskID: "disk-1"}, ReasonVMNotFound},
		{"vm migrating", types.VMStatusMigrating, nil, DetachDiskParams{VMID: "vm-1", DiskID: "disk-1", PlugUnplug: true}, ReasonVMStatusIllegal},
		{"unknown disk", types.VMStatusDown, nil, DetachDiskParams{VMID: "vm-1", DiskID: "disk-9"}, ReasonDiskNotFound},
		{"not attached", types.VMStatusDown, nil, DetachDiskParams{VMID: "vm-1", DiskID: "disk-3"}, ReasonDiskAlreadyDetached},
		{"running without unplug", types.VMStatusUp, nil, DetachDiskParams{VMID: "vm-1", DiskID: "disk-1"}, ReasonVMNotDown},
		{"no cluster hot plug", types.VMStatusUp, func(vm *types.VM) { vm.HotPlugSupported = false },
			DetachDiskParams{VMID: "vm-1", DiskID: "disk-1", PlugUnplug: true}, ReasonHotPlugUnsupported},
		{"no guest hot plug", types.VMStatusUp, func(vm *types.VM) { vm.OSHotPlugSupport = false },
			DetachDiskParams{VMID: "vm-1", DiskID: "disk-1", PlugUnplug: true}, ReasonOSHotPlugUnsupported},
		{"ide on running vm", types.VMStatusUp, nil, DetachDiskParams{VMID: "vm-1", DiskID: "disk-2", PlugUnplug: true}, ReasonInterfaceUnsupported},
		{"down vm", types.VMStatusDown, nil, DetachDiskParams{VMID: "vm-1", DiskID: "disk-2"}, ""},
		{"running virtio", types.VMStatusUp, nil, DetachDiskParams{VMID: "vm-1", DiskID: "disk-1", PlugUnplug: true}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t)
			seed(t, store, tt.status)
			if tt.mutate != nil {
				vm, err := store.GetVM("vm-1")
				require.NoError(t, err)
				tt.mutate(vm)
				require.NoError(t, store.PutVM(vm))
			}

			h := NewDetachDisk(store, &fakeUnplugger{}, &recordingAudit{})
			prepared, vr, err := h.Validate(context.Background(), Request{Params: tt.params})
			require.NoError(t, err)
			if tt.want == "" {
				assert.True(t, vr.Valid, vr.Detail)
				assert.NotNil(t, prepared)
				return
			}
			assert.False(t, vr.Valid)
			assert.Equal(t, tt.want, vr.Reason)
			assert.Nil(t, prepared)
		})
	}
}

// brokenStore fails every disk read
type brokenStore struct {
	*storage.BoltStore
}

func (brokenStore) GetDisk(string) (*types.Disk, error) {
	return nil, errors.New("bolt: database not open")
}

func TestDetachDisk_StoreFailureIsAnError(t *testing.T) {
	store := newStore(t)
	seed(t, store, types.VMStatusDown)

	h := NewDetachDisk(brokenStore{store}, &fakeUnplugger{}, &recordingAudit{})
	prepared, vr, err := h.Validate(context.Background(), Request{Params: DetachDiskParams{VMID: "vm-1", DiskID: "disk-1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk-1")
	assert.False(t, vr.Valid)
	assert.Nil(t, prepared)

	registry, err := NewRegistry(h)
	require.NoError(t, err)
	runner := NewRunner(registry, staticAuthorizer(true), &recordingAudit{})

	out, err := runner.Run(context.Background(), Request{
		UserID: "alice",
		Params: DetachDiskParams{VMID: "vm-1", DiskID: "disk-1"},
	})
	require.Error(t, err)
	assert.Empty(t, out.Validation.Reason)
}

func TestDetachDisk_ExecuteDownVM(t *testing.T) {
	store := newStore(t)
	seed(t, store, types.VMStatusDown)
	plug := &fakeUnplugger{}
	audit := &recordingAudit{}

	h := NewDetachDisk(store, plug, audit)
	prepared, vr, err := h.Validate(context.Background(), Request{Params: DetachDiskParams{VMID: "vm-1", DiskID: "disk-1", PlugUnplug: true}})
	require.NoError(t, err)
	require.True(t, vr.Valid)

	_, err = prepared.Execute(context.Background())
	require.NoError(t, err)

	assert.Empty(t, plug.calls, "a down vm needs no unplug")

	_, err = store.GetVMDevice("disk-1", "vm-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	vm, err := store.GetVM("vm-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"disk-2"}, vm.Disks)
	assert.Equal(t, []string{"disk-2"}, vm.BootOrder)
	assert.Equal(t, []events.EventType{events.EventDiskDetached}, audit.events)

	// Redelivery of the same prepared request is harmless
	_, err = prepared.Execute(context.Background())
	require.NoError(t, err)
}

func TestDetachDisk_ExecuteHotUnplug(t *testing.T) {
	store := newStore(t)
	seed(t, store, types.VMStatusUp)
	plug := &fakeUnplugger{}

	h := NewDetachDisk(store, plug, &recordingAudit{})
	prepared, vr, err := h.Validate(context.Background(), Request{Params: DetachDiskParams{VMID: "vm-1", DiskID: "disk-1", PlugUnplug: true}})
	require.NoError(t, err)
	require.True(t, vr.Valid)

	_, err = prepared.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []unplugCall{{"node-a", "vm-1", "img-1"}}, plug.calls)
}

func TestDetachDisk_UnplugFailureKeepsDevice(t *testing.T) {
	store := newStore(t)
	seed(t, store, types.VMStatusUp)
	plug := &fakeUnplugger{err: errors.New("node unreachable")}

	h := NewDetachDisk(store, plug, &recordingAudit{})
	prepared, vr, err := h.Validate(context.Background(), Request{Params: DetachDiskParams{VMID: "vm-1", DiskID: "disk-1", PlugUnplug: true}})
	require.NoError(t, err)
	require.True(t, vr.Valid)

	_, err = prepared.Execute(context.Background())
	require.Error(t, err)

	_, err = store.GetVMDevice("disk-1", "vm-1")
	assert.NoError(t, err)
}

func TestBootOrder(t *testing.T) {
	order := bootOrder([]*types.VMDevice{
		{DeviceID: "nic", Plugged: true, BootOrder: 3},
		{DeviceID: "cd", Plugged: false, BootOrder: 1},
		{DeviceID: "disk-b", Plugged: true, BootOrder: 2},
		{DeviceID: "disk-a", Plugged: true, BootOrder: 2},
		{DeviceID: "disk-c", Plugged: true},
	})
	assert.Equal(t, []string{"disk-a", "disk-b", "nic"}, order)
}

func TestRunner_Denied(t *testing.T) {
	store := newStore(t)
	seed(t, store, types.VMStatusDown)
	audit := &recordingAudit{}

	registry, err := NewRegistry(NewDetachDisk(store, &fakeUnplugger{}, audit))
	require.NoError(t, err)
	runner := NewRunner(registry, staticAuthorizer(false), audit)

	out, err := runner.Run(context.Background(), Request{
		UserID: "mallory",
		Params: DetachDiskParams{VMID: "vm-1", DiskID: "disk-1"},
	})
	require.NoError(t, err)
	assert.False(t, out.Validation.Valid)
	assert.Equal(t, ReasonPermissionDenied, out.Validation.Reason)
	assert.Equal(t, []events.EventType{events.EventActionDenied}, audit.events)

	_, err = store.GetVMDevice("disk-1", "vm-1")
	assert.NoError(t, err)
}

func TestRunner_Run(t *testing.T) {
	store := newStore(t)
	seed(t, store, types.VMStatusDown)

	registry, err := NewRegistry(NewDetachDisk(store, &fakeUnplugger{}, &recordingAudit{}))
	require.NoError(t, err)
	runner := NewRunner(registry, staticAuthorizer(true), &recordingAudit{})

	out, err := runner.Run(context.Background(), Request{
		UserID: "alice",
		Params: DetachDiskParams{VMID: "vm-1", DiskID: "disk-2"},
	})
	require.NoError(t, err)
	assert.True(t, out.Validation.Valid)
	assert.Contains(t, out.Result.Message, "disk-2")

	// Second run is rejected by validation, not by an error
	out, err = runner.Run(context.Background(), Request{
		UserID: "alice",
		Params: DetachDiskParams{VMID: "vm-1", DiskID: "disk-2"},
	})
	require.NoError(t, err)
	assert.Equal(t, ReasonDiskAlreadyDetached, out.Validation.Reason)

	_, err = runner.Run(context.Background(), Request{Params: MergeStatusParams{}})
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestNewRegistry_Duplicate(t *testing.T) {
	_, err := NewRegistry(NewMergeStatus(&fakePoller{}), NewMergeStatus(&fakePoller{}))
	assert.Error(t, err)

	registry, err := NewRegistry(NewMergeStatus(&fakePoller{}), NewDetachDisk(nil, nil, nil))
	require.NoError(t, err)
	assert.Equal(t, []Kind{KindDetachDisk, KindMergeStatus}, registry.Kinds())
}

func TestMergeStatus_Subjects(t *testing.T) {
	h := NewMergeStatus(&fakePoller{})
	subjects := h.Subjects(Request{Params: MergeStatusParams{Request: types.MergeRequest{StorageDomainID: "sd-1"}}})
	require.Len(t, subjects, 1)
	assert.Equal(t, "sd-1", subjects[0].ObjectID)
	assert.Equal(t, types.ObjectTypeStorage, subjects[0].ObjectType)
	assert.Equal(t, types.ActionGroupManipulateVMSnapshots, subjects[0].Group)
}

func validMergeRequest() types.MergeRequest {
	return types.MergeRequest{
		AttemptID:        "a-1",
		ParentWorkflowID: "wf-1",
		VMID:             "vm-1",
		StoragePoolID:    "pool-1",
		StorageDomainID:  "sd-1",
		ImageGroupID:     "ig-1",
		ActiveImageID:    "img-active",
		BaseImage:        types.DiskImage{ImageID: "base", SnapshotID: "snap-base"},
		TopImage:         types.DiskImage{ImageID: "top", SnapshotID: "snap-top"},
	}
}

func TestRunner_Poll(t *testing.T) {
	poller := &fakePoller{result: types.StepResult{Outcome: types.Committed("top")}}
	registry, err := NewRegistry(NewMergeStatus(poller))
	require.NoError(t, err)

	// Internal polls skip the permission check
	runner := NewRunner(registry, staticAuthorizer(false), &recordingAudit{})

	step, err := runner.Poll(context.Background(), validMergeRequest())
	require.NoError(t, err)
	assert.Equal(t, "a-1", step.AttemptID)
	assert.Equal(t, types.Committed("top"), step.Outcome)
	assert.Equal(t, 1, poller.polls)

	bad := validMergeRequest()
	bad.TopImage.ImageID = "base"
	_, err = runner.Poll(context.Background(), bad)
	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, ReasonInvalidParameters, rejected.Validation.Reason)
	assert.Equal(t, 1, poller.polls)
}

func TestRunner_PollError(t *testing.T) {
	poller := &fakePoller{err: errors.New("stale")}
	registry, err := NewRegistry(NewMergeStatus(poller))
	require.NoError(t, err)
	runner := NewRunner(registry, staticAuthorizer(true), &recordingAudit{})

	_, err = runner.Poll(context.Background(), validMergeRequest())
	assert.EqualError(t, err, "stale")
}
