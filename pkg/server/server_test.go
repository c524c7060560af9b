package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cuemby/fleet/pkg/action"
	"github.com/cuemby/fleet/pkg/inventory"
	"github.com/cuemby/fleet/pkg/manager"
	"github.com/cuemby/fleet/pkg/storage"
	"github.com/cuemby/fleet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCluster struct {
	leader bool
	addr   string
}

func (c *fakeCluster) IsLeader() bool     { return c.leader }
func (c *fakeCluster) LeaderAddr() string { return c.addr }

type fakeScheduler struct {
	store     *storage.BoltStore
	err       error
	cancelled []string
}

func (f *fakeScheduler) Submit(req types.MergeRequest) (*types.MergeAttempt, error) {
	if f.err != nil {
		return nil, f.err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	a := &types.MergeAttempt{ID: req.AttemptID, Request: req, State: types.AttemptStatePolling}
	return a, f.store.PutAttempt(a)
}

func (f *fakeScheduler) Cancel(id string) error {
	if _, err := f.store.GetAttempt(id); err != nil {
		return err
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

type fakeRunner struct {
	out action.Outcome
	got action.Request
	err error
}

func (f *fakeRunner) Run(_ context.Context, req action.Request) (action.Outcome, error) {
	f.got = req
	return f.out, f.err
}

type fakeAuthorizer struct {
	granted map[string]bool
	checked []string
}

func (a *fakeAuthorizer) HasPermission(userID string, group types.ActionGroup, objectID string, objectType types.ObjectType) bool {
	a.checked = append(a.checked, string(group)+"/"+string(objectType)+"/"+objectID)
	return a.granted[userID]
}

type fixture struct {
	srv     *Server
	store   *storage.BoltStore
	cluster *fakeCluster
	sched   *fakeScheduler
	runner  *fakeRunner
	authz   *fakeAuthorizer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		store:   store,
		cluster: &fakeCluster{leader: true},
		sched:   &fakeScheduler{store: store},
		runner:  &fakeRunner{},
		authz:   &fakeAuthorizer{granted: map[string]bool{"alice": true}},
	}
	f.srv = NewServer(Deps{
		Cluster:    f.cluster,
		Store:      store,
		Scheduler:  f.sched,
		Runner:     f.runner,
		Authorizer: f.authz,
		Inventory:  store,
	})
	return f
}

func (f *fixture) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func mergeBody(id string) string {
	b, _ := json.Marshal(types.MergeRequest{
		AttemptID:        id,
		ParentWorkflowID: "wf-1",
		VMID:             "vm-1",
		StoragePoolID:    "pool-1",
		StorageDomainID:  "sd-1",
		ImageGroupID:     "ig-1",
		ActiveImageID:    "img-active",
		BaseImage:        types.DiskImage{ImageID: "base"},
		TopImage:         types.DiskImage{ImageID: "top"},
	})
	return string(b)
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"live", http.MethodGet, "/live", http.StatusOK},
		{"metrics", http.MethodGet, "/metrics", http.StatusOK},
		{"ready as leader", http.MethodGet, "/ready", http.StatusOK},
		{"post health not allowed", http.MethodPost, "/health", http.StatusMethodNotAllowed},
		{"delete ready not allowed", http.MethodDelete, "/ready", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(tt.method, tt.path, "")
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestReadyHandler(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/ready", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp ReadyResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, "leader", resp.Checks["raft"])
	assert.Equal(t, "ok (0 merge attempts)", resp.Checks["storage"])

	f.cluster.leader = false
	f.cluster.addr = "10.0.0.2:7946"
	w = f.do(http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Contains(t, resp.Checks["raft"], "10.0.0.2:7946")

	f.cluster.addr = ""
	w = f.do(http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "not ready", resp.Status)
	assert.Equal(t, "Waiting for leader election", resp.Message)
}

func TestReadyHandler_NoDeps(t *testing.T) {
	srv := NewServer(Deps{})
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestMerges(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/v1/merges", mergeBody("a-1"), UserHeader, "alice")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, []string{string(types.ActionGroupManipulateVMSnapshots) + "/" + string(types.ObjectTypeStorage) + "/sd-1"}, f.authz.checked)

	w = f.do(http.MethodGet, "/v1/merges/a-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var view MergeView
	require.NoError(t, json.NewDecoder(w.Body).Decode(&view))
	assert.Equal(t, "a-1", view.Attempt.ID)
	assert.Nil(t, view.Decision)

	require.NoError(t, f.store.PutWorkflow(&types.Workflow{ID: "wf-1", State: types.WorkflowStateActive}))
	_, err := f.store.CommitDecision(&types.MergeDecision{
		AttemptID:        "a-1",
		ParentWorkflowID: "wf-1",
		Outcome:          types.Committed("top"),
	}, types.EncodeStep(types.StepFor(types.Committed("top"))))
	require.NoError(t, err)

	w = f.do(http.MethodGet, "/v1/merges/a-1", "")
	require.NoError(t, json.NewDecoder(w.Body).Decode(&view))
	require.NotNil(t, view.Decision)
	assert.Equal(t, types.OutcomeCommitted, view.Decision.Outcome.Kind)

	w = f.do(http.MethodGet, "/v1/workflows/wf-1", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodGet, "/v1/merges?state=committed", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []*types.MergeAttempt
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	assert.Len(t, list, 1)

	w = f.do(http.MethodDelete, "/v1/merges/a-1", "", UserHeader, "alice")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"a-1"}, f.sched.cancelled)
}

func TestMerges_Errors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		user   string
		setup  func()
		want   int
	}{
		{"unknown attempt", http.MethodGet, "/v1/merges/a-9", "", "", nil, http.StatusNotFound},
		{"unknown workflow", http.MethodGet, "/v1/workflows/wf-9", "", "", nil, http.StatusNotFound},
		{"cancel unknown", http.MethodDelete, "/v1/merges/a-9", "", "alice", nil, http.StatusNotFound},
		{"bad json", http.MethodPost, "/v1/merges", "{", "alice", nil, http.StatusBadRequest},
		{"invalid request", http.MethodPost, "/v1/merges", `{"attemptId":"a-1"}`, "alice", nil, http.StatusBadRequest},
		{"follower", http.MethodPost, "/v1/merges", mergeBody("a-2"), "alice", func() {
			f.sched.err = manager.ErrNotLeader
			f.cluster.addr = "10.0.0.2:7946"
		}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup()
			}
			var header []string
			if tt.user != "" {
				header = []string{UserHeader, tt.user}
			}
			w := f.do(tt.method, tt.path, tt.body, header...)
			assert.Equal(t, tt.want, w.Code, w.Body.String())

			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestMerges_RequireAuthorizedUser(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.PutAttempt(&types.MergeAttempt{
		ID:      "a-1",
		Request: types.MergeRequest{AttemptID: "a-1", StorageDomainID: "sd-1"},
		State:   types.AttemptStatePolling,
	}))

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		header []string
		want   int
	}{
		{"submit without user", http.MethodPost, "/v1/merges", mergeBody("a-2"), nil, http.StatusUnauthorized},
		{"cancel without user", http.MethodDelete, "/v1/merges/a-1", "", nil, http.StatusUnauthorized},
		{"submit without grant", http.MethodPost, "/v1/merges", mergeBody("a-2"), []string{UserHeader, "bob"}, http.StatusForbidden},
		{"cancel without grant", http.MethodDelete, "/v1/merges/a-1", "", []string{UserHeader, "bob"}, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(tt.method, tt.path, tt.body, tt.header...)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}

	_, err := f.store.GetAttempt("a-2")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Empty(t, f.sched.cancelled)
}

func TestMerges_NoAuthorizer(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	srv := NewServer(Deps{Store: store, Scheduler: &fakeScheduler{store: store}})

	req := httptest.NewRequest(http.MethodPost, "/v1/merges", strings.NewReader(mergeBody("a-1")))
	req.Header.Set(UserHeader, "alice")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestDetachDisk(t *testing.T) {
	f := newFixture(t)
	body := `{"vmId":"vm-1","diskId":"disk-1","plugUnplug":true}`

	w := f.do(http.MethodPost, "/v1/actions/detach-disk", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	f.runner.out = action.Outcome{Validation: action.OK(), Result: action.Result{Message: "detached"}}
	w = f.do(http.MethodPost, "/v1/actions/detach-disk", body, UserHeader, "alice")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", f.runner.got.UserID)
	assert.Equal(t, action.DetachDiskParams{VMID: "vm-1", DiskID: "disk-1", PlugUnplug: true}, f.runner.got.Params)

	tests := []struct {
		reason action.Reason
		want   int
	}{
		{action.ReasonPermissionDenied, http.StatusForbidden},
		{action.ReasonVMNotFound, http.StatusNotFound},
		{action.ReasonDiskAlreadyDetached, http.StatusConflict},
		{action.ReasonVMNotDown, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			f.runner.out = action.Outcome{Validation: action.Reject(tt.reason, "nope")}
			w := f.do(http.MethodPost, "/v1/actions/detach-disk", body, UserHeader, "alice")
			assert.Equal(t, tt.want, w.Code)

			var vr action.ValidationResult
			require.NoError(t, json.NewDecoder(w.Body).Decode(&vr))
			assert.Equal(t, tt.reason, vr.Reason)
		})
	}

	f.runner.out = action.Outcome{}
	f.runner.err = errors.New("failed to read disk disk-1: database not open")
	w = f.do(http.MethodPost, "/v1/actions/detach-disk", body, UserHeader, "alice")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestApplyInventory(t *testing.T) {
	f := newFixture(t)
	body := `{
		"nodes": [{"id": "node-a", "address": "10.0.0.1:54321"}],
		"disks": [{"id": "disk-1", "interface": "virtio", "activeImageId": "img-1"}],
		"vms": [{"id": "vm-1", "node": "node-a", "status": "up", "disks": [{"diskId": "disk-1"}]}]
	}`

	w := f.do(http.MethodPost, "/v1/inventory", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodPost, "/v1/inventory", body, UserHeader, "bob")
	assert.Equal(t, http.StatusForbidden, w.Code)
	_, err := f.store.GetVM("vm-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	w = f.do(http.MethodPost, "/v1/inventory", body, UserHeader, "alice")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var sum inventory.Summary
	require.NoError(t, json.NewDecoder(w.Body).Decode(&sum))
	assert.Equal(t, inventory.Summary{Nodes: 1, Disks: 1, VMs: 1, Devices: 1}, sum)
	assert.Contains(t, f.authz.checked, string(types.ActionGroupManageInventory)+"/"+string(types.ObjectTypeSystem)+"/*")

	vm, err := f.store.GetVM("vm-1")
	require.NoError(t, err)
	assert.Equal(t, "node-a", vm.NodeID)

	w = f.do(http.MethodPost, "/v1/inventory", `{"vms": [{"id": "vm-2", "node": "node-z"}]}`, UserHeader, "alice")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Contains(t, resp.Error, "unknown node node-z")
}
