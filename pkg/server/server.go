package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/fleet/pkg/action"
	"github.com/cuemby/fleet/pkg/authz"
	"github.com/cuemby/fleet/pkg/inventory"
	"github.com/cuemby/fleet/pkg/log"
	"github.com/cuemby/fleet/pkg/manager"
	"github.com/cuemby/fleet/pkg/metrics"
	"github.com/cuemby/fleet/pkg/storage"
	"github.com/cuemby/fleet/pkg/types"
	"github.com/gorilla/mux"
)

// UserHeader carries the id of the user an action runs as
const UserHeader = "X-Fleet-User"

// Cluster reports the raft role of this manager
type Cluster interface {
	IsLeader() bool
	LeaderAddr() string
}

// Reader is the state the inspection endpoints read
type Reader interface {
	GetAttempt(id string) (*types.MergeAttempt, error)
	ListAttempts() ([]*types.MergeAttempt, error)
	GetDecision(attemptID string) (*types.MergeDecision, error)
	GetWorkflow(id string) (*types.Workflow, error)
}

// Scheduler accepts and cancels merge attempts
type Scheduler interface {
	Submit(req types.MergeRequest) (*types.MergeAttempt, error)
	Cancel(attemptID string) error
}

// Runner executes user actions
type Runner interface {
	Run(ctx context.Context, req action.Request) (action.Outcome, error)
}

// Deps are the collaborators of a Server. Cluster may be nil. A nil
// Authorizer denies every change, and the inventory route is only served
// when Inventory is set.
type Deps struct {
	Cluster    Cluster
	Store      Reader
	Scheduler  Scheduler
	Runner     Runner
	Authorizer authz.Authorizer
	Inventory  inventory.Store
}

// Server serves the ops HTTP endpoints: health, metrics and merge attempt inspection
type Server struct {
	router *mux.Router
	deps   Deps
	http   *http.Server
}

// NewServer creates the ops server and registers its routes
func NewServer(d Deps) *Server {
	s := &Server{router: mux.NewRouter(), deps: d}

	s.router.HandleFunc("/health", metrics.HealthHandler()).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.readyHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/ready/components", metrics.ReadyHandler()).Methods(http.MethodGet)
	s.router.HandleFunc("/live", metrics.LivenessHandler()).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler())

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/merges", s.listMerges).Methods(http.MethodGet)
	v1.HandleFunc("/merges", s.submitMerge).Methods(http.MethodPost)
	v1.HandleFunc("/merges/{id}", s.getMerge).Methods(http.MethodGet)
	v1.HandleFunc("/merges/{id}", s.cancelMerge).Methods(http.MethodDelete)
	v1.HandleFunc("/workflows/{id}", s.getWorkflow).Methods(http.MethodGet)
	v1.HandleFunc("/actions/detach-disk", s.detachDisk).Methods(http.MethodPost)
	if d.Inventory != nil {
		v1.HandleFunc("/inventory", s.applyInventory).Methods(http.MethodPost)
	}

	return s
}

// Handler returns the HTTP handler for embedding in other servers
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr and serves until Shutdown
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger := log.WithComponent("server")
	logger.Info().Str("addr", addr).Msg("Ops server listening")

	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// ErrorResponse is the body of every non-2xx answer
type ErrorResponse struct {
	Error  string `json:"error"`
	Leader string `json:"leader,omitempty"`
}

// MergeView is an attempt together with its decision, if any
type MergeView struct {
	Attempt  *types.MergeAttempt  `json:"attempt"`
	Decision *types.MergeDecision `json:"decision,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps well-known errors to status codes
func (s *Server) writeError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error()}
	code := http.StatusInternalServerError

	switch {
	case errors.Is(err, storage.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, authz.ErrPermissionDenied):
		code = http.StatusForbidden
	case errors.Is(err, types.ErrInvalidRequest), errors.Is(err, inventory.ErrInvalid):
		code = http.StatusBadRequest
	case errors.Is(err, manager.ErrNotLeader):
		code = http.StatusServiceUnavailable
		if s.deps.Cluster != nil {
			resp.Leader = s.deps.Cluster.LeaderAddr()
		}
	}
	writeJSON(w, code, resp)
}

func (s *Server) listMerges(w http.ResponseWriter, r *http.Request) {
	attempts, err := s.deps.Store.ListAttempts()
	if err != nil {
		s.writeError(w, err)
		return
	}

	state := types.AttemptState(r.URL.Query().Get("state"))
	out := make([]*types.MergeAttempt, 0, len(attempts))
	for _, a := range attempts {
		if state == "" || a.State == state {
			out = append(out, a)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getMerge(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	attempt, err := s.deps.Store.GetAttempt(id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	view := MergeView{Attempt: attempt}
	decision, err := s.deps.Store.GetDecision(id)
	switch {
	case err == nil:
		view.Decision = decision
	case !errors.Is(err, storage.ErrNotFound):
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// requireUser reads the acting user, answering 401 when it is missing
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := r.Header.Get(UserHeader)
	if user == "" {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "missing " + UserHeader + " header"})
		return "", false
	}
	return user, true
}

func (s *Server) authorize(user string, subjects []authz.Subject) error {
	if s.deps.Authorizer == nil {
		return fmt.Errorf("%w: no authorizer configured", authz.ErrPermissionDenied)
	}
	return authz.Check(s.deps.Authorizer, user, subjects)
}

// authorizeMerge checks that user may drive the merge described by req
func (s *Server) authorizeMerge(user string, req types.MergeRequest) error {
	if err := s.authorize(user, action.MergeSubjects(req)); err != nil {
		logger := log.WithAttempt("server", req.AttemptID, req.VMID)
		logger.Warn().Err(err).Str("user_id", user).Msg("Merge request denied")
		return err
	}
	return nil
}

func (s *Server) submitMerge(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req types.MergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.authorizeMerge(user, req); err != nil {
		s.writeError(w, err)
		return
	}

	attempt, err := s.deps.Scheduler.Submit(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, attempt)
}

func (s *Server) cancelMerge(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	attempt, err := s.deps.Store.GetAttempt(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.authorizeMerge(user, attempt.Request); err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.deps.Scheduler.Cancel(attempt.ID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Store.GetWorkflow(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) detachDisk(w http.ResponseWriter, r *http.Request) {
	var params action.DetachDiskParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}

	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	out, err := s.deps.Runner.Run(r.Context(), action.Request{UserID: user, Params: params})
	if err != nil {
		s.writeError(w, err)
		return
	}

	switch {
	case out.Validation.Valid:
		writeJSON(w, http.StatusOK, out.Result)
	case out.Validation.Reason == action.ReasonPermissionDenied:
		writeJSON(w, http.StatusForbidden, out.Validation)
	case out.Validation.Reason == action.ReasonVMNotFound, out.Validation.Reason == action.ReasonDiskNotFound:
		writeJSON(w, http.StatusNotFound, out.Validation)
	default:
		writeJSON(w, http.StatusConflict, out.Validation)
	}
}

// inventorySubjects is the system wide grant needed to change the inventory
var inventorySubjects = []authz.Subject{{
	ObjectID:   "*",
	ObjectType: types.ObjectTypeSystem,
	Group:      types.ActionGroupManageInventory,
}}

func (s *Server) applyInventory(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	var doc inventory.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := s.authorize(user, inventorySubjects); err != nil {
		logger := log.WithComponent("server")
		logger.Warn().Err(err).Str("user_id", user).Msg("Inventory change denied")
		s.writeError(w, err)
		return
	}

	sum, err := inventory.Apply(s.deps.Inventory, &doc)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
