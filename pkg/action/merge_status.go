package action

import (
	"context"
	"fmt"

	"github.com/cuemby/fleet/pkg/authz"
	"github.com/cuemby/fleet/pkg/types"
)

// Poller runs one reconciliation cycle of a merge attempt
type Poller interface {
	Poll(ctx context.Context, req types.MergeRequest) (types.StepResult, error)
}

// MergeStatus exposes one poll of the live merge state machine as an action
type MergeStatus struct {
	poller Poller
}

// NewMergeStatus creates the merge status handler
func NewMergeStatus(poller Poller) *MergeStatus {
	return &MergeStatus{poller: poller}
}

func (h *MergeStatus) Kind() Kind { return KindMergeStatus }

func (h *MergeStatus) Subjects(req Request) []authz.Subject {
	p, ok := req.Params.(MergeStatusParams)
	if !ok {
		return nil
	}
	return MergeSubjects(p.Request)
}

// MergeSubjects are the capabilities needed to drive a merge of req, both
// when it is submitted or cancelled and when it is polled on a user's behalf
func MergeSubjects(req types.MergeRequest) []authz.Subject {
	return []authz.Subject{{
		ObjectID:   req.StorageDomainID,
		ObjectType: types.ObjectTypeStorage,
		Group:      types.ActionGroupManipulateVMSnapshots,
	}}
}

func (h *MergeStatus) Validate(_ context.Context, req Request) (Prepared, ValidationResult, error) {
	p, ok := req.Params.(MergeStatusParams)
	if !ok {
		return nil, Reject(ReasonInvalidParameters, "expected merge status parameters, got %T", req.Params), nil
	}
	if err := p.Request.Validate(); err != nil {
		return nil, Reject(ReasonInvalidParameters, "%v", err), nil
	}
	return &mergeStatus{poller: h.poller, req: p.Request}, OK(), nil
}

type mergeStatus struct {
	poller Poller
	req    types.MergeRequest
}

func (m *mergeStatus) Execute(ctx context.Context) (Result, error) {
	step, err := m.poller.Poll(ctx, m.req)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Message: fmt.Sprintf("attempt %s: %s", m.req.AttemptID, step.Outcome),
		Step:    &step,
	}, nil
}
