package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/fleet/pkg/events"
	"github.com/cuemby/fleet/pkg/log"
	"github.com/cuemby/fleet/pkg/storage"
	"github.com/cuemby/fleet/pkg/types"
)

// ErrStaleAttempt is returned for attempts whose parent workflow is gone or
// no longer active
var ErrStaleAttempt = errors.New("stale merge attempt")

// DecisionStore is the durable side of outcome propagation
type DecisionStore interface {
	GetWorkflow(id string) (*types.Workflow, error)
	GetDecision(attemptID string) (*types.MergeDecision, error)
	CommitDecision(decision *types.MergeDecision, step types.StepRecord) (bool, error)
}

// Signal notifies the parent workflow that one of its steps was decided
type Signal interface {
	AdvanceParentWorkflow(ctx context.Context, parentID string, result types.StepResult) error
}

// AuditSink is the fire-and-forget audit log
type AuditSink interface {
	Emit(eventType events.EventType, values map[string]string)
}

// Propagator records terminal merge outcomes and advances the parent workflow
type Propagator struct {
	store  DecisionStore
	signal Signal
	audit  AuditSink
	now    func() time.Time
}

// NewPropagator creates a Propagator
func NewPropagator(store DecisionStore, signal Signal, audit AuditSink) *Propagator {
	return &Propagator{
		store:  store,
		signal: signal,
		audit:  audit,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Resolve returns the recorded decision of an attempt, or nil when the
// attempt is undecided and its parent workflow is still active.
func (p *Propagator) Resolve(attemptID, parentID string) (*types.MergeDecision, error) {
	decision, err := p.store.GetDecision(attemptID)
	switch {
	case err == nil:
		return decision, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("failed to read decision: %w", err)
	}

	wf, err := p.store.GetWorkflow(parentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: parent workflow %s does not exist", ErrStaleAttempt, parentID)
		}
		return nil, fmt.Errorf("failed to read parent workflow: %w", err)
	}
	if wf.State != types.WorkflowStateActive {
		return nil, fmt.Errorf("%w: parent workflow %s is %s", ErrStaleAttempt, parentID, wf.State)
	}
	return nil, nil
}

// ReportOutcome durably records a terminal outcome and, the first time only,
// signals the parent workflow. It reports whether this call recorded the
// decision; pending outcomes and replays of a recorded one return false.
func (p *Propagator) ReportOutcome(ctx context.Context, parentID, attemptID string, outcome types.MergeOutcome) (bool, error) {
	if !outcome.IsTerminal() {
		return false, nil
	}

	logger := log.WithComponent("workflow").With().
		Str("workflow_id", parentID).
		Str("attempt_id", attemptID).
		Logger()

	next := types.StepFor(outcome)
	decision := &types.MergeDecision{
		AttemptID:        attemptID,
		ParentWorkflowID: parentID,
		Outcome:          outcome,
		DecidedAt:        p.now(),
	}

	applied, err := p.store.CommitDecision(decision, types.EncodeStep(next))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrWorkflowClosed) {
			return false, fmt.Errorf("%w: %v", ErrStaleAttempt, err)
		}
		return false, fmt.Errorf("failed to record decision: %w", err)
	}
	if !applied {
		logger.Debug().Str("outcome", outcome.String()).Msg("Decision already recorded")
		return false, nil
	}

	logger.Info().
		Str("outcome", outcome.String()).
		Str("next_step", string(next.StepName())).
		Msg("Merge decision recorded")

	p.emit(parentID, attemptID, outcome)

	// The step is already durable; a lost signal is recovered from the workflow record
	result := types.StepResult{AttemptID: attemptID, Outcome: outcome, Next: next}
	if err := p.signal.AdvanceParentWorkflow(ctx, parentID, result); err != nil {
		logger.Error().Err(err).Msg("Failed to signal parent workflow")
	}
	return true, nil
}

func (p *Propagator) emit(parentID, attemptID string, outcome types.MergeOutcome) {
	values := map[string]string{
		"WorkflowId": parentID,
		"AttemptId":  attemptID,
	}
	switch outcome.Kind {
	case types.OutcomeCommitted:
		values["RemovedVolumeId"] = outcome.RemovedVolume
		values["MergeType"] = string(outcome.MergeType)
		p.audit.Emit(events.EventMergeCommitted, values)
	case types.OutcomeFailed:
		values["Reason"] = string(outcome.Reason)
		values["Detail"] = outcome.Detail
		p.audit.Emit(events.EventMergeFailed, values)
	}
}
