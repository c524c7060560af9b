package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/fleet/pkg/events"
	"github.com/cuemby/fleet/pkg/storage"
	"github.com/cuemby/fleet/pkg/types"
)

// BrokerSignal delivers parent workflow signals as workflow.advanced events
type BrokerSignal struct {
	broker *events.Broker
}

// NewBrokerSignal creates a signal publishing on broker
func NewBrokerSignal(broker *events.Broker) *BrokerSignal {
	return &BrokerSignal{broker: broker}
}

func (s *BrokerSignal) AdvanceParentWorkflow(ctx context.Context, parentID string, result types.StepResult) error {
	s.broker.Publish(&events.Event{
		Type:    events.EventWorkflowAdvanced,
		Message: fmt.Sprintf("workflow %s continues with %s", parentID, result.Next.StepName()),
		Metadata: map[string]string{
			"WorkflowId": parentID,
			"AttemptId":  result.AttemptID,
			"Outcome":    result.Outcome.String(),
			"NextStep":   string(result.Next.StepName()),
		},
	})
	return nil
}

// WorkflowWriter creates workflow records
type WorkflowWriter interface {
	GetWorkflow(id string) (*types.Workflow, error)
	PutWorkflow(wf *types.Workflow) error
}

// Open makes sure an active snapshot removal workflow exists for parentID,
// positioned at the merge status step. Existing workflows are left as they are.
func Open(w WorkflowWriter, parentID string) (*types.Workflow, error) {
	wf, err := w.GetWorkflow(parentID)
	if err == nil {
		return wf, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	wf = &types.Workflow{
		ID:        parentID,
		Kind:      types.WorkflowRemoveSnapshotSingleDisk,
		State:     types.WorkflowStateActive,
		Step:      types.EncodeStep(types.MergeStatusStep{}),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := w.PutWorkflow(wf); err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}
	return wf, nil
}
