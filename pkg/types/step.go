package types

import (
	"fmt"
)

// ParentStep is the next step of a snapshot removal workflow. The set of
// implementations is closed; callers switch over the concrete types.
type ParentStep interface {
	StepName() StepName
	parentStep()
}

// StepName is the stable name of a ParentStep, used in records and logs
type StepName string

const (
	StepMerge        StepName = "merge"
	StepMergeStatus  StepName = "merge_status"
	StepDestroyImage StepName = "destroy_image"
	StepAbort        StepName = "abort"
)

// MergeStep starts the block job on the node
type MergeStep struct{}

// MergeStatusStep polls the merge until it settles
type MergeStatusStep struct{}

// DestroyImageStep deletes the volumes the merge removed from the chain
type DestroyImageStep struct {
	Volumes   []string
	MergeType MergeType
}

// AbortStep stops the workflow and waits for an operator
type AbortStep struct {
	Reason FailureReason
	Detail string
}

func (MergeStep) StepName() StepName        { return StepMerge }
func (MergeStatusStep) StepName() StepName  { return StepMergeStatus }
func (DestroyImageStep) StepName() StepName { return StepDestroyImage }
func (AbortStep) StepName() StepName        { return StepAbort }

func (MergeStep) parentStep()        {}
func (MergeStatusStep) parentStep()  {}
func (DestroyImageStep) parentStep() {}
func (AbortStep) parentStep()        {}

// StepFor maps a poll outcome to the step the parent workflow continues with
func StepFor(o MergeOutcome) ParentStep {
	switch o.Kind {
	case OutcomeCommitted:
		return DestroyImageStep{Volumes: []string{o.RemovedVolume}, MergeType: o.MergeType}
	case OutcomeFailed:
		return AbortStep{Reason: o.Reason, Detail: o.Detail}
	default:
		return MergeStatusStep{}
	}
}

// StepRecord is the serialized form of a ParentStep
type StepRecord struct {
	Name      StepName      `json:"name"`
	Volumes   []string      `json:"volumes,omitempty"`
	MergeType MergeType     `json:"mergeType,omitempty"`
	Reason    FailureReason `json:"reason,omitempty"`
	Detail    string        `json:"detail,omitempty"`
}

// EncodeStep flattens a step for storage
func EncodeStep(step ParentStep) StepRecord {
	switch s := step.(type) {
	case MergeStep:
		return StepRecord{Name: StepMerge}
	case MergeStatusStep:
		return StepRecord{Name: StepMergeStatus}
	case DestroyImageStep:
		return StepRecord{Name: StepDestroyImage, Volumes: s.Volumes, MergeType: s.MergeType}
	case AbortStep:
		return StepRecord{Name: StepAbort, Reason: s.Reason, Detail: s.Detail}
	default:
		panic(fmt.Sprintf("types: unhandled parent step %T", step))
	}
}

// Decode rebuilds the ParentStep held by the record
func (r StepRecord) Decode() (ParentStep, error) {
	switch r.Name {
	case StepMerge:
		return MergeStep{}, nil
	case StepMergeStatus:
		return MergeStatusStep{}, nil
	case StepDestroyImage:
		if len(r.Volumes) == 0 {
			return nil, fmt.Errorf("destroy_image step without volumes")
		}
		return DestroyImageStep{Volumes: r.Volumes, MergeType: r.MergeType}, nil
	case StepAbort:
		return AbortStep{Reason: r.Reason, Detail: r.Detail}, nil
	default:
		return nil, fmt.Errorf("unknown parent step %q", r.Name)
	}
}

// StepResult is the payload handed to the parent workflow when a decision is made
type StepResult struct {
	AttemptID string
	Outcome   MergeOutcome
	Next      ParentStep
}
