package types

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// VolumeChain is the set of volume ids currently backing one disk.
// It is rebuilt on every poll and never persisted.
type VolumeChain map[string]struct{}

// NewVolumeChain builds a chain from volume ids, dropping duplicates
func NewVolumeChain(ids ...string) VolumeChain {
	c := make(VolumeChain, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		c[id] = struct{}{}
	}
	return c
}

// Contains reports whether the volume is a member of the chain
func (c VolumeChain) Contains(id string) bool {
	_, ok := c[id]
	return ok
}

// Len returns the number of volumes in the chain
func (c VolumeChain) Len() int {
	return len(c)
}

// IsEmpty is true for nil and empty chains
func (c VolumeChain) IsEmpty() bool {
	return len(c) == 0
}

// IDs returns the members sorted, for logging and assertions
func (c VolumeChain) IDs() []string {
	ids := make([]string, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MergeRequest is the immutable input of one live merge reconciliation attempt
type MergeRequest struct {
	AttemptID        string    `json:"attemptId" yaml:"attemptId"`
	ParentWorkflowID string    `json:"parentWorkflowId" yaml:"parentWorkflowId"`
	VMID             string    `json:"vmId" yaml:"vmId"`
	NodeID           string    `json:"nodeId,omitempty" yaml:"nodeId,omitempty"`
	StoragePoolID    string    `json:"storagePoolId" yaml:"storagePoolId"`
	StorageDomainID  string    `json:"storageDomainId" yaml:"storageDomainId"`
	ImageGroupID     string    `json:"imageGroupId" yaml:"imageGroupId"`
	ActiveImageID    string    `json:"activeImageId" yaml:"activeImageId"`
	BaseImage        DiskImage `json:"baseImage" yaml:"baseImage"`
	TopImage         DiskImage `json:"topImage" yaml:"topImage"`
}

// ErrInvalidRequest is wrapped by MergeRequest.Validate
var ErrInvalidRequest = errors.New("invalid merge request")

// Validate checks that every identifier needed by the state machine is present
func (r MergeRequest) Validate() error {
	missing := func(name string) error {
		return fmt.Errorf("%w: %s is required", ErrInvalidRequest, name)
	}
	switch {
	case r.AttemptID == "":
		return missing("attemptId")
	case r.ParentWorkflowID == "":
		return missing("parentWorkflowId")
	case r.VMID == "":
		return missing("vmId")
	case r.StoragePoolID == "":
		return missing("storagePoolId")
	case r.StorageDomainID == "":
		return missing("storageDomainId")
	case r.ImageGroupID == "":
		return missing("imageGroupId")
	case r.ActiveImageID == "":
		return missing("activeImageId")
	case r.BaseImage.ImageID == "":
		return missing("baseImage.imageId")
	case r.TopImage.ImageID == "":
		return missing("topImage.imageId")
	case r.BaseImage.ImageID == r.TopImage.ImageID:
		return fmt.Errorf("%w: base and top image are the same volume %s", ErrInvalidRequest, r.TopImage.ImageID)
	}
	return nil
}

// OutcomeKind is the decision of one poll
type OutcomeKind string

const (
	OutcomePending   OutcomeKind = "pending"
	OutcomeCommitted OutcomeKind = "committed"
	OutcomeFailed    OutcomeKind = "failed"
)

// MergeType is the block job type that removed the top volume
type MergeType string

// MergeTypeCommit is the only merge type supported
const MergeTypeCommit MergeType = "commit"

// FailureReason distinguishes irrecoverable merge failures
type FailureReason string

const (
	FailureTopStillPresent FailureReason = "top_still_present"
	FailureBaseMissing     FailureReason = "base_missing"
)

// MergeOutcome is produced once per poll. Only Committed and Failed are terminal.
type MergeOutcome struct {
	Kind          OutcomeKind   `json:"kind"`
	RemovedVolume string        `json:"removedVolume,omitempty"`
	MergeType     MergeType     `json:"mergeType,omitempty"`
	Reason        FailureReason `json:"reason,omitempty"`
	Detail        string        `json:"detail,omitempty"`
}

// Pending returns a non-terminal outcome
func Pending() MergeOutcome {
	return MergeOutcome{Kind: OutcomePending}
}

// Committed returns the outcome of a merge that removed volume from the chain
func Committed(volume string) MergeOutcome {
	return MergeOutcome{Kind: OutcomeCommitted, RemovedVolume: volume, MergeType: MergeTypeCommit}
}

// Failed returns an irrecoverable outcome
func Failed(reason FailureReason, detail string) MergeOutcome {
	return MergeOutcome{Kind: OutcomeFailed, Reason: reason, Detail: detail}
}

// IsTerminal reports whether the outcome ends the attempt
func (o MergeOutcome) IsTerminal() bool {
	return o.Kind == OutcomeCommitted || o.Kind == OutcomeFailed
}

func (o MergeOutcome) String() string {
	switch o.Kind {
	case OutcomeCommitted:
		return fmt.Sprintf("committed(%s)", o.RemovedVolume)
	case OutcomeFailed:
		return fmt.Sprintf("failed(%s)", o.Reason)
	default:
		return string(o.Kind)
	}
}

// MergeDecision is the durable record of a terminal outcome for one attempt
type MergeDecision struct {
	AttemptID        string       `json:"attemptId"`
	ParentWorkflowID string       `json:"parentWorkflowId"`
	Outcome          MergeOutcome `json:"outcome"`
	DecidedAt        time.Time    `json:"decidedAt"`
}

// SameOutcome reports whether two decisions record the same result
func (d *MergeDecision) SameOutcome(other *MergeDecision) bool {
	return d.AttemptID == other.AttemptID &&
		d.ParentWorkflowID == other.ParentWorkflowID &&
		d.Outcome == other.Outcome
}

// AttemptState is the scheduler lifecycle of an attempt
type AttemptState string

const (
	AttemptStatePolling   AttemptState = "polling"
	AttemptStateCommitted AttemptState = "committed"
	AttemptStateFailed    AttemptState = "failed"
	AttemptStateCancelled AttemptState = "cancelled"
)

// MergeAttempt tracks the polling of one MergeRequest across restarts
type MergeAttempt struct {
	ID           string
	Request      MergeRequest
	State        AttemptState
	Polls        int
	LastOutcome  MergeOutcome
	LastError    string
	CreatedAt    time.Time
	LastPolledAt time.Time
}

// Active reports whether the attempt still needs polling
func (a *MergeAttempt) Active() bool {
	return a.State == AttemptStatePolling
}

// NodeSnapshot is a best-effort view of one VM on a compute node
type NodeSnapshot struct {
	NodeID  string
	VMID    string
	Status  VMStatus
	Devices []DeviceState
}

// DeviceState is one device entry of a NodeSnapshot
type DeviceState struct {
	Type        DeviceType
	ImageID     string
	VolumeChain []string
}

// ChainFor returns the volume chain of the disk whose image id matches.
// An unknown image yields an empty chain, not an error.
func (s *NodeSnapshot) ChainFor(imageID string) VolumeChain {
	for _, d := range s.Devices {
		if d.Type == DeviceTypeDisk && d.ImageID == imageID {
			return NewVolumeChain(d.VolumeChain...)
		}
	}
	return VolumeChain{}
}
