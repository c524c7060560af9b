package action

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/fleet/pkg/authz"
	"github.com/cuemby/fleet/pkg/types"
)

// ErrUnknownAction is returned for a Kind with no registered handler
var ErrUnknownAction = errors.New("unknown action")

// Kind names an action. The set is closed; handlers are found in a Registry.
type Kind string

const (
	KindDetachDisk  Kind = "detach_disk"
	KindMergeStatus Kind = "merge_status"
)

// Reason is why validation rejected a request
type Reason string

const (
	ReasonVMNotFound           Reason = "ACTION_TYPE_FAILED_VM_NOT_FOUND"
	ReasonDiskNotFound         Reason = "ACTION_TYPE_FAILED_DISK_NOT_EXIST"
	ReasonVMStatusIllegal      Reason = "ACTION_TYPE_FAILED_VM_STATUS_ILLEGAL"
	ReasonDiskAlreadyDetached  Reason = "ACTION_TYPE_FAILED_DISK_ALREADY_DETACHED"
	ReasonHotPlugUnsupported   Reason = "HOT_PLUG_IS_NOT_SUPPORTED"
	ReasonOSHotPlugUnsupported Reason = "ACTION_TYPE_FAILED_GUEST_OS_VERSION_IS_NOT_SUPPORTED"
	ReasonInterfaceUnsupported Reason = "HOT_PLUG_DISK_IS_NOT_VIRTIO"
	ReasonVMNotDown            Reason = "ACTION_TYPE_FAILED_VM_IS_NOT_DOWN"
	ReasonInvalidParameters    Reason = "ACTION_TYPE_FAILED_INVALID_PARAMETERS"
	ReasonPermissionDenied     Reason = "USER_NOT_AUTHORIZED_TO_PERFORM_ACTION"
)

// ValidationResult is the verdict of the validate phase. Rejections are
// values, not errors.
type ValidationResult struct {
	Valid  bool   `json:"valid"`
	Reason Reason `json:"reason,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// OK accepts a request
func OK() ValidationResult {
	return ValidationResult{Valid: true}
}

// Reject refuses a request with a reason
func Reject(reason Reason, format string, args ...any) ValidationResult {
	return ValidationResult{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Params is the parameter payload of one action kind
type Params interface {
	Kind() Kind
	params()
}

// DetachDiskParams detaches a disk from a VM. PlugUnplug asks for a hot
// unplug on the node when the VM is not down.
type DetachDiskParams struct {
	VMID       string `json:"vmId"`
	DiskID     string `json:"diskId"`
	PlugUnplug bool   `json:"plugUnplug"`
}

// MergeStatusParams polls one live merge attempt
type MergeStatusParams struct {
	Request types.MergeRequest `json:"request"`
}

func (DetachDiskParams) Kind() Kind  { return KindDetachDisk }
func (MergeStatusParams) Kind() Kind { return KindMergeStatus }

func (DetachDiskParams) params()  {}
func (MergeStatusParams) params() {}

// Request is one invocation of an action
type Request struct {
	ID     string
	UserID string

	// Internal requests are issued by the control plane itself and skip
	// permission checks
	Internal bool

	Params Params
}

// Result is what a successful execute phase returns
type Result struct {
	Message string
	Step    *types.StepResult
}

// Prepared is a validated request, bound to the entities validation loaded.
// It belongs to one invocation and is discarded afterwards.
type Prepared interface {
	Execute(ctx context.Context) (Result, error)
}

// Handler implements one action kind
type Handler interface {
	Kind() Kind

	// Subjects lists the capabilities required to run req
	Subjects(req Request) []authz.Subject

	// Validate is read-only. Checks run in order and stop at the first
	// rejection. The error is reserved for failures to read state.
	Validate(ctx context.Context, req Request) (Prepared, ValidationResult, error)
}

// RejectedError wraps a validation rejection for callers that need an error
type RejectedError struct {
	Kind       Kind
	Validation ValidationResult
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected: %s: %s", e.Kind, e.Validation.Reason, e.Validation.Detail)
}
