package gateway

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrNodeUnreachable means the node could not be reached within the call timeout
	ErrNodeUnreachable = errors.New("node unreachable")

	// ErrMalformedResponse means the node answered with a payload that does not parse
	ErrMalformedResponse = errors.New("malformed node response")

	// ErrVMNotFound means the node answered without the requested VM
	ErrVMNotFound = errors.New("vm not found on node")

	// ErrEmptyPayload means the node answered with an empty result set
	ErrEmptyPayload = errors.New("empty node response")

	// ErrRejected means the node refused the request
	ErrRejected = errors.New("node rejected request")

	// ErrNoCoordinator means the storage pool has no coordinator to query
	ErrNoCoordinator = errors.New("storage pool has no coordinator")
)

// Kind separates failures worth retrying at the transport level from
// answers the node gave but that cannot be used
type Kind string

const (
	KindTransport Kind = "transport"
	KindSemantic  Kind = "semantic"
)

// Error is the typed failure returned by every gateway call
type Error struct {
	Kind   Kind
	Op     string
	NodeID string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s on node %s: %s: %v", e.Op, e.NodeID, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is a gateway transport failure
func IsTransport(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Kind == KindTransport
}

func semantic(op, nodeID string, err error) *Error {
	return &Error{Kind: KindSemantic, Op: op, NodeID: nodeID, Err: err}
}

// classify maps a gRPC failure to a gateway error
func classify(op, nodeID string, err error) *Error {
	st := status.Convert(err)
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return &Error{Kind: KindTransport, Op: op, NodeID: nodeID,
			Err: fmt.Errorf("%w: %s", ErrNodeUnreachable, st.Message())}
	case codes.NotFound:
		return semantic(op, nodeID, fmt.Errorf("%w: %s", ErrVMNotFound, st.Message()))
	default:
		return semantic(op, nodeID, fmt.Errorf("%w: %s: %s", ErrRejected, st.Code(), st.Message()))
	}
}

// toStatus is the server-side inverse of classify
func toStatus(err error) error {
	switch {
	case errors.Is(err, ErrVMNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrNoCoordinator), errors.Is(err, ErrRejected):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
