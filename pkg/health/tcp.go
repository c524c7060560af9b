package health

import (
	"context"
	"net"
	"time"
)

// TCPChecker probes a node by opening a TCP connection to its agent port. It
// only shows that the port accepts connections; GRPCChecker also shows that
// the agent answers.
type TCPChecker struct {
	Address string
	Timeout time.Duration
}

// NewTCPChecker creates a TCPChecker with the default probe timeout
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{
		Address: address,
		Timeout: DefaultConfig().Timeout,
	}
}

// WithTimeout sets the connection timeout
func (t *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	t.Timeout = timeout
	return t
}

// Check dials the agent port
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return newResult(start, false, "agent port %s unreachable: %v", t.Address, err)
	}
	_ = conn.Close()

	return newResult(start, true, "agent port %s open", t.Address)
}

// Type returns the health check type
func (t *TCPChecker) Type() CheckType {
	return CheckTypeTCP
}
