package health

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCChecker probes a node agent with the standard gRPC health protocol
type GRPCChecker struct {
	Address string

	// Service is the health service name to query; empty means the whole server
	Service string

	Timeout     time.Duration
	DialOptions []grpc.DialOption
}

// NewGRPCChecker creates a new gRPC health checker
func NewGRPCChecker(address, service string) *GRPCChecker {
	return &GRPCChecker{
		Address: address,
		Service: service,
		Timeout: DefaultConfig().Timeout,
		DialOptions: []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		},
	}
}

// Check performs the gRPC health probe
func (g *GRPCChecker) Check(ctx context.Context) Result {
	start := time.Now()
	fail := func(format string, args ...any) Result {
		return newResult(start, false, format, args...)
	}

	conn, err := grpc.NewClient(g.Address, g.DialOptions...)
	if err != nil {
		return fail("failed to create client: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: g.Service})
	if err != nil {
		return fail("health check failed: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fail("service %q is %s", g.Service, resp.GetStatus())
	}

	return newResult(start, true, "%s serving", g.Address)
}

// Type returns the health check type
func (g *GRPCChecker) Type() CheckType {
	return CheckTypeGRPC
}
