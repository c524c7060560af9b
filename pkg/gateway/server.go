package gateway

import (
	"context"

	"github.com/cuemby/fleet/pkg/types"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"
)

// NodeAgent is the node-side implementation of the gateway calls
type NodeAgent interface {
	// FullList reports the listed VMs, or every VM when vmIDs is empty.
	// Unknown ids are left out of the result.
	FullList(ctx context.Context, vmIDs []string) ([]*types.NodeSnapshot, error)

	ReconcileVolumeChain(ctx context.Context, req ChainRequest) ([]string, error)

	HotUnplugDisk(ctx context.Context, vmID, imageID string) error
}

type agentCall func(ctx context.Context, agent NodeAgent, req map[string]any) (map[string]any, error)

func unary(method string, call agentCall) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		run := func(ctx context.Context, req any) (any, error) {
			out, err := call(ctx, srv.(NodeAgent), req.(*structpb.Struct).AsMap())
			if err != nil {
				return nil, toStatus(err)
			}
			return structpb.NewStruct(out)
		}
		if interceptor == nil {
			return run(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, in, info, run)
	}
}

var nodeAgentServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*NodeAgent)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "FullList",
			Handler: unary(methodFullList, func(ctx context.Context, agent NodeAgent, req map[string]any) (map[string]any, error) {
				vms, err := agent.FullList(ctx, strList(req[keyVMList]))
				if err != nil {
					return nil, err
				}
				return encodeSnapshots(vms), nil
			}),
		},
		{
			MethodName: "ReconcileVolumeChain",
			Handler: unary(methodReconcileVolumeChain, func(ctx context.Context, agent NodeAgent, req map[string]any) (map[string]any, error) {
				volumes, err := agent.ReconcileVolumeChain(ctx, decodeChainRequest(req))
				if err != nil {
					return nil, err
				}
				return map[string]any{keyVolumes: anyList(volumes)}, nil
			}),
		},
		{
			MethodName: "HotUnplugDisk",
			Handler: unary(methodHotUnplugDisk, func(ctx context.Context, agent NodeAgent, req map[string]any) (map[string]any, error) {
				if err := agent.HotUnplugDisk(ctx, str(req[keyVMID]), str(req[keyImageID])); err != nil {
					return nil, err
				}
				return map[string]any{}, nil
			}),
		},
	},
	Metadata: "fleet/node/v1/agent.proto",
}

// RegisterNodeAgentServer registers the agent and a SERVING health service on s
func RegisterNodeAgentServer(s *grpc.Server, agent NodeAgent) {
	s.RegisterService(&nodeAgentServiceDesc, agent)

	hs := grpchealth.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
}
