/*
Package gateway is the control plane's view of compute nodes.

Client implements the two gateways the merge reconciler depends on:

  - FetchNodeSnapshot: best-effort live state of one VM from the node
    running it (the node agent's FullList call).
  - ReconcileVolumeChain: authoritative chain of one image, rebuilt from
    storage metadata by the storage pool coordinator.

It also carries HotUnplugDisk for the detach action and ListVMs for the node
monitor.

Every failure is a *Error whose Kind is KindTransport (node unreachable,
call timed out) or KindSemantic (missing VM, malformed or empty payload,
node refused). Callers never need to inspect gRPC status codes.

Payloads travel as google.protobuf.Struct values over a hand-registered
service, fleet.node.v1.NodeAgent. RegisterNodeAgentServer exposes a NodeAgent
implementation on a grpc.Server together with the standard gRPC health
service; MemoryAgent is an in-memory implementation used by `fleet agent`.
*/
package gateway
