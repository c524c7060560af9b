// Package health probes compute node reachability.
//
// GRPCChecker speaks the standard gRPC health protocol to a node agent;
// TCPChecker only opens a connection. Status folds successive results into
// a healthy/unhealthy verdict with a retry threshold, so a single dropped
// probe does not mark a node down.
package health
