/*
Package manager implements the fleet control plane node with Raft consensus.

A Manager wraps a hashicorp/raft instance whose finite state machine,
FleetFSM, applies JSON-encoded commands to a BoltDB store. Every write
(VM inventory, devices, workflows, merge attempts and merge decisions)
is proposed as a Command and only becomes visible once committed. Reads are
served from the local store.

# Commands

Command.Op is a closed set of operations. The FSM dispatches with a switch
and rejects unknown ops. OpCommitDecision is special: the store checks and
writes the decision, the parent workflow step and the attempt state in one
transaction, and the FSM returns a *CommitResult so the caller can tell a
fresh commit from an idempotent replay.

# Usage

	mgr, err := manager.NewManager(&manager.Config{
		NodeID:   "manager-1",
		BindAddr: "127.0.0.1:7946",
		DataDir:  "/var/lib/fleet",
	})
	if err != nil {
		return err
	}
	if err := mgr.Bootstrap(); err != nil {
		return err
	}
	applied, err := mgr.CommitDecision(decision, types.EncodeStep(next))

Tests use Config.InMemory, which swaps the raft log, stable store,
snapshot store and transport for their in-memory versions.
*/
package manager
