/*
Package storage provides BoltDB-backed persistence for the fleet manager's
state.

BoltStore implements Store on a single bbolt file, <dataDir>/fleet.db. Every
entity is JSON encoded into its own bucket. The raft FSM in package manager is
the only writer in a running cluster; tests and offline tools such as
fleet-migrate open the store directly.

# Buckets

	nodes            compute nodes, keyed by node ID
	vms              cached VM state, keyed by VM ID
	disks            disks, keyed by disk ID
	vm_devices       disk attachments, keyed by "<vmID>/<deviceID>"
	snapshots        VM snapshots, keyed by snapshot ID
	storage_pools    storage pools, keyed by pool ID
	permissions      role grants, keyed by "<userID>/<permissionID>"
	workflows        parent workflows of merges, keyed by workflow ID
	merge_attempts   scheduler state of each attempt, keyed by attempt ID
	merge_decisions  terminal merge outcomes, keyed by attempt ID
	audit            audit log, keyed by a big-endian sequence number

Compound keys let ListVMDevices and ListPermissionsByUser scan a prefix
instead of the whole bucket.

# Decisions

CommitDecision is the only multi-bucket write. In one transaction it:

  - checks for an existing decision of the attempt
  - checks that the parent workflow is still active
  - writes the decision and moves the workflow to the next step
  - updates the attempt row when one exists

Committing the same decision twice returns false and writes nothing. A
different decision for an already decided attempt fails with
ErrConflictingDecision, and a closed workflow with ErrWorkflowClosed.

# Errors

Every Get method wraps ErrNotFound, so callers test with errors.Is:

	vm, err := store.GetVM(id)
	if errors.Is(err, storage.ErrNotFound) {
		// stale reference
	}
*/
package storage
