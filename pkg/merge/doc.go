/*
Package merge decides the outcome of a live merge, one poll at a time.

A live merge commits the top volume of a running VM's disk into the volume
below it. The node runs the block job; the control plane only observes its
effect on the disk's volume chain. Each Poll:

 1. Returns the recorded decision if the attempt was already decided, and
    fails with workflow.ErrStaleAttempt if the parent workflow is gone.
 2. Reads the VM's cached run state.
 3. Not running: waits until the storage pool has a coordinator and is up,
    then asks the coordinator to rebuild the chain from storage metadata.
 4. Running or unknown: asks the node running the VM for its live devices
    and takes the chain of the active image.
 5. Decides with Decide and records terminal outcomes through Outcomes.

Failing to obtain a chain, for any reason, is Pending. Only Committed and
Failed are terminal. A missing base volume is additionally reported to the
audit log with the base snapshot's description.
*/
package merge
