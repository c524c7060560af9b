/*
Package client is the Go client of the fleet manager ops API.

The CLI uses it for every command that talks to a running manager. Reads are
retried a few times on transport errors and 5xx answers; writes are sent once.

# Usage

	c := client.NewClient("127.0.0.1:9090", "admin")

	attempt, err := c.SubmitMerge(ctx, req)
	if err != nil {
		return err
	}

	view, err := c.GetMerge(ctx, attempt.ID)
	if errors.Is(err, client.ErrNotFound) {
		// attempt unknown to this manager
	}

Rejected actions are not errors. DetachDisk returns the validation result
instead so callers can show the reason:

	result, rejected, err := c.DetachDisk(ctx, action.DetachDiskParams{VMID: vm, DiskID: disk})
	if rejected != nil {
		fmt.Println(rejected.Reason)
	}

Errors from the manager carry the HTTP status and, when the manager is not
the raft leader, the leader address as an *APIError.
*/
package client
