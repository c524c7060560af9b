/*
Package action implements the two-phase contract every user-visible
operation follows: a read-only Validate that either rejects with a Reason
or returns a Prepared value, and an Execute that performs the side effects.

Handlers are registered by Kind in a Registry. The Runner checks the
permission subjects a handler declares before validating, unless the
request is Internal.

	registry, _ := action.NewRegistry(
		action.NewDetachDisk(store, gateway, broker),
		action.NewMergeStatus(reconciler),
	)
	runner := action.NewRunner(registry, authorizer, broker)
	out, err := runner.Run(ctx, action.Request{
		UserID: "alice",
		Params: action.DetachDiskParams{VMID: "vm-1", DiskID: "disk-1", PlugUnplug: true},
	})
*/
package action
