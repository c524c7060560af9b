// Package workflow propagates merge decisions to the parent snapshot removal
// workflow.
//
// A terminal outcome is written once, together with the parent's next step,
// in a single replicated transaction. Replaying the same outcome is a no-op
// and does not signal the parent a second time; a different outcome for an
// already decided attempt is rejected. Attempts whose parent workflow is
// gone or closed fail with ErrStaleAttempt.
package workflow
