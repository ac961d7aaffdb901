// Package actions runs build, destroy and diff against a stack
// configuration.
//
// A Kind supplies what differs between actions: traversal direction, the
// confirmation gate, whether the persistent graph is locked, which stacks
// take part and the operation each step runs. Runner.Run composes a Kind
// with the shared flow:
//
//	validate config
//	lock the persistent graph (build, destroy)
//	load the persisted graph and select targets
//	build the graph and plan
//	evaluate policies
//	run pre hooks
//	execute the plan
//	merge the graph back and write tags
//	run post hooks
//	release the lock
//
// Destroy without Options.Force builds and logs the plan but never executes
// it and returns ResultNotConfirmed.
//
// Build also destroys stacks that are still in the persisted graph but no
// longer declared in the configuration. Such a stack waits for every stack
// that depended on it, so dependents are updated or destroyed first.
package actions
