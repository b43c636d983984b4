/*
Package runstate implements the worker-local run state machine.
Machine.Tick advances one types.RunState by a single step:

	PREPARING -> RUNNING -> CLEANING_UP -> (UPLOADING_RESULTS) -> FINALIZING -> FINISHED

Every handler is idempotent so a crash-recovered RunState (reloaded from
the State Committer, with its container re-probed by container_id) can
resume mid-stage without side effects from a half-completed previous Tick.
The machine itself holds no per-run goroutines; dependency downloads and
image pulls run in their owning caches' goroutines and are polled, not
awaited. The UPLOADING_RESULTS handler calls Uploader.Upload and waits
for it to return.
*/
package runstate
