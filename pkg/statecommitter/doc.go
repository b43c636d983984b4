/*
Package statecommitter provides a generic write-temp-then-rename JSON
persister, used by the worker's run manager and dependency cache to survive
a process restart without reading a half-written file.

	committer := statecommitter.New[workerState](filepath.Join(dataDir, "state.json"))
	state, err := committer.Load()
	...
	err = committer.Commit(state)

Commit always writes to a new temp file in the target's directory and
renames over the destination, so the rename is the only operation visible
to a concurrent reader.
*/
package statecommitter
