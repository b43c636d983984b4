/*
Package types defines the data structures shared by the bundle manager and
the worker-side run manager.

It promotes the handful of frequently-touched shapes — Bundle, Dependency,
RunResources, Worker, DependencyState, RunState — to tagged structs with a
single Metadata side-bag for open-ended fields, rather than the
mapping-of-mapping-of-mapping shape other implementations of this system
use. Nothing here talks to a store, a docker daemon, or a socket; it is
pure data plus the small invariant helpers (IsAlive, AcceptableParentStates,
Key) that read naturally as methods on the type they describe.
*/
package types
