/*
Package telemetry holds the narrow function-typed contracts the bundle
manager and run manager call out through but never implement themselves:

  - CanRead / CanRun, the authorization predicates. CanRead is consulted
    during staging; CanRun is accepted by bundlemanager.New but not called.
  - TransitionHook, a run-stage change notification type; no worker
    component constructs or calls one.

None of these have a default backend. A deployment wires CanRead/CanRun
against its own account/permission store and TransitionHook against
whatever event sink it runs (pkg/events.Broker.Publish is one concrete
option already used by bundlemanager.Manager).
*/
package telemetry
