// Package telemetry defines the authorization predicates and the run-stage
// transition hook type. Both are
// collaborator contracts, not implementations: callers inject whatever
// backs their account/permission model and event sink.
package telemetry

import "github.com/codalab/bundlecore/pkg/types"

// CanRead authorizes a child bundle reading its parents' states during
// staging. A false result carries a human-readable reason that becomes
// part of the bundle's failure_message.
type CanRead func(ownerID string, parentUUIDs []string) (bool, string)

// CanRun authorizes dispatching bundle to a worker owned by workerOwnerID
// (the empty owner id is the shared pool). bundlemanager.New accepts a
// CanRun, but nothing calls it: dispatch is not filtered by it.
type CanRun func(workerOwnerID string, bundle types.Bundle) (bool, string)

// TransitionHook is called with every run-stage transition a worker's run
// state machine makes, for whatever telemetry sink the deployment wants
// (metrics, audit log, billing). It must not block the caller; slow
// sinks should buffer internally. No component in this repository
// constructs or calls a TransitionHook; bundlemanager.Manager publishes
// to a pkg/events.Broker directly.
type TransitionHook func(bundleUUID string, stage types.RunStage)
