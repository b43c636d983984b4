// Package store defines the transactional store interface: the operations
// the bundle manager, scheduler and workers use to read and mutate
// bundles, workers and users, independent of the backing database.
package store

import (
	"context"
	"errors"

	"github.com/codalab/bundlecore/pkg/types"
)

// ErrNotFound is returned by single-entity getters when the id doesn't
// exist.
var ErrNotFound = errors.New("store: not found")

// Store is the full transactional store contract. pkg/scheduler.Store and
// pkg/bundlemanager's internal interfaces are narrower views satisfied
// structurally by any Store implementation.
type Store interface {
	// Bundles
	GetBundle(ctx context.Context, uuid string) (types.Bundle, error)
	BatchGetBundles(ctx context.Context, uuids []string) (map[string]types.Bundle, error)
	CreateBundle(ctx context.Context, bundle types.Bundle) error
	UpdateBundle(ctx context.Context, bundle types.Bundle) error
	DeleteBundle(ctx context.Context, uuid string) error
	AllBundles(ctx context.Context) ([]types.Bundle, error)
	GetBundlesByState(ctx context.Context, state types.State) ([]types.Bundle, error)
	GetStagedBundlesToRun(ctx context.Context) ([]types.Bundle, error)

	TransitionBundleStaged(ctx context.Context, uuid string, stagedStatus string) error
	TransitionBundleStarting(ctx context.Context, uuid, workerID string) error
	TransitionBundleWorkerOffline(ctx context.Context, uuid string) error
	TransitionBundleFinished(ctx context.Context, uuid string, success bool, failureMessage string) error

	// Bundle locations: which workers currently hold a copy of a bundle's
	// contents, used by locality-aware scheduling and dependency staging.
	AddBundleLocation(ctx context.Context, uuid, workerID string) error
	GetBundleLocations(ctx context.Context, uuid string) ([]string, error)

	GetBundleMetadata(ctx context.Context, uuid string) (map[string]string, error)
	UpdateBundleMetadata(ctx context.Context, uuid string, metadata map[string]string) error

	// Users
	GetUser(ctx context.Context, userID string) (types.User, error)
	GetUserInfo(ctx context.Context, userID string) (types.UserInfo, error)
	UpdateUserInfo(ctx context.Context, userID string, info types.UserInfo) error

	// Workers
	GetWorkers(ctx context.Context) ([]types.Worker, error)
	AllWorkers(ctx context.Context) ([]types.Worker, error)
	GetUserWorkers(ctx context.Context, userID string) ([]types.Worker, error)
	WorkerCheckin(ctx context.Context, worker types.Worker) error
	WorkerCleanup(ctx context.Context, workerID string) error
	UpdateWorkers(ctx context.Context, workers []types.Worker) error
	GetBundleWorker(ctx context.Context, bundleUUID string) (string, error)
	DecrementExitAfterNumRuns(ctx context.Context, workerID string) error

	// Messaging: deliver a JSON message to a worker's channel.
	SendJSONMessage(ctx context.Context, workerID string, message types.WorkerMessage) error

	Close() error
}
