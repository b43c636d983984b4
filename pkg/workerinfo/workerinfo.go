// Package workerinfo implements the Worker Info Accessor: a
// read-through cache over the store's worker table, rebuilt at most once
// per refresh interval, that the bundle manager's tick loop and scheduler
// read instead of hitting the store directly on every call.
package workerinfo

import (
	"context"
	"sync"
	"time"

	"github.com/codalab/bundlecore/pkg/types"
)

// RefreshTTL is the default cache lifetime: WORKER_TIMEOUT - 5s, so a stale
// cache never outlives the window in which a worker would be considered
// dead.
const RefreshTTL = types.WorkerTimeout - 5*time.Second

// Store is the narrow slice of store.Store the accessor depends on.
type Store interface {
	AllWorkers(ctx context.Context) ([]types.Worker, error)
}

// Accessor is the Worker Info Accessor.
type Accessor struct {
	store Store
	ttl   time.Duration

	mu            sync.Mutex
	builtAt       time.Time
	byWorkerID    map[string]types.Worker
	byBundleUUID  map[string]types.Worker
	byUser        map[string][]types.Worker
}

// New returns an Accessor with the default refresh TTL.
func New(store Store) *Accessor {
	return &Accessor{store: store, ttl: RefreshTTL}
}

// NewWithTTL returns an Accessor with a custom refresh TTL, for tests that
// need to force a rebuild deterministically.
func NewWithTTL(store Store, ttl time.Duration) *Accessor {
	return &Accessor{store: store, ttl: ttl}
}

func (a *Accessor) refreshLocked(ctx context.Context, now time.Time) error {
	if now.Sub(a.builtAt) <= a.ttl && a.byWorkerID != nil {
		return nil
	}
	workers, err := a.store.AllWorkers(ctx)
	if err != nil {
		return err
	}

	byWorkerID := make(map[string]types.Worker, len(workers))
	byBundleUUID := make(map[string]types.Worker)
	byUser := make(map[string][]types.Worker)

	for _, w := range workers {
		byWorkerID[w.WorkerID] = w
		for uuid := range w.RunUUIDs {
			byBundleUUID[uuid] = w
		}
		byUser[w.UserID] = append(byUser[w.UserID], w)
	}

	a.byWorkerID = byWorkerID
	a.byBundleUUID = byBundleUUID
	a.byUser = byUser
	a.builtAt = now
	return nil
}

// Workers returns every cached worker, rebuilding first if the cache has
// aged past the refresh TTL.
func (a *Accessor) Workers(ctx context.Context, now time.Time) ([]types.Worker, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.refreshLocked(ctx, now); err != nil {
		return nil, err
	}
	out := make([]types.Worker, 0, len(a.byWorkerID))
	for _, w := range a.byWorkerID {
		out = append(out, w)
	}
	return out, nil
}

// GetUserWorkers returns the workers owned by userID (the codalab-owned
// shared pool uses the empty user id and is never returned here).
func (a *Accessor) GetUserWorkers(ctx context.Context, now time.Time, userID string) ([]types.Worker, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.refreshLocked(ctx, now); err != nil {
		return nil, err
	}
	return append([]types.Worker(nil), a.byUser[userID]...), nil
}

// IsRunning reports whether bundleUUID is currently claimed by a worker
// according to the cache.
func (a *Accessor) IsRunning(ctx context.Context, now time.Time, bundleUUID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.refreshLocked(ctx, now); err != nil {
		return false, err
	}
	_, ok := a.byBundleUUID[bundleUUID]
	return ok, nil
}

// SetStarting records that bundleUUID is now claimed by workerID, updating
// both indexes without waiting for the next refresh.
func (a *Accessor) SetStarting(bundleUUID, workerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.byWorkerID[workerID]
	if !ok {
		return
	}
	if w.RunUUIDs == nil {
		w.RunUUIDs = make(map[string]bool)
	}
	w.RunUUIDs[bundleUUID] = true
	a.byWorkerID[workerID] = w
	if a.byBundleUUID == nil {
		a.byBundleUUID = make(map[string]types.Worker)
	}
	a.byBundleUUID[bundleUUID] = w
}

// Restage removes bundleUUID from the reverse index, e.g. when a STARTING
// bundle is pushed back to STAGED.
func (a *Accessor) Restage(bundleUUID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.byBundleUUID[bundleUUID]
	if ok {
		delete(w.RunUUIDs, bundleUUID)
		a.byWorkerID[w.WorkerID] = w
	}
	delete(a.byBundleUUID, bundleUUID)
}

// Remove deletes workerID and any bundle-uuid entries pointing at it, used
// when cleanup_dead_workers evicts a timed-out worker from the cache.
func (a *Accessor) Remove(workerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.byWorkerID[workerID]
	if !ok {
		return
	}
	for uuid := range w.RunUUIDs {
		delete(a.byBundleUUID, uuid)
	}
	delete(a.byWorkerID, workerID)

	users := a.byUser[w.UserID]
	for i, u := range users {
		if u.WorkerID == workerID {
			a.byUser[w.UserID] = append(users[:i], users[i+1:]...)
			break
		}
	}
}
