package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/codalab/bundlecore/pkg/types"
	"github.com/stretchr/testify/assert"
)

type fakeStore struct {
	mu                 sync.Mutex
	staged             []types.Bundle
	workers            []types.Worker
	started            map[string]string // bundle uuid -> worker id
	decrementedWorkers []string
	shortfalls         map[string]string // bundle uuid -> recorded staged_status
}

func newFakeStore() *fakeStore {
	return &fakeStore{started: make(map[string]string)}
}

func (f *fakeStore) GetStagedBundlesToRun(ctx context.Context) ([]types.Bundle, error) {
	return f.staged, nil
}

func (f *fakeStore) GetWorkers(ctx context.Context) ([]types.Worker, error) {
	return f.workers, nil
}

func (f *fakeStore) TransitionBundleStarting(ctx context.Context, bundleUUID, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started[bundleUUID] = workerID
	return nil
}

func (f *fakeStore) DecrementExitAfterNumRuns(ctx context.Context, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decrementedWorkers = append(f.decrementedWorkers, workerID)
	return nil
}

func (f *fakeStore) UpdateBundleMetadata(ctx context.Context, bundleUUID string, metadata map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shortfalls == nil {
		f.shortfalls = make(map[string]string)
	}
	f.shortfalls[bundleUUID] = metadata[types.MetaStagedStatus]
	return nil
}

type fakeDispatcher struct {
	mu       sync.Mutex
	accept   map[string]bool // worker id -> accept
	received []string        // worker ids dispatched to
}

func (f *fakeDispatcher) SendRun(ctx context.Context, workerID string, bundle types.Bundle, resources types.RunResources) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, workerID)
	if f.accept == nil {
		return true, nil
	}
	return f.accept[workerID], nil
}

func runsLeft(n int) *int { return &n }

func TestTickDispatchesToDominatingWorker(t *testing.T) {
	now := time.Now()
	store := newFakeStore()
	store.staged = []types.Bundle{
		{
			UUID:      "bundle-1",
			OwnerID:   "alice",
			CreatedAt: now,
			Resources: &types.RunResources{CPUs: 1, MemoryBytes: 1 << 20, DiskBytes: 1 << 20},
		},
	}
	store.workers = []types.Worker{
		{WorkerID: "w1", CheckinTime: now, CPUs: 4, MemoryBytes: 1 << 30, FreeDiskBytes: 1 << 30},
	}
	dispatcher := &fakeDispatcher{}

	sched := NewScheduler(store, dispatcher)
	err := sched.Tick(context.Background())
	assert.NoError(t, err)

	assert.Equal(t, "w1", store.started["bundle-1"])
	assert.Equal(t, []string{"w1"}, dispatcher.received)
}

func TestTickSkipsUnresolvedBundles(t *testing.T) {
	store := newFakeStore()
	store.staged = []types.Bundle{{UUID: "no-resources", OwnerID: "alice"}}
	store.workers = []types.Worker{{WorkerID: "w1", CheckinTime: time.Now(), CPUs: 4, MemoryBytes: 1 << 30, FreeDiskBytes: 1 << 30}}

	dispatcher := &fakeDispatcher{}
	sched := NewScheduler(store, dispatcher)
	assert.NoError(t, sched.Tick(context.Background()))

	assert.Empty(t, store.started)
	assert.Empty(t, dispatcher.received)
}

func TestTickDispatchesAtMostOncePerWorkerPerTick(t *testing.T) {
	now := time.Now()
	store := newFakeStore()
	res := &types.RunResources{CPUs: 1, MemoryBytes: 1 << 20, DiskBytes: 1 << 20}
	store.staged = []types.Bundle{
		{UUID: "b1", OwnerID: "alice", CreatedAt: now, Resources: res},
		{UUID: "b2", OwnerID: "alice", CreatedAt: now.Add(time.Second), Resources: res},
	}
	store.workers = []types.Worker{
		{WorkerID: "w1", CheckinTime: now, CPUs: 4, MemoryBytes: 1 << 30, FreeDiskBytes: 1 << 30},
	}
	dispatcher := &fakeDispatcher{}

	sched := NewScheduler(store, dispatcher)
	assert.NoError(t, sched.Tick(context.Background()))

	assert.Len(t, store.started, 1)
	assert.Len(t, dispatcher.received, 1)
}

func TestTickDecrementsExitAfterNumRunsOnAcceptance(t *testing.T) {
	now := time.Now()
	store := newFakeStore()
	store.staged = []types.Bundle{
		{UUID: "b1", OwnerID: "alice", CreatedAt: now, Resources: &types.RunResources{CPUs: 1, MemoryBytes: 1, DiskBytes: 1}},
	}
	store.workers = []types.Worker{
		{WorkerID: "w1", CheckinTime: now, CPUs: 4, MemoryBytes: 1 << 30, FreeDiskBytes: 1 << 30, ExitAfterNumRuns: runsLeft(3)},
	}
	dispatcher := &fakeDispatcher{}

	sched := NewScheduler(store, dispatcher)
	assert.NoError(t, sched.Tick(context.Background()))

	assert.Equal(t, []string{"w1"}, store.decrementedWorkers)
}

func TestTickLeavesBundleStagedWhenWorkerRejects(t *testing.T) {
	now := time.Now()
	store := newFakeStore()
	store.staged = []types.Bundle{
		{UUID: "b1", OwnerID: "alice", CreatedAt: now, Resources: &types.RunResources{CPUs: 1, MemoryBytes: 1, DiskBytes: 1}},
	}
	store.workers = []types.Worker{
		{WorkerID: "w1", CheckinTime: now, CPUs: 4, MemoryBytes: 1 << 30, FreeDiskBytes: 1 << 30},
	}
	dispatcher := &fakeDispatcher{accept: map[string]bool{"w1": false}}

	sched := NewScheduler(store, dispatcher)
	assert.NoError(t, sched.Tick(context.Background()))

	assert.Empty(t, store.started)
}

func TestTickNoOpWithNoLiveWorkers(t *testing.T) {
	store := newFakeStore()
	store.staged = []types.Bundle{
		{UUID: "b1", OwnerID: "alice", Resources: &types.RunResources{CPUs: 1, MemoryBytes: 1, DiskBytes: 1}},
	}
	dispatcher := &fakeDispatcher{}

	sched := NewScheduler(store, dispatcher)
	assert.NoError(t, sched.Tick(context.Background()))
	assert.Empty(t, dispatcher.received)
}

func TestTickRecordsShortfallWhenNoWorkerDominates(t *testing.T) {
	now := time.Now()
	store := newFakeStore()
	store.staged = []types.Bundle{
		{UUID: "b1", OwnerID: "alice", CreatedAt: now, Resources: &types.RunResources{CPUs: 8, MemoryBytes: 1, DiskBytes: 1}},
	}
	store.workers = []types.Worker{
		{WorkerID: "w1", CheckinTime: now, CPUs: 2, MemoryBytes: 1 << 30, FreeDiskBytes: 1 << 30},
	}
	dispatcher := &fakeDispatcher{}

	sched := NewScheduler(store, dispatcher)
	assert.NoError(t, sched.Tick(context.Background()))

	assert.Contains(t, store.shortfalls["b1"], "cpus")
}
