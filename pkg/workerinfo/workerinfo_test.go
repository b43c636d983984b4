package workerinfo

import (
	"context"
	"testing"
	"time"

	"github.com/codalab/bundlecore/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	workers []types.Worker
	calls   int
}

func (f *fakeStore) AllWorkers(ctx context.Context) ([]types.Worker, error) {
	f.calls++
	return f.workers, nil
}

func TestWorkersRebuildsOnlyAfterTTL(t *testing.T) {
	store := &fakeStore{workers: []types.Worker{
		{WorkerID: "w1", UserID: "alice", RunUUIDs: map[string]bool{"b1": true}},
	}}
	a := NewWithTTL(store, time.Minute)
	now := time.Now()

	_, err := a.Workers(context.Background(), now)
	require.NoError(t, err)
	_, err = a.Workers(context.Background(), now.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, store.calls)

	_, err = a.Workers(context.Background(), now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, store.calls)
}

func TestIsRunningReflectsBundleIndex(t *testing.T) {
	store := &fakeStore{workers: []types.Worker{
		{WorkerID: "w1", RunUUIDs: map[string]bool{"b1": true}},
	}}
	a := New(store)
	now := time.Now()

	running, err := a.IsRunning(context.Background(), now, "b1")
	require.NoError(t, err)
	assert.True(t, running)

	running, err = a.IsRunning(context.Background(), now, "b2")
	require.NoError(t, err)
	assert.False(t, running)
}

func TestGetUserWorkersFiltersByOwner(t *testing.T) {
	store := &fakeStore{workers: []types.Worker{
		{WorkerID: "w1", UserID: "alice"},
		{WorkerID: "w2", UserID: "bob"},
		{WorkerID: "w3", UserID: "alice"},
	}}
	a := New(store)
	now := time.Now()

	workers, err := a.GetUserWorkers(context.Background(), now, "alice")
	require.NoError(t, err)
	assert.Len(t, workers, 2)
}

func TestSetStartingUpdatesBothIndexesImmediately(t *testing.T) {
	store := &fakeStore{workers: []types.Worker{{WorkerID: "w1"}}}
	a := New(store)
	now := time.Now()

	_, err := a.Workers(context.Background(), now)
	require.NoError(t, err)

	a.SetStarting("b1", "w1")

	running, err := a.IsRunning(context.Background(), now, "b1")
	require.NoError(t, err)
	assert.True(t, running)
}

func TestRestageRemovesBundleFromReverseIndex(t *testing.T) {
	store := &fakeStore{workers: []types.Worker{
		{WorkerID: "w1", RunUUIDs: map[string]bool{"b1": true}},
	}}
	a := New(store)
	now := time.Now()
	_, err := a.Workers(context.Background(), now)
	require.NoError(t, err)

	a.Restage("b1")

	running, err := a.IsRunning(context.Background(), now, "b1")
	require.NoError(t, err)
	assert.False(t, running)
}

func TestRemoveDeletesWorkerAndItsClaimedBundles(t *testing.T) {
	store := &fakeStore{workers: []types.Worker{
		{WorkerID: "w1", UserID: "alice", RunUUIDs: map[string]bool{"b1": true}},
	}}
	a := New(store)
	now := time.Now()
	_, err := a.Workers(context.Background(), now)
	require.NoError(t, err)

	a.Remove("w1")

	workers, err := a.Workers(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, workers)

	running, err := a.IsRunning(context.Background(), now, "b1")
	require.NoError(t, err)
	assert.False(t, running)

	userWorkers, err := a.GetUserWorkers(context.Background(), now, "alice")
	require.NoError(t, err)
	assert.Empty(t, userWorkers)
}
