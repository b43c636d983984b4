package runstate

import (
	"context"
	"testing"
	"time"

	"github.com/codalab/bundlecore/pkg/imagecache"
	"github.com/codalab/bundlecore/pkg/runtime"
	"github.com/codalab/bundlecore/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDepCache struct {
	state types.DependencyState
	err   error
}

func (f *fakeDepCache) Get(ctx context.Context, childUUID string, key types.DependencyKey) (types.DependencyState, error) {
	return f.state, f.err
}
func (f *fakeDepCache) Release(childUUID string, key types.DependencyKey) {}

type fakeImgCache struct {
	state imagecache.State
}

func (f *fakeImgCache) Get(bundleUUID, image string) imagecache.State { return f.state }
func (f *fakeImgCache) Release(bundleUUID, image string)               {}

type fakeRuntime struct {
	createErr error
	startErr  error
	status    runtime.ContainerStatus
	statusErr error
	deleted   bool
}

func (f *fakeRuntime) PullImage(ctx context.Context, imageRef string) error { return nil }
func (f *fakeRuntime) CreateContainer(ctx context.Context, spec runtime.Spec) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	return "container-1", nil
}
func (f *fakeRuntime) StartContainer(ctx context.Context, containerID string) error {
	return f.startErr
}
func (f *fakeRuntime) StopContainer(ctx context.Context, containerID string) error { return nil }
func (f *fakeRuntime) DeleteContainer(ctx context.Context, containerID string) error {
	f.deleted = true
	return nil
}
func (f *fakeRuntime) GetContainerStatus(ctx context.Context, containerID string) (runtime.ContainerStatus, error) {
	return f.status, f.statusErr
}

type fakeAllocator struct {
	ok       bool
	released bool
}

func (f *fakeAllocator) Allocate(cpus, gpus int) ([]int, []int, bool) {
	if !f.ok {
		return nil, nil, false
	}
	return []int{0}, nil, true
}
func (f *fakeAllocator) Release(cpuset, gpuset []int) { f.released = true }

type fakeUploader struct{ err error }

func (f *fakeUploader) Upload(ctx context.Context, bundleUUID, bundlePath string, progress func(int64) bool) error {
	progress(100)
	return f.err
}

type fakeFS struct{ removedAll []string }

func (f *fakeFS) MkdirAll(path string) error       { return nil }
func (f *fakeFS) Symlink(oldname, newname string) error { return nil }
func (f *fakeFS) RemoveAll(path string) error {
	f.removedAll = append(f.removedAll, path)
	return nil
}
func (f *fakeFS) DirSize(path string) (int64, error) { return 0, nil }

func newMachine(rt Runtime, dep DependencyCache, img ImageCache, alloc ResourceAllocator, up Uploader, fs Filesystem) *Machine {
	return New(Config{WorkerID: "w1", BundleRoot: "/data/bundles"}, rt, dep, img, alloc, up, fs)
}

func baseRunState() *types.RunState {
	return &types.RunState{
		Bundle:    types.Bundle{UUID: "bundle1"},
		Resources: types.RunResources{CPUs: 1, MemoryBytes: 1 << 20, DockerImage: "codalab/default-cpu"},
		Stage:     types.RunPreparing,
	}
}

func TestTickPreparingRemainsWhileDependenciesDownloading(t *testing.T) {
	m := newMachine(&fakeRuntime{}, &fakeDepCache{state: types.DependencyState{Stage: types.DependencyDownloading}}, &fakeImgCache{state: imagecache.State{Stage: types.DependencyReady}}, &fakeAllocator{ok: true}, &fakeUploader{}, &fakeFS{})
	rs := baseRunState()
	rs.Bundle.Dependencies = []types.Dependency{{ParentUUID: "p1"}}

	require.NoError(t, m.Tick(context.Background(), rs))
	assert.Equal(t, types.RunPreparing, rs.Stage)
}

func TestTickPreparingMovesToCleaningUpOnFailedDependency(t *testing.T) {
	m := newMachine(&fakeRuntime{}, &fakeDepCache{state: types.DependencyState{Stage: types.DependencyFailed, Message: "boom"}}, &fakeImgCache{}, &fakeAllocator{ok: true}, &fakeUploader{}, &fakeFS{})
	rs := baseRunState()
	rs.Bundle.Dependencies = []types.Dependency{{ParentUUID: "p1"}}

	require.NoError(t, m.Tick(context.Background(), rs))
	assert.Equal(t, types.RunCleaningUp, rs.Stage)
	assert.Contains(t, rs.FailureMessage, "boom")
}

func TestTickPreparingStartsContainerWhenAllReady(t *testing.T) {
	m := newMachine(&fakeRuntime{}, &fakeDepCache{}, &fakeImgCache{state: imagecache.State{Stage: types.DependencyReady}}, &fakeAllocator{ok: true}, &fakeUploader{}, &fakeFS{})
	rs := baseRunState()

	require.NoError(t, m.Tick(context.Background(), rs))
	assert.Equal(t, types.RunRunning, rs.Stage)
	assert.Equal(t, "container-1", rs.ContainerID)
}

func TestTickPreparingFailsOnInsufficientResources(t *testing.T) {
	m := newMachine(&fakeRuntime{}, &fakeDepCache{}, &fakeImgCache{state: imagecache.State{Stage: types.DependencyReady}}, &fakeAllocator{ok: false}, &fakeUploader{}, &fakeFS{})
	rs := baseRunState()

	require.NoError(t, m.Tick(context.Background(), rs))
	assert.Equal(t, types.RunCleaningUp, rs.Stage)
	assert.Contains(t, rs.FailureMessage, "insufficient")
}

func TestTickRunningDetectsOOMKillViaExitCode137(t *testing.T) {
	m := newMachine(&fakeRuntime{status: runtime.ContainerStatus{Exited: true, ExitCode: 137}}, &fakeDepCache{}, &fakeImgCache{}, &fakeAllocator{}, &fakeUploader{}, &fakeFS{})
	rs := baseRunState()
	rs.Stage = types.RunRunning
	rs.ContainerID = "container-1"

	require.NoError(t, m.Tick(context.Background(), rs))
	assert.True(t, rs.IsKilled)
	assert.Equal(t, types.RunCleaningUp, rs.Stage)
}

func TestTickRunningDetectsTimeLimitExceeded(t *testing.T) {
	limit := int64(10)
	m := newMachine(&fakeRuntime{status: runtime.ContainerStatus{Running: true}}, &fakeDepCache{}, &fakeImgCache{}, &fakeAllocator{}, &fakeUploader{}, &fakeFS{})
	rs := baseRunState()
	rs.Stage = types.RunRunning
	rs.ContainerID = "container-1"
	rs.Resources.TimeSeconds = &limit
	rs.ContainerTimeTotal = 20 * time.Second

	require.NoError(t, m.Tick(context.Background(), rs))
	assert.True(t, rs.IsKilled)
	assert.Equal(t, "time limit exceeded", rs.KillMessage)
}

func TestTickCleaningUpWaitsForContainerToStop(t *testing.T) {
	m := newMachine(&fakeRuntime{status: runtime.ContainerStatus{Running: true}}, &fakeDepCache{}, &fakeImgCache{}, &fakeAllocator{}, &fakeUploader{}, &fakeFS{})
	rs := baseRunState()
	rs.Stage = types.RunCleaningUp
	rs.ContainerID = "container-1"

	require.NoError(t, m.Tick(context.Background(), rs))
	assert.Equal(t, types.RunCleaningUp, rs.Stage)
	assert.Equal(t, "container-1", rs.ContainerID)
}

func TestTickCleaningUpDeletesStoppedContainerAndReleasesResources(t *testing.T) {
	rt := &fakeRuntime{status: runtime.ContainerStatus{Exited: true}}
	alloc := &fakeAllocator{}
	m := newMachine(rt, &fakeDepCache{}, &fakeImgCache{}, alloc, &fakeUploader{}, &fakeFS{})
	rs := baseRunState()
	rs.Stage = types.RunCleaningUp
	rs.ContainerID = "container-1"
	rs.HasContents = true

	require.NoError(t, m.Tick(context.Background(), rs))
	assert.True(t, rt.deleted)
	assert.True(t, alloc.released)
	assert.Equal(t, types.RunUploadingResults, rs.Stage)
}

func TestTickCleaningUpSkipsUploadOnSharedFileSystem(t *testing.T) {
	m := New(Config{WorkerID: "w1", SharedFileSystem: true}, &fakeRuntime{}, &fakeDepCache{}, &fakeImgCache{}, &fakeAllocator{}, &fakeUploader{}, &fakeFS{})
	rs := baseRunState()
	rs.Stage = types.RunCleaningUp
	rs.HasContents = true

	require.NoError(t, m.Tick(context.Background(), rs))
	assert.Equal(t, types.RunFinalizing, rs.Stage)
}

func TestTickUploadingResultsMovesToFinalizing(t *testing.T) {
	m := newMachine(&fakeRuntime{}, &fakeDepCache{}, &fakeImgCache{}, &fakeAllocator{}, &fakeUploader{}, &fakeFS{})
	rs := baseRunState()
	rs.Stage = types.RunUploadingResults
	rs.BundlePath = "/data/bundles/bundle1"

	require.NoError(t, m.Tick(context.Background(), rs))
	assert.Equal(t, types.RunFinalizing, rs.Stage)
}

func TestTickFinalizingWaitsForAcknowledgement(t *testing.T) {
	m := newMachine(&fakeRuntime{}, &fakeDepCache{}, &fakeImgCache{}, &fakeAllocator{}, &fakeUploader{}, &fakeFS{})
	rs := baseRunState()
	rs.Stage = types.RunFinalizing

	require.NoError(t, m.Tick(context.Background(), rs))
	assert.Equal(t, types.RunFinalizing, rs.Stage)
}

func TestTickFinalizingMovesToFinishedOnceAcknowledged(t *testing.T) {
	fs := &fakeFS{}
	m := newMachine(&fakeRuntime{}, &fakeDepCache{}, &fakeImgCache{}, &fakeAllocator{}, &fakeUploader{}, fs)
	rs := baseRunState()
	rs.Stage = types.RunFinalizing
	rs.Finalized = true
	rs.BundlePath = "/data/bundles/bundle1"

	require.NoError(t, m.Tick(context.Background(), rs))
	assert.Equal(t, types.RunFinished, rs.Stage)
	assert.Contains(t, fs.removedAll, "/data/bundles/bundle1")
}

func TestTickKilledDuringPreparingMovesStraightToCleaningUp(t *testing.T) {
	m := newMachine(&fakeRuntime{}, &fakeDepCache{}, &fakeImgCache{}, &fakeAllocator{}, &fakeUploader{}, &fakeFS{})
	rs := baseRunState()
	rs.IsKilled = true

	require.NoError(t, m.Tick(context.Background(), rs))
	assert.Equal(t, types.RunCleaningUp, rs.Stage)
}
