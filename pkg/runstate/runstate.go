// Package runstate implements the worker-local run state machine: the
// per-bundle progression from PREPARING through RUNNING,
// CLEANING_UP, an optional UPLOADING_RESULTS, FINALIZING, to FINISHED.
// Every handler is idempotent — safe to re-enter after a crash recovery
// reload from the State Committer.
package runstate

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/codalab/bundlecore/pkg/imagecache"
	"github.com/codalab/bundlecore/pkg/runtime"
	"github.com/codalab/bundlecore/pkg/types"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// DependencyCache is the slice of depcache.Cache the machine depends on.
type DependencyCache interface {
	Get(ctx context.Context, childUUID string, key types.DependencyKey) (types.DependencyState, error)
	Release(childUUID string, key types.DependencyKey)
}

// ImageCache is the slice of imagecache.Cache the machine depends on.
type ImageCache interface {
	Get(bundleUUID, image string) imagecache.State
	Release(bundleUUID, image string)
}

// Runtime is the slice of runtime.ContainerdRuntime the machine depends on.
type Runtime interface {
	PullImage(ctx context.Context, imageRef string) error
	CreateContainer(ctx context.Context, spec runtime.Spec) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string) error
	DeleteContainer(ctx context.Context, containerID string) error
	GetContainerStatus(ctx context.Context, containerID string) (runtime.ContainerStatus, error)
}

// ResourceAllocator hands out cpuset/gpuset ranges from the worker's free
// pool and reclaims them on release.
type ResourceAllocator interface {
	Allocate(cpus, gpus int) (cpuset []int, gpuset []int, ok bool)
	Release(cpuset, gpuset []int)
}

// Uploader streams a finished bundle's directory contents to the external
// store. progress is invoked per chunk and may return false to abort.
type Uploader interface {
	Upload(ctx context.Context, bundleUUID, bundlePath string, progress func(sentBytes int64) bool) error
}

// Filesystem abstracts the handful of directory operations the machine
// needs, so tests can run without touching disk.
type Filesystem interface {
	MkdirAll(path string) error
	Symlink(oldname, newname string) error
	RemoveAll(path string) error
	DirSize(path string) (int64, error)
}

// Machine drives RunStates through their stages. One Machine is shared by
// every in-flight run on a worker; state for a specific run lives in the
// types.RunState value passed to Tick.
type Machine struct {
	workerID         string
	sharedFileSystem bool
	bundleRoot       string
	runtimeClient    Runtime
	depCache         DependencyCache
	imgCache         ImageCache
	allocator        ResourceAllocator
	uploader         Uploader
	fs               Filesystem
}

// Config configures a Machine.
type Config struct {
	WorkerID         string
	SharedFileSystem bool
	BundleRoot       string
}

// New returns a Machine wired to its collaborators.
func New(cfg Config, rt Runtime, dep DependencyCache, img ImageCache, alloc ResourceAllocator, uploader Uploader, fs Filesystem) *Machine {
	return &Machine{
		workerID:         cfg.WorkerID,
		sharedFileSystem: cfg.SharedFileSystem,
		bundleRoot:       cfg.BundleRoot,
		runtimeClient:    rt,
		depCache:         dep,
		imgCache:         img,
		allocator:        alloc,
		uploader:         uploader,
		fs:               fs,
	}
}

// Tick advances rs by one step. PREPARING/RUNNING handlers only probe and
// update state, they never block on a full download (downloads and image
// pulls run in the caches' own goroutines). UPLOADING_RESULTS calls the
// Uploader synchronously.
func (m *Machine) Tick(ctx context.Context, rs *types.RunState) error {
	if rs.IsKilled && rs.Stage == types.RunPreparing {
		rs.Stage = types.RunCleaningUp
		return nil
	}

	switch rs.Stage {
	case types.RunPreparing:
		return m.tickPreparing(ctx, rs)
	case types.RunRunning:
		return m.tickRunning(ctx, rs)
	case types.RunCleaningUp:
		return m.tickCleaningUp(ctx, rs)
	case types.RunUploadingResults:
		return m.tickUploadingResults(ctx, rs)
	case types.RunFinalizing:
		// Finalization is driven by the Bundle Manager's acknowledgement
		//; nothing to do locally until rs.Finalized flips.
		if rs.Finalized {
			if err := m.fs.RemoveAll(rs.BundlePath); err != nil {
				return fmt.Errorf("failed to remove bundle directory: %w", err)
			}
			rs.Stage = types.RunFinished
		}
		return nil
	case types.RunFinished:
		return nil
	}
	return fmt.Errorf("runstate: unknown stage %q", rs.Stage)
}

func dependencyImage(res types.RunResources) string {
	image := res.DockerImage
	if !strings.Contains(image, ":") {
		image += ":latest"
	}
	return image
}

func (m *Machine) tickPreparing(ctx context.Context, rs *types.RunState) error {
	allReady := true
	for _, dep := range rs.Bundle.Dependencies {
		state, err := m.depCache.Get(ctx, rs.Bundle.UUID, dep.Key())
		if err != nil {
			return fmt.Errorf("failed to request dependency %s: %w", dep.Key().ParentUUID, err)
		}
		switch state.Stage {
		case types.DependencyFailed:
			rs.FailureMessage = fmt.Sprintf("dependency %s failed: %s", dep.Key().ParentUUID, state.Message)
			rs.Stage = types.RunCleaningUp
			return nil
		case types.DependencyDownloading:
			allReady = false
		}
	}

	image := dependencyImage(rs.Resources)
	imgState := m.imgCache.Get(rs.Bundle.UUID, image)
	switch imgState.Stage {
	case types.DependencyFailed:
		rs.FailureMessage = fmt.Sprintf("image %s failed: %s", image, imgState.Message)
		rs.Stage = types.RunCleaningUp
		return nil
	case types.DependencyDownloading:
		allReady = false
	}

	if !allReady {
		return nil // remain PREPARING, aggregated progress already reflected in the caches
	}

	return m.startContainer(ctx, rs, image)
}

func (m *Machine) startContainer(ctx context.Context, rs *types.RunState, image string) error {
	bundlePath := filepath.Join(m.bundleRoot, rs.Bundle.UUID)
	if !m.sharedFileSystem {
		if err := m.fs.MkdirAll(bundlePath); err != nil {
			rs.FailureMessage = fmt.Sprintf("failed to create bundle directory: %v", err)
			rs.Stage = types.RunCleaningUp
			return nil
		}
	}
	rs.BundlePath = bundlePath

	var mounts []specs.Mount
	for _, dep := range rs.Bundle.Dependencies {
		childPath := filepath.Join(bundlePath, dep.ChildPath)
		if !strings.HasPrefix(filepath.Clean(childPath), filepath.Clean(bundlePath)) {
			rs.FailureMessage = fmt.Sprintf("dependency child_path %q escapes bundle root", dep.ChildPath)
			rs.Stage = types.RunCleaningUp
			return nil
		}
		if m.sharedFileSystem {
			mounts = append(mounts, specs.Mount{
				Destination: childPath,
				Source:      dep.ParentPath,
				Type:        "bind",
				Options:     []string{"rbind", "ro"},
			})
			continue
		}
		if err := m.fs.Symlink(dep.ParentPath, childPath); err != nil {
			rs.FailureMessage = fmt.Sprintf("failed to link dependency %s: %v", dep.ChildPath, err)
			rs.Stage = types.RunCleaningUp
			return nil
		}
	}

	cpuset, gpuset, ok := m.allocator.Allocate(rs.Resources.CPUs, rs.Resources.GPUs)
	if !ok {
		rs.FailureMessage = "insufficient free cpuset/gpuset on worker"
		rs.Stage = types.RunCleaningUp
		return nil
	}
	rs.CPUSet = cpuset
	rs.GPUSet = gpuset

	if err := m.runtimeClient.PullImage(ctx, image); err != nil {
		m.allocator.Release(cpuset, gpuset)
		rs.FailureMessage = fmt.Sprintf("failed to pull image: %v", err)
		rs.Stage = types.RunCleaningUp
		return nil
	}

	containerID, err := m.runtimeClient.CreateContainer(ctx, runtime.Spec{
		ContainerID: rs.Bundle.UUID,
		Image:       image,
		Command:     []string{"sh", "-c", rs.Bundle.Command},
		Mounts:      mounts,
		CPUSet:      cpuset,
		GPUSet:      gpuset,
		MemoryBytes: rs.Resources.MemoryBytes,
		Network:     rs.Resources.Network,
	})
	if err != nil {
		m.allocator.Release(cpuset, gpuset)
		rs.FailureMessage = fmt.Sprintf("failed to create container: %v", err)
		rs.Stage = types.RunCleaningUp
		return nil
	}

	if err := m.runtimeClient.StartContainer(ctx, containerID); err != nil {
		m.allocator.Release(cpuset, gpuset)
		rs.FailureMessage = fmt.Sprintf("failed to start container: %v", err)
		rs.Stage = types.RunCleaningUp
		return nil
	}

	rs.ContainerID = containerID
	rs.DockerImage = image
	rs.ContainerStartTime = time.Now()
	rs.HasContents = true
	rs.Stage = types.RunRunning
	return nil
}

func (m *Machine) tickRunning(ctx context.Context, rs *types.RunState) error {
	status, err := m.runtimeClient.GetContainerStatus(ctx, rs.ContainerID)
	if err != nil {
		return fmt.Errorf("failed to probe container status: %w", err)
	}

	if status.Exited {
		exitCode := status.ExitCode
		rs.ExitCode = &exitCode
		if exitCode == 137 {
			rs.IsKilled = true
			rs.KillMessage = "container killed: out of memory"
		}
		rs.Finished = true
	}

	if rs.Resources.TimeSeconds != nil && int64(rs.ContainerTimeTotal.Seconds()) > *rs.Resources.TimeSeconds {
		rs.IsKilled = true
		rs.KillMessage = "time limit exceeded"
	}
	if rs.MaxMemory > rs.Resources.MemoryBytes {
		rs.IsKilled = true
		rs.KillMessage = "memory limit exceeded"
	}
	if rs.Resources.DiskBytes > 0 && rs.DiskUtilization > rs.Resources.DiskBytes {
		rs.IsKilled = true
		rs.KillMessage = "disk limit exceeded"
	}

	if rs.IsKilled {
		_ = m.runtimeClient.StopContainer(ctx, rs.ContainerID)
		rs.Stage = types.RunCleaningUp
		return nil
	}
	if rs.Finished {
		rs.Stage = types.RunCleaningUp
	}
	return nil
}

func (m *Machine) tickCleaningUp(ctx context.Context, rs *types.RunState) error {
	if rs.ContainerID != "" {
		status, err := m.runtimeClient.GetContainerStatus(ctx, rs.ContainerID)
		if err == nil && status.Running {
			_ = m.runtimeClient.StopContainer(ctx, rs.ContainerID)
			return nil // retry next tick until confirmed stopped
		}
		if err := m.runtimeClient.DeleteContainer(ctx, rs.ContainerID); err != nil {
			return fmt.Errorf("failed to delete container: %w", err)
		}
		rs.ContainerID = ""
		m.allocator.Release(rs.CPUSet, rs.GPUSet)
	}

	for _, dep := range rs.Bundle.Dependencies {
		m.depCache.Release(rs.Bundle.UUID, dep.Key())
		if !m.sharedFileSystem {
			_ = m.fs.RemoveAll(filepath.Join(rs.BundlePath, dep.ChildPath))
		}
	}
	m.imgCache.Release(rs.Bundle.UUID, dependencyImage(rs.Resources))

	if rs.KillMessage != "" && rs.FailureMessage == "" {
		rs.FailureMessage = rs.KillMessage
	}

	if rs.HasContents && !m.sharedFileSystem {
		rs.Stage = types.RunUploadingResults
		return nil
	}
	rs.Stage = types.RunFinalizing
	return nil
}

func (m *Machine) tickUploadingResults(ctx context.Context, rs *types.RunState) error {
	err := m.uploader.Upload(ctx, rs.Bundle.UUID, rs.BundlePath, func(sentBytes int64) bool {
		rs.DiskUtilization = sentBytes
		return !rs.IsKilled
	})
	if err != nil {
		if rs.FailureMessage != "" {
			rs.FailureMessage += "; " + err.Error()
		} else {
			rs.FailureMessage = err.Error()
		}
	}
	rs.Stage = types.RunFinalizing
	return nil
}
