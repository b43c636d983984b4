/*
Package runtime wraps containerd's client API to run one bundle's command
per container: pull the resolved image, create a container with
dependency bind mounts and a pinned cpuset/memory ceiling, start it,
monitor it to exit, and tear it down.

# Container Lifecycle

	PullImage    -> fetch and unpack the bundle's resolved docker image
	CreateContainer -> OCI spec with Spec.Command, Spec.Mounts, cpuset, memory limit
	StartContainer  -> create and start the containerd task
	GetContainerStatus -> poll until Exited, recording ExitCode
	DeleteContainer -> SIGTERM, SIGKILL on timeout, then snapshot cleanup

This mirrors the PREPARING -> RUNNING -> CLEANING_UP progression of the
worker-side run state machine (see pkg/runstate); this package only
speaks containerd, it has no notion of bundle state itself.

# Usage

	rt, err := runtime.NewContainerdRuntime("")
	if err != nil { ... }
	defer rt.Close()

	if err := rt.PullImage(ctx, resources.DockerImage); err != nil { ... }

	id, err := rt.CreateContainer(ctx, runtime.Spec{
		ContainerID: run.Bundle.UUID,
		Image:       resources.DockerImage,
		Command:     []string{"sh", "-c", run.Bundle.Command},
		Mounts:      dependencyMounts,
		CPUSet:      run.CPUSet,
		MemoryBytes: resources.MemoryBytes,
	})
	if err := rt.StartContainer(ctx, id); err != nil { ... }

# Notes

Spec.Network is not read by this package: no CNI network is attached
when a task starts, and the OCI spec carries no network setting. Log
streaming is not implemented either: tasks are started with cio.NullIO,
so a container's stdout/stderr are discarded.
*/
package runtime
