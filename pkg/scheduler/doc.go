/*
Package scheduler assigns staged, resource-resolved run-bundles to live
workers.

It is invoked once per bundle manager tick (the schedule_run_bundles step)
over the current staged-bundle and worker snapshots; it keeps no state of
its own between calls.

# Algorithm

For each staged bundle, in per-owner round-robin order:

	1. Filter the live worker set to those that dominate the bundle's
	   resolved RunResources (cpus, gpus, memory, disk) and whose tag /
	   ownership rules permit the bundle.
	2. Break ties by locality: prefer a worker that already caches the
	   most of the bundle's dependencies.
	3. Break remaining ties at random.
	4. Dispatch a run message and wait up to 200ms for acceptance.
	5. On acceptance, transition the bundle to STARTING and, if the
	   worker declared exit_after_num_runs, decrement it.

A worker receives at most one dispatch per tick.

# Usage

	sched := scheduler.NewScheduler(store, dispatcher)
	if err := sched.Tick(ctx); err != nil {
		logger.Error().Err(err).Msg("scheduling tick failed")
	}

Tick calls DescribeShortfall to record a staged_status for each bundle
that no worker dominates. ResolveResources and BundleAgeExceedsTimeout
are used by the bundle manager.
*/
package scheduler
