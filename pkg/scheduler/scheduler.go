// Package scheduler implements the dispatch pass of schedule_run_bundles:
// choosing, for each staged bundle, a live worker whose free resources
// dominate the bundle's request, and handing it off for acceptance.
package scheduler

import (
	"context"
	"math/rand"
	"sort"
	"strconv"
	"time"

	"github.com/codalab/bundlecore/pkg/log"
	"github.com/codalab/bundlecore/pkg/metrics"
	"github.com/codalab/bundlecore/pkg/types"
	"github.com/rs/zerolog"
)

// Store is the subset of the transactional store the scheduler reads and
// mutates on a tick.
type Store interface {
	GetStagedBundlesToRun(ctx context.Context) ([]types.Bundle, error)
	GetWorkers(ctx context.Context) ([]types.Worker, error)
	TransitionBundleStarting(ctx context.Context, bundleUUID, workerID string) error
	DecrementExitAfterNumRuns(ctx context.Context, workerID string) error
	UpdateBundleMetadata(ctx context.Context, bundleUUID string, metadata map[string]string) error
}

// Dispatcher delivers a run message to a worker over the bundle-manager to
// worker channel and reports whether the worker accepted it.
type Dispatcher interface {
	SendRun(ctx context.Context, workerID string, bundle types.Bundle, resources types.RunResources) (accepted bool, err error)
}

// acceptDeadline bounds how long the scheduler waits for a worker to
// acknowledge a dispatched run before moving on to the next bundle.
const acceptDeadline = 200 * time.Millisecond

// Scheduler assigns staged, resource-resolved bundles to live workers.
type Scheduler struct {
	store      Store
	dispatcher Dispatcher
	logger     zerolog.Logger
	rng        *rand.Rand
}

// NewScheduler builds a scheduler over the given store and dispatcher.
func NewScheduler(store Store, dispatcher Dispatcher) *Scheduler {
	return &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		logger:     log.WithComponent("scheduler"),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Tick runs one schedule_run_bundles pass: it orders staged bundles by
// owner, filters the live worker set down to dominating candidates for
// each, and dispatches at most once per worker per call.
func (s *Scheduler) Tick(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	staged, err := s.store.GetStagedBundlesToRun(ctx)
	if err != nil {
		return err
	}
	if len(staged) == 0 {
		return nil
	}

	workers, err := s.store.GetWorkers(ctx)
	if err != nil {
		return err
	}
	alive := aliveWorkers(workers)
	if len(alive) == 0 {
		s.logger.Debug().Msg("no live workers, skipping tick")
		return nil
	}

	dispatchedThisTick := make(map[string]bool)

	for _, bundle := range orderByOwner(staged) {
		if bundle.Resources == nil {
			continue
		}

		candidates := dominatingWorkers(alive, bundle, dispatchedThisTick)
		if len(candidates) == 0 {
			metrics.BundlesUnschedulableTotal.Inc()
			s.recordShortfall(ctx, bundle, alive)
			continue
		}

		chosen := s.pickWorker(candidates, bundle)
		if s.dispatch(ctx, bundle, chosen) {
			dispatchedThisTick[chosen.WorkerID] = true
		}
	}

	return nil
}

// recordShortfall persists why no worker currently dominates a bundle's
// request, so a user polling the bundle sees an actionable reason instead
// of silence.
func (s *Scheduler) recordShortfall(ctx context.Context, bundle types.Bundle, workers []types.Worker) {
	reason := DescribeShortfall(bundle, workers)
	if err := s.store.UpdateBundleMetadata(ctx, bundle.UUID, map[string]string{types.MetaStagedStatus: reason}); err != nil {
		s.logger.Warn().Err(err).Str("bundle_uuid", bundle.UUID).Msg("failed to record scheduling shortfall")
	}
}

// dispatch sends the run message and, on acceptance, transitions the
// bundle to STARTING and applies the worker's exit_after_num_runs
// decrement contract. Returns whether the worker accepted.
func (s *Scheduler) dispatch(ctx context.Context, bundle types.Bundle, worker types.Worker) bool {
	dctx, cancel := context.WithTimeout(ctx, acceptDeadline)
	defer cancel()

	accepted, err := s.dispatcher.SendRun(dctx, worker.WorkerID, bundle, *bundle.Resources)
	if err != nil || !accepted {
		s.logger.Warn().
			Err(err).
			Str("bundle_uuid", bundle.UUID).
			Str("worker_id", worker.WorkerID).
			Msg("worker did not accept run")
		return false
	}

	if err := s.store.TransitionBundleStarting(ctx, bundle.UUID, worker.WorkerID); err != nil {
		s.logger.Error().Err(err).Str("bundle_uuid", bundle.UUID).Msg("transition to starting failed after acceptance")
		return false
	}

	if worker.ExitAfterNumRuns != nil {
		if err := s.store.DecrementExitAfterNumRuns(ctx, worker.WorkerID); err != nil {
			s.logger.Warn().Err(err).Str("worker_id", worker.WorkerID).Msg("failed to decrement exit_after_num_runs")
		}
	}

	metrics.BundlesDispatchedTotal.Inc()
	s.logger.Info().
		Str("bundle_uuid", bundle.UUID).
		Str("worker_id", worker.WorkerID).
		Msg("dispatched")
	return true
}

// pickWorker breaks ties among dominating candidates by locality (how many
// of the bundle's dependencies the worker already caches), then randomly.
func (s *Scheduler) pickWorker(candidates []types.Worker, bundle types.Bundle) types.Worker {
	best := candidates[0]
	bestScore := localityScore(best, bundle)
	var tied []types.Worker
	for _, w := range candidates {
		score := localityScore(w, bundle)
		if score > bestScore {
			bestScore = score
			best = w
		}
	}
	for _, w := range candidates {
		if localityScore(w, bundle) == bestScore {
			tied = append(tied, w)
		}
	}
	if len(tied) == 1 {
		return tied[0]
	}
	return tied[s.rng.Intn(len(tied))]
}

func localityScore(w types.Worker, bundle types.Bundle) int {
	score := 0
	for _, dep := range bundle.Dependencies {
		if w.Dependencies[dep.Key()] {
			score++
		}
	}
	return score
}

// dominatingWorkers returns the live, not-yet-dispatched-this-tick workers
// whose resources dominate the bundle's request, honor ownership
// (codalab-owned pool vs. a user's private workers) and tag exclusivity.
func dominatingWorkers(workers []types.Worker, bundle types.Bundle, dispatchedThisTick map[string]bool) []types.Worker {
	req := bundle.Resources
	var out []types.Worker
	for _, w := range workers {
		if dispatchedThisTick[w.WorkerID] {
			continue
		}
		if w.UserID != "" && w.UserID != bundle.OwnerID {
			continue
		}
		if req.Tag != "" {
			if w.Tag != req.Tag {
				continue
			}
		} else if w.TagExclusive {
			continue
		}
		if req.CPUs > w.CPUs || req.GPUs > w.GPUs {
			continue
		}
		if req.GPUs > 0 && !w.HasGPUs {
			continue
		}
		if req.MemoryBytes > w.MemoryBytes || req.DiskBytes > w.FreeDiskBytes {
			continue
		}
		out = append(out, w)
	}
	return out
}

// orderByOwner interleaves each owner's staged bundles round-robin so no
// single owner's backlog starves the rest.
// Within an owner's queue bundles sort by descending priority, then by age.
func orderByOwner(bundles []types.Bundle) []types.Bundle {
	var owners []string
	byOwner := make(map[string][]types.Bundle)
	for _, b := range bundles {
		if _, seen := byOwner[b.OwnerID]; !seen {
			owners = append(owners, b.OwnerID)
		}
		byOwner[b.OwnerID] = append(byOwner[b.OwnerID], b)
	}

	for _, owner := range owners {
		group := byOwner[owner]
		sort.SliceStable(group, func(i, j int) bool {
			pi, pj := priorityOf(group[i]), priorityOf(group[j])
			if pi != pj {
				return pi > pj
			}
			return group[i].CreatedAt.Before(group[j].CreatedAt)
		})
		byOwner[owner] = group
	}

	ordered := make([]types.Bundle, 0, len(bundles))
	for {
		progressed := false
		for _, owner := range owners {
			queue := byOwner[owner]
			if len(queue) == 0 {
				continue
			}
			ordered = append(ordered, queue[0])
			byOwner[owner] = queue[1:]
			progressed = true
		}
		if !progressed {
			break
		}
	}
	return ordered
}

func priorityOf(b types.Bundle) int {
	v, ok := b.Metadata[types.MetaPriority]
	if !ok {
		return 0
	}
	p, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return p
}

func aliveWorkers(workers []types.Worker) []types.Worker {
	now := time.Now()
	var out []types.Worker
	for _, w := range workers {
		if w.IsAlive(now) && !w.IsTerminating {
			out = append(out, w)
		}
	}
	return out
}
