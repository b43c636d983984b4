// Package bundlemanager drives bundles through their centrally-owned state
// transitions: staging newly created bundles once their dependencies
// resolve, assembling make-bundles from their parents, and handing staged
// run-bundles to the scheduler. A single Tick runs the four sub-passes in
// order and never lets one pass's failure stop the rest.
package bundlemanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/codalab/bundlecore/pkg/events"
	"github.com/codalab/bundlecore/pkg/metrics"
	"github.com/codalab/bundlecore/pkg/scheduler"
	"github.com/codalab/bundlecore/pkg/telemetry"
	"github.com/codalab/bundlecore/pkg/types"
	"github.com/codalab/bundlecore/pkg/workerinfo"
	"github.com/rs/zerolog"
)

// failUnresponsiveInterval amortizes the full-table scan for stuck
// uploading/staged/running bundles.
const failUnresponsiveInterval = 24 * time.Hour

// startingStuckAfter is how long a STARTING bundle may go without an
// update before the manager assumes the worker never claimed it.
const startingStuckAfter = 5 * time.Minute

// Store is the slice of store.Store the bundle manager reads and mutates.
type Store interface {
	AllBundles(ctx context.Context) ([]types.Bundle, error)
	BatchGetBundles(ctx context.Context, uuids []string) (map[string]types.Bundle, error)
	UpdateBundle(ctx context.Context, bundle types.Bundle) error
	GetBundlesByState(ctx context.Context, state types.State) ([]types.Bundle, error)
	GetStagedBundlesToRun(ctx context.Context) ([]types.Bundle, error)
	GetBundleWorker(ctx context.Context, bundleUUID string) (string, error)
	GetUserInfo(ctx context.Context, userID string) (types.UserInfo, error)
	WorkerCleanup(ctx context.Context, workerID string) error
	SendJSONMessage(ctx context.Context, workerID string, message types.WorkerMessage) error
}

// Assembler materializes a make-bundle's contents from its resolved
// parents, returning the assembled size in bytes.
type Assembler interface {
	Assemble(ctx context.Context, bundle types.Bundle, parents map[string]types.Bundle) (sizeBytes int64, err error)
}

// ValidationConfig carries the operator-configured ceilings a staged run
// request is validated against. Zero fields mean unlimited except where
// noted.
type ValidationConfig struct {
	MaxRequestMemoryBytes int64
	MaxRequestDiskBytes   int64
	MaxRequestTime        time.Duration
	DefaultCPUImage       string
	DefaultGPUImage       string
}

// Config configures a Manager.
type Config struct {
	MakePoolSize int // bounded concurrency for make-bundle assembly
	Validation   ValidationConfig
}

// Manager owns the bundle lifecycle tick.
type Manager struct {
	cfg        Config
	store      Store
	workerInfo *workerinfo.Accessor
	scheduler  *scheduler.Scheduler
	assembler  Assembler
	broker     *events.Broker
	canRead    telemetry.CanRead
	canRun     telemetry.CanRun
	log        zerolog.Logger

	makeSem  chan struct{}
	makingMu sync.Mutex
	making   map[string]bool
	wg       sync.WaitGroup

	lastFailUnresponsive time.Time
}

// New returns a Manager. A nil canRead/canRun always authorizes; a nil
// broker disables telemetry publication.
func New(cfg Config, st Store, wi *workerinfo.Accessor, sched *scheduler.Scheduler, assembler Assembler, broker *events.Broker, canRead telemetry.CanRead, canRun telemetry.CanRun, log zerolog.Logger) *Manager {
	if cfg.MakePoolSize <= 0 {
		cfg.MakePoolSize = 4
	}
	if canRead == nil {
		canRead = func(string, []string) (bool, string) { return true, "" }
	}
	if canRun == nil {
		canRun = func(string, types.Bundle) (bool, string) { return true, "" }
	}
	return &Manager{
		cfg:        cfg,
		store:      st,
		workerInfo: wi,
		scheduler:  sched,
		assembler:  assembler,
		broker:     broker,
		canRead:    canRead,
		canRun:     canRun,
		log:        log.With().Str("component", "bundlemanager").Logger(),
		makeSem:    make(chan struct{}, cfg.MakePoolSize),
		making:     make(map[string]bool),
	}
}

func (m *Manager) publish(evType events.EventType, message string, bundleUUID string) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{Type: evType, Message: message, Metadata: map[string]string{"bundle_uuid": bundleUUID}})
}

// Tick runs stage, make, schedule and fail-unresponsive in order. Each
// sub-pass is isolated: a panic or error in one is logged and the loop
// moves to the next rather than stopping.
func (m *Manager) Tick(ctx context.Context) {
	now := time.Now()
	m.safely("stage_bundles", func() { m.StageBundles(ctx) })
	m.safely("make_bundles", func() { m.MakeBundles(ctx) })
	m.safely("schedule_run_bundles", func() { m.ScheduleRunBundles(ctx, now) })
	m.safely("fail_unresponsive_bundles", func() { m.FailUnresponsiveBundles(ctx, now) })
}

func (m *Manager) safely(step string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Str("step", step).Msg("tick step panicked, continuing")
		}
	}()
	fn()
}

// Shutdown waits for every in-flight make-bundle task to finish.
func (m *Manager) Shutdown() {
	m.wg.Wait()
}

// StageBundles moves CREATED bundles to STAGED once every parent resolves,
// or to FAILED when a parent is missing, unreadable, or failed without the
// allow-failed-dependencies flag.
func (m *Manager) StageBundles(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.StageBundlesDuration)

	created, err := m.store.GetBundlesByState(ctx, types.StateCreated)
	if err != nil {
		m.log.Error().Err(err).Msg("failed to list created bundles")
		return
	}
	if len(created) == 0 {
		return
	}

	parentUUIDs := make(map[string]bool)
	for _, b := range created {
		for _, dep := range b.Dependencies {
			parentUUIDs[dep.ParentUUID] = true
		}
	}
	uuids := make([]string, 0, len(parentUUIDs))
	for uuid := range parentUUIDs {
		uuids = append(uuids, uuid)
	}
	parents, err := m.store.BatchGetBundles(ctx, uuids)
	if err != nil {
		m.log.Error().Err(err).Msg("failed to batch load parent bundles")
		return
	}

	for _, b := range created {
		m.stageOne(ctx, b, parents)
	}
}

func (m *Manager) stageOne(ctx context.Context, b types.Bundle, parents map[string]types.Bundle) {
	allowFailed := b.Metadata[types.MetaAllowFailedDependencies] == "true"

	var missing []string
	var parentUUIDs []string
	for _, dep := range b.Dependencies {
		parentUUIDs = append(parentUUIDs, dep.ParentUUID)
		if _, ok := parents[dep.ParentUUID]; !ok {
			missing = append(missing, dep.ParentUUID)
		}
	}
	if len(missing) > 0 {
		m.failBundle(ctx, b, fmt.Sprintf("missing parent bundle(s): %v", missing))
		return
	}

	if ok, reason := m.canRead(b.OwnerID, parentUUIDs); !ok {
		m.failBundle(ctx, b, reason)
		return
	}

	var offending []string
	if !allowFailed {
		for _, dep := range b.Dependencies {
			p := parents[dep.ParentUUID]
			if p.State == types.StateFailed || p.State == types.StateKilled {
				offending = append(offending, p.UUID)
			}
		}
	}
	if len(offending) > 0 {
		m.failBundle(ctx, b, fmt.Sprintf("dependenc(y/ies) %v did not complete successfully; set allow_failed_dependencies to stage anyway", offending))
		return
	}

	acceptable := types.AcceptableParentStates(allowFailed)
	allReady := true
	for _, dep := range b.Dependencies {
		if !acceptable[parents[dep.ParentUUID].State] {
			allReady = false
			break
		}
	}
	if !allReady {
		return // leave in CREATED, retried next tick
	}

	b.State = types.StateStaged
	b.LastUpdated = time.Now()
	if b.Metadata == nil {
		b.Metadata = make(map[string]string)
	}
	b.Metadata[types.MetaStagedStatus] = "dependencies ready"
	if err := m.store.UpdateBundle(ctx, b); err != nil {
		m.log.Error().Err(err).Str("bundle_uuid", b.UUID).Msg("failed to stage bundle")
		return
	}
	m.publish(events.EventBundleStaged, "dependencies ready", b.UUID)
}

func (m *Manager) failBundle(ctx context.Context, b types.Bundle, reason string) {
	b.State = types.StateFailed
	b.FailureMessage = reason
	b.LastUpdated = time.Now()
	if err := m.store.UpdateBundle(ctx, b); err != nil {
		m.log.Error().Err(err).Str("bundle_uuid", b.UUID).Msg("failed to fail bundle")
		return
	}
	metrics.BundlesFailedTotal.WithLabelValues(string(b.BundleType)).Inc()
	m.publish(events.EventBundleFailed, reason, b.UUID)
}

// MakeBundles restages any MAKING bundle orphaned by a manager restart,
// then dispatches every STAGED make-bundle to the bounded assembly pool.
func (m *Manager) MakeBundles(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.MakeBundlesDuration)

	making, err := m.store.GetBundlesByState(ctx, types.StateMaking)
	if err != nil {
		m.log.Error().Err(err).Msg("failed to list making bundles")
		return
	}
	m.makingMu.Lock()
	for _, b := range making {
		if !m.making[b.UUID] {
			b.State = types.StateStaged
			b.LastUpdated = time.Now()
			if err := m.store.UpdateBundle(ctx, b); err != nil {
				m.log.Error().Err(err).Str("bundle_uuid", b.UUID).Msg("failed to restage orphaned making bundle")
			}
		}
	}
	m.makingMu.Unlock()

	staged, err := m.store.GetBundlesByState(ctx, types.StateStaged)
	if err != nil {
		m.log.Error().Err(err).Msg("failed to list staged bundles")
		return
	}
	for _, b := range staged {
		if b.BundleType != types.BundleTypeMake {
			continue
		}
		m.startMake(ctx, b)
	}
}

func (m *Manager) startMake(ctx context.Context, b types.Bundle) {
	b.State = types.StateMaking
	b.LastUpdated = time.Now()
	if err := m.store.UpdateBundle(ctx, b); err != nil {
		m.log.Error().Err(err).Str("bundle_uuid", b.UUID).Msg("failed to transition bundle to making")
		return
	}
	m.makingMu.Lock()
	m.making[b.UUID] = true
	m.makingMu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runMakeTask(ctx, b)
	}()
}

func (m *Manager) runMakeTask(ctx context.Context, b types.Bundle) {
	m.makeSem <- struct{}{}
	defer func() { <-m.makeSem }()
	defer func() {
		m.makingMu.Lock()
		delete(m.making, b.UUID)
		m.makingMu.Unlock()
	}()

	parentUUIDs := make([]string, 0, len(b.Dependencies))
	for _, dep := range b.Dependencies {
		parentUUIDs = append(parentUUIDs, dep.ParentUUID)
	}
	parents, err := m.store.BatchGetBundles(ctx, parentUUIDs)
	if err != nil {
		m.finishMake(ctx, b, 0, fmt.Errorf("failed to load dependencies: %w", err))
		return
	}

	size, err := m.assembler.Assemble(ctx, b, parents)
	m.finishMake(ctx, b, size, err)
}

func (m *Manager) finishMake(ctx context.Context, b types.Bundle, sizeBytes int64, assembleErr error) {
	if assembleErr == nil {
		if info, err := m.store.GetUserInfo(ctx, b.OwnerID); err != nil {
			m.log.Error().Err(err).Str("bundle_uuid", b.UUID).Msg("failed to load owner info for disk quota check")
		} else if info.DiskQuotaBytes > 0 && info.DiskUsedBytes+sizeBytes > info.DiskQuotaBytes {
			assembleErr = fmt.Errorf("assembled size of %d bytes pushes owner %s over their %d byte disk quota", sizeBytes, b.OwnerID, info.DiskQuotaBytes)
		}
	}

	if assembleErr != nil {
		b.State = types.StateFailed
		b.FailureMessage = assembleErr.Error()
		if b.Metadata == nil {
			b.Metadata = make(map[string]string)
		}
		b.Metadata[types.MetaErrorTraceback] = assembleErr.Error()
		metrics.BundlesFailedTotal.WithLabelValues(string(b.BundleType)).Inc()
		m.publish(events.EventBundleFailed, assembleErr.Error(), b.UUID)
	} else {
		b.State = types.StateReady
		if b.Metadata == nil {
			b.Metadata = make(map[string]string)
		}
		b.Metadata["data_size"] = fmt.Sprintf("%d", sizeBytes)
		metrics.MakeBundlesAssembledTotal.Inc()
		m.publish(events.EventBundleReady, "make-bundle assembled", b.UUID)
	}
	b.LastUpdated = time.Now()
	if err := m.store.UpdateBundle(ctx, b); err != nil {
		m.log.Error().Err(err).Str("bundle_uuid", b.UUID).Msg("failed to persist make-bundle outcome")
	}
}

// ScheduleRunBundles runs the worker-reconciliation sub-steps and then
// delegates validated, ordered dispatch to the scheduler.
func (m *Manager) ScheduleRunBundles(ctx context.Context, now time.Time) {
	workers, err := m.workerInfo.Workers(ctx, now)
	if err != nil {
		m.log.Error().Err(err).Msg("failed to snapshot workers")
		return
	}

	m.cleanupDeadWorkers(ctx, workers, now)
	m.restageStuckStartingBundles(ctx, now)
	m.bringOfflineStuckRunningBundles(ctx, now)
	m.acknowledgeFinalizingBundles(ctx)
	m.validateStagedRunBundles(ctx)

	if err := m.scheduler.Tick(ctx); err != nil {
		m.log.Error().Err(err).Msg("scheduler tick failed")
	}
}

func (m *Manager) cleanupDeadWorkers(ctx context.Context, workers []types.Worker, now time.Time) {
	for _, w := range workers {
		if w.IsAlive(now) {
			continue
		}
		if err := m.store.WorkerCleanup(ctx, w.WorkerID); err != nil {
			m.log.Error().Err(err).Str("worker_id", w.WorkerID).Msg("failed to clean up dead worker")
			continue
		}
		m.workerInfo.Remove(w.WorkerID)
		if m.broker != nil {
			m.broker.Publish(&events.Event{Type: events.EventWorkerOffline, Message: "worker timed out", Metadata: map[string]string{"worker_id": w.WorkerID}})
		}
	}
}

func (m *Manager) restageStuckStartingBundles(ctx context.Context, now time.Time) {
	starting, err := m.store.GetBundlesByState(ctx, types.StateStarting)
	if err != nil {
		m.log.Error().Err(err).Msg("failed to list starting bundles")
		return
	}
	for _, b := range starting {
		workerID, werr := m.store.GetBundleWorker(ctx, b.UUID)
		stale := now.Sub(b.LastUpdated) > startingStuckAfter
		if werr == nil && workerID != "" && !stale {
			continue
		}
		b.State = types.StateStaged
		b.LastUpdated = now
		if err := m.store.UpdateBundle(ctx, b); err != nil {
			m.log.Error().Err(err).Str("bundle_uuid", b.UUID).Msg("failed to restage stuck starting bundle")
			continue
		}
		m.workerInfo.Restage(b.UUID)
	}
}

func (m *Manager) bringOfflineStuckRunningBundles(ctx context.Context, now time.Time) {
	for _, state := range []types.State{types.StateRunning, types.StatePreparing} {
		bundles, err := m.store.GetBundlesByState(ctx, state)
		if err != nil {
			m.log.Error().Err(err).Str("state", string(state)).Msg("failed to list bundles")
			continue
		}
		for _, b := range bundles {
			workerID, werr := m.store.GetBundleWorker(ctx, b.UUID)
			stale := now.Sub(b.LastUpdated) > types.WorkerTimeout
			if werr == nil && workerID != "" && !stale {
				continue
			}

			preemptible := b.Metadata[types.MetaPreemptible] == "true"
			if preemptible && len(b.RemoteHistory) > 0 {
				b.State = types.StateStaged
			} else {
				b.State = types.StateWorkerOffline
			}
			b.LastUpdated = now
			if err := m.store.UpdateBundle(ctx, b); err != nil {
				m.log.Error().Err(err).Str("bundle_uuid", b.UUID).Msg("failed to bring bundle offline")
				continue
			}
			m.workerInfo.Restage(b.UUID)
		}
	}
}

func (m *Manager) acknowledgeFinalizingBundles(ctx context.Context) {
	finalizing, err := m.store.GetBundlesByState(ctx, types.StateFinalizing)
	if err != nil {
		m.log.Error().Err(err).Msg("failed to list finalizing bundles")
		return
	}
	for _, b := range finalizing {
		workerID, werr := m.store.GetBundleWorker(ctx, b.UUID)
		if werr != nil || workerID == "" {
			b.State = types.StateWorkerOffline
			b.LastUpdated = time.Now()
			if err := m.store.UpdateBundle(ctx, b); err != nil {
				m.log.Error().Err(err).Str("bundle_uuid", b.UUID).Msg("failed to bring unclaimed finalizing bundle offline")
			}
			continue
		}

		msg := types.WorkerMessage{Type: types.WorkerMessageMarkFinalized, BundleUUID: b.UUID}
		if err := m.store.SendJSONMessage(ctx, workerID, msg); err != nil {
			m.log.Warn().Err(err).Str("bundle_uuid", b.UUID).Msg("failed to deliver mark_finalized")
			continue
		}
	}
}

// validateStagedRunBundles fills in resource defaults for STAGED
// run-bundles, validates against the owner's quota, and either fails the
// bundle or attaches the resolved request so the scheduler can dispatch it.
func (m *Manager) validateStagedRunBundles(ctx context.Context) {
	staged, err := m.store.GetStagedBundlesToRun(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("failed to list staged run bundles")
		return
	}

	users := make(map[string]types.UserInfo)
	for _, b := range staged {
		if b.Resources != nil {
			continue // already validated in a previous tick
		}
		info, ok := users[b.OwnerID]
		if !ok {
			info, err = m.store.GetUserInfo(ctx, b.OwnerID)
			if err != nil {
				m.log.Error().Err(err).Str("owner_id", b.OwnerID).Msg("failed to load user info")
				continue
			}
			users[b.OwnerID] = info
		}

		resolved, err := m.resolveRequest(b, info)
		if err != nil {
			m.failBundle(ctx, b, err.Error())
			continue
		}
		b.Resources = &resolved
		b.LastUpdated = time.Now()
		if err := m.store.UpdateBundle(ctx, b); err != nil {
			m.log.Error().Err(err).Str("bundle_uuid", b.UUID).Msg("failed to persist resolved resources")
		}
	}
}

func (m *Manager) resolveRequest(b types.Bundle, info types.UserInfo) (types.RunResources, error) {
	raw := types.RunResources{}
	if b.Resources != nil {
		raw = *b.Resources
	}
	if raw.CPUs == 0 {
		raw.CPUs = 1
	}

	if raw.DiskBytes == 0 {
		available := info.DiskQuotaBytes - info.DiskUsedBytes - types.DiskQuotaSlackBytes
		if m.cfg.Validation.MaxRequestDiskBytes > 0 && available > m.cfg.Validation.MaxRequestDiskBytes {
			available = m.cfg.Validation.MaxRequestDiskBytes
		}
		if available < 0 {
			available = 0
		}
		raw.DiskBytes = available
	} else if m.cfg.Validation.MaxRequestDiskBytes > 0 && raw.DiskBytes > m.cfg.Validation.MaxRequestDiskBytes {
		return raw, fmt.Errorf("requested disk of %d bytes exceeds the configured maximum of %d bytes", raw.DiskBytes, m.cfg.Validation.MaxRequestDiskBytes)
	}

	if raw.TimeSeconds == nil {
		remaining := info.TimeQuotaSeconds - info.TimeUsedSeconds
		if maxTime := int64(m.cfg.Validation.MaxRequestTime.Seconds()); maxTime > 0 && (remaining <= 0 || remaining > maxTime) {
			remaining = maxTime
		}
		raw.TimeSeconds = &remaining
	} else if maxTime := int64(m.cfg.Validation.MaxRequestTime.Seconds()); maxTime > 0 && *raw.TimeSeconds > maxTime {
		return raw, fmt.Errorf("requested time of %ds exceeds the configured maximum of %ds", *raw.TimeSeconds, maxTime)
	}

	if raw.DockerImage == "" {
		if raw.GPUs > 0 {
			raw.DockerImage = m.cfg.Validation.DefaultGPUImage
		} else {
			raw.DockerImage = m.cfg.Validation.DefaultCPUImage
		}
	}
	if !containsColon(raw.DockerImage) {
		raw.DockerImage += ":latest"
	}

	quota := scheduler.UserQuota{
		TimeQuotaSeconds:  info.TimeQuotaSeconds,
		TimeUsedSeconds:   info.TimeUsedSeconds,
		ParallelRunQuota:  info.ParallelRunQuota,
		ParallelRunsInUse: info.ParallelRunsInUse,
		DiskQuotaBytes:    info.DiskQuotaBytes,
		DiskUsedBytes:     info.DiskUsedBytes,
	}
	resolved, err := scheduler.ResolveResources(raw, quota)
	if err != nil {
		return resolved, err
	}

	if m.cfg.Validation.MaxRequestMemoryBytes > 0 && resolved.MemoryBytes > m.cfg.Validation.MaxRequestMemoryBytes {
		return resolved, fmt.Errorf("requested memory of %d bytes exceeds the configured maximum of %d bytes", resolved.MemoryBytes, m.cfg.Validation.MaxRequestMemoryBytes)
	}
	return resolved, nil
}

func containsColon(s string) bool {
	for _, r := range s {
		if r == ':' {
			return true
		}
	}
	return false
}

// FailUnresponsiveBundles reaps UPLOADING, STAGED and RUNNING bundles that
// have sat past the timeout, rate-limited to once per failUnresponsiveInterval.
func (m *Manager) FailUnresponsiveBundles(ctx context.Context, now time.Time) {
	if now.Sub(m.lastFailUnresponsive) < failUnresponsiveInterval {
		return
	}
	m.lastFailUnresponsive = now

	for _, state := range []types.State{types.StateUploading, types.StateStaged, types.StateRunning} {
		bundles, err := m.store.GetBundlesByState(ctx, state)
		if err != nil {
			m.log.Error().Err(err).Str("state", string(state)).Msg("failed to list bundles")
			continue
		}
		for _, b := range bundles {
			if scheduler.BundleAgeExceedsTimeout(b.CreatedAt, now) {
				m.failBundle(ctx, b, fmt.Sprintf("bundle stuck in %s for more than %d days", b.State, types.BundleTimeoutDays))
			}
		}
	}
}
