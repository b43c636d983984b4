// Package runmanager implements the Worker Run Manager:
// owns the per-worker run-state table, cpuset/gpuset accounting, and the
// checkin loop that reports progress to the bundle manager and pulls
// run/read/netcat/write/kill commands addressed to this worker.
package runmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/codalab/bundlecore/pkg/events"
	"github.com/codalab/bundlecore/pkg/runstate"
	"github.com/codalab/bundlecore/pkg/statecommitter"
	"github.com/codalab/bundlecore/pkg/types"
	"github.com/rs/zerolog"
)

// Store is the slice of store.Store the run manager depends on.
type Store interface {
	WorkerCheckin(ctx context.Context, worker types.Worker) error
}

// MessageSource pulls queued manager-to-worker messages, matching
// store.BoltStore/MemStore's DrainOutbox.
type MessageSource interface {
	DrainOutbox(workerID string) []types.WorkerMessage
}

// ContainerIO answers read/netcat/write requests against a running
// bundle's container. Concrete implementations shell out to the runtime;
// there is no in-spec backend for this, so callers inject their own.
type ContainerIO interface {
	Read(ctx context.Context, containerID, path string, index []string) ([]byte, error)
	Netcat(ctx context.Context, containerID string, port int, data []byte) ([]byte, error)
	Write(ctx context.Context, containerID, path string, contents []byte) error
}

// Config configures a Manager.
type Config struct {
	WorkerID         string
	UserID           string
	Tag              string
	TagExclusive     bool
	MemoryBytes      int64
	FreeDiskBytes    int64
	SharedFileSystem bool
	StateFilePath    string
}

type runTable struct {
	Runs map[string]*types.RunState
}

// Manager owns every in-flight RunState on a worker.
type Manager struct {
	cfg       Config
	store     Store
	messages  MessageSource
	machine   *runstate.Machine
	allocator *SetAllocator
	io        ContainerIO
	broker    *events.Broker
	log       zerolog.Logger
	commit    *statecommitter.JSONStateCommitter[runTable]

	mu   sync.Mutex
	runs map[string]*types.RunState
}

// New returns a Manager, reloading any RunStates committed before a
// previous process restart.
func New(cfg Config, store Store, messages MessageSource, machine *runstate.Machine, allocator *SetAllocator, io ContainerIO, broker *events.Broker, log zerolog.Logger) (*Manager, error) {
	m := &Manager{
		cfg:       cfg,
		store:     store,
		messages:  messages,
		machine:   machine,
		allocator: allocator,
		io:        io,
		broker:    broker,
		log:       log.With().Str("component", "runmanager").Logger(),
		commit:    statecommitter.New[runTable](cfg.StateFilePath),
		runs:      make(map[string]*types.RunState),
	}

	table, err := m.commit.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load run table: %w", err)
	}
	if table.Runs != nil {
		m.runs = table.Runs
	}
	return m, nil
}

func (m *Manager) commitLocked() {
	if err := m.commit.Commit(runTable{Runs: m.runs}); err != nil {
		m.log.Error().Err(err).Msg("failed to commit run table")
	}
}

// Checkin reports this worker's current snapshot to the store and pulls
// any commands queued for it, dispatching each to the appropriate handler.
func (m *Manager) Checkin(ctx context.Context) error {
	freeCPUs, freeGPUs := m.allocator.FreeCounts()

	m.mu.Lock()
	runUUIDs := make(map[string]bool, len(m.runs))
	for uuid := range m.runs {
		runUUIDs[uuid] = true
	}
	m.mu.Unlock()

	worker := types.Worker{
		WorkerID:      m.cfg.WorkerID,
		UserID:        m.cfg.UserID,
		Tag:           m.cfg.Tag,
		TagExclusive:  m.cfg.TagExclusive,
		CPUs:          freeCPUs,
		GPUs:          freeGPUs,
		HasGPUs:       freeGPUs > 0,
		MemoryBytes:   m.cfg.MemoryBytes,
		FreeDiskBytes: m.cfg.FreeDiskBytes,
		RunUUIDs:      runUUIDs,
		SharedFileSystem: m.cfg.SharedFileSystem,
		CheckinTime:   time.Now(),
	}
	if err := m.store.WorkerCheckin(ctx, worker); err != nil {
		return fmt.Errorf("failed to check in: %w", err)
	}

	for _, msg := range m.messages.DrainOutbox(m.cfg.WorkerID) {
		if err := m.handleMessage(ctx, msg); err != nil {
			m.log.Error().Err(err).Str("bundle_uuid", msg.BundleUUID).Str("type", string(msg.Type)).Msg("failed to handle worker message")
		}
	}
	return nil
}

func (m *Manager) handleMessage(ctx context.Context, msg types.WorkerMessage) error {
	switch msg.Type {
	case types.WorkerMessageRun:
		return m.startRun(msg)
	case types.WorkerMessageKill:
		return m.kill(msg.BundleUUID)
	case types.WorkerMessageMarkFinalized:
		return m.markFinalized(msg.BundleUUID)
	case types.WorkerMessageRead:
		return m.read(ctx, msg)
	case types.WorkerMessageNetcat:
		return m.netcat(ctx, msg)
	case types.WorkerMessageWrite:
		return m.write(ctx, msg)
	default:
		return fmt.Errorf("unknown worker message type %q", msg.Type)
	}
}

func (m *Manager) startRun(msg types.WorkerMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[msg.BundleUUID]; exists {
		return nil // already claimed; run message delivery is at-least-once
	}
	m.runs[msg.BundleUUID] = &types.RunState{
		Bundle:          types.Bundle{UUID: msg.BundleUUID, Command: msg.Command},
		Resources:       msg.Resources,
		Stage:           types.RunPreparing,
		BundleStartTime: time.Now(),
	}
	m.commitLocked()
	return nil
}

func (m *Manager) kill(bundleUUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.runs[bundleUUID]
	if !ok {
		return nil
	}
	rs.IsKilled = true
	rs.KillMessage = "killed by request"
	m.commitLocked()
	return nil
}

func (m *Manager) markFinalized(bundleUUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.runs[bundleUUID]
	if !ok {
		return nil
	}
	rs.Finalized = true
	m.commitLocked()
	return nil
}

func (m *Manager) containerID(bundleUUID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.runs[bundleUUID]
	if !ok || rs.ContainerID == "" {
		return "", fmt.Errorf("no running container for bundle %s", bundleUUID)
	}
	return rs.ContainerID, nil
}

func (m *Manager) read(ctx context.Context, msg types.WorkerMessage) error {
	containerID, err := m.containerID(msg.BundleUUID)
	if err != nil {
		return err
	}
	contents, err := m.io.Read(ctx, containerID, msg.Path, msg.Index)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", msg.Path, err)
	}
	m.publishResult(msg.BundleUUID, "read", contents)
	return nil
}

func (m *Manager) netcat(ctx context.Context, msg types.WorkerMessage) error {
	containerID, err := m.containerID(msg.BundleUUID)
	if err != nil {
		return err
	}
	reply, err := m.io.Netcat(ctx, containerID, msg.Port, msg.Data)
	if err != nil {
		return fmt.Errorf("failed netcat on port %d: %w", msg.Port, err)
	}
	m.publishResult(msg.BundleUUID, "netcat", reply)
	return nil
}

func (m *Manager) write(ctx context.Context, msg types.WorkerMessage) error {
	containerID, err := m.containerID(msg.BundleUUID)
	if err != nil {
		return err
	}
	if err := m.io.Write(ctx, containerID, msg.Path, msg.Contents); err != nil {
		return fmt.Errorf("failed to write %s: %w", msg.Path, err)
	}
	return nil
}

func (m *Manager) publishResult(bundleUUID, kind string, payload []byte) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{
		Type:     events.EventBundleRunning,
		Message:  fmt.Sprintf("%s result for bundle %s", kind, bundleUUID),
		Metadata: map[string]string{"bundle_uuid": bundleUUID, "kind": kind},
	})
}

// Tick advances every in-flight run by one step, removing FINISHED runs
// from the table, and commits the table if anything changed.
func (m *Manager) Tick(ctx context.Context) {
	m.mu.Lock()
	uuids := make([]string, 0, len(m.runs))
	for uuid := range m.runs {
		uuids = append(uuids, uuid)
	}
	m.mu.Unlock()

	changed := false
	for _, uuid := range uuids {
		m.mu.Lock()
		rs, ok := m.runs[uuid]
		m.mu.Unlock()
		if !ok {
			continue
		}

		if err := m.machine.Tick(ctx, rs); err != nil {
			m.log.Error().Err(err).Str("bundle_uuid", uuid).Msg("run state machine tick failed")
			continue
		}
		changed = true

		if rs.Stage == types.RunFinished {
			m.mu.Lock()
			delete(m.runs, uuid)
			m.mu.Unlock()
		}
	}

	if changed {
		m.mu.Lock()
		m.commitLocked()
		m.mu.Unlock()
	}
}

// RunState returns a copy of the current state for bundleUUID, for status
// reporting and tests.
func (m *Manager) RunState(bundleUUID string) (types.RunState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.runs[bundleUUID]
	if !ok {
		return types.RunState{}, false
	}
	return *rs, true
}
