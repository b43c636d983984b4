package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/codalab/bundlecore/pkg/types"
)

// MemStore is an in-memory Store used by tests and by single-process
// deployments that don't need durability across restarts.
type MemStore struct {
	mu sync.RWMutex

	bundles       map[string]types.Bundle
	bundleMeta    map[string]map[string]string
	bundleLocs    map[string]map[string]bool
	users         map[string]types.User
	workers       map[string]types.Worker
	bundleWorker  map[string]string // bundle uuid -> worker id
	sentMessages  map[string][]types.WorkerMessage
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		bundles:      make(map[string]types.Bundle),
		bundleMeta:   make(map[string]map[string]string),
		bundleLocs:   make(map[string]map[string]bool),
		users:        make(map[string]types.User),
		workers:      make(map[string]types.Worker),
		bundleWorker: make(map[string]string),
		sentMessages: make(map[string][]types.WorkerMessage),
	}
}

func (m *MemStore) GetBundle(ctx context.Context, uuid string) (types.Bundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bundles[uuid]
	if !ok {
		return types.Bundle{}, fmt.Errorf("%w: bundle %s", ErrNotFound, uuid)
	}
	return b, nil
}

func (m *MemStore) BatchGetBundles(ctx context.Context, uuids []string) (map[string]types.Bundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]types.Bundle, len(uuids))
	for _, id := range uuids {
		if b, ok := m.bundles[id]; ok {
			out[id] = b
		}
	}
	return out, nil
}

func (m *MemStore) CreateBundle(ctx context.Context, bundle types.Bundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bundles[bundle.UUID] = bundle
	return nil
}

func (m *MemStore) UpdateBundle(ctx context.Context, bundle types.Bundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bundles[bundle.UUID]; !ok {
		return fmt.Errorf("%w: bundle %s", ErrNotFound, bundle.UUID)
	}
	m.bundles[bundle.UUID] = bundle
	return nil
}

func (m *MemStore) DeleteBundle(ctx context.Context, uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bundles, uuid)
	delete(m.bundleMeta, uuid)
	delete(m.bundleLocs, uuid)
	delete(m.bundleWorker, uuid)
	return nil
}

func (m *MemStore) AllBundles(ctx context.Context) ([]types.Bundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Bundle, 0, len(m.bundles))
	for _, b := range m.bundles {
		out = append(out, b)
	}
	return out, nil
}

func (m *MemStore) GetBundlesByState(ctx context.Context, state types.State) ([]types.Bundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Bundle
	for _, b := range m.bundles {
		if b.State == state {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *MemStore) GetStagedBundlesToRun(ctx context.Context) ([]types.Bundle, error) {
	return m.GetBundlesByState(ctx, types.StateStaged)
}

func (m *MemStore) TransitionBundleStaged(ctx context.Context, uuid string, stagedStatus string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bundles[uuid]
	if !ok {
		return fmt.Errorf("%w: bundle %s", ErrNotFound, uuid)
	}
	b.State = types.StateStaged
	if b.Metadata == nil {
		b.Metadata = make(map[string]string)
	}
	b.Metadata[types.MetaStagedStatus] = stagedStatus
	m.bundles[uuid] = b
	return nil
}

func (m *MemStore) TransitionBundleStarting(ctx context.Context, uuid, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bundles[uuid]
	if !ok {
		return fmt.Errorf("%w: bundle %s", ErrNotFound, uuid)
	}
	b.State = types.StateStarting
	m.bundles[uuid] = b
	m.bundleWorker[uuid] = workerID
	return nil
}

func (m *MemStore) TransitionBundleWorkerOffline(ctx context.Context, uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bundles[uuid]
	if !ok {
		return fmt.Errorf("%w: bundle %s", ErrNotFound, uuid)
	}
	b.State = types.StateWorkerOffline
	m.bundles[uuid] = b
	return nil
}

func (m *MemStore) TransitionBundleFinished(ctx context.Context, uuid string, success bool, failureMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bundles[uuid]
	if !ok {
		return fmt.Errorf("%w: bundle %s", ErrNotFound, uuid)
	}
	if success {
		b.State = types.StateReady
	} else {
		b.State = types.StateFailed
		b.FailureMessage = failureMessage
	}
	m.bundles[uuid] = b
	delete(m.bundleWorker, uuid)
	return nil
}

func (m *MemStore) AddBundleLocation(ctx context.Context, uuid, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bundleLocs[uuid] == nil {
		m.bundleLocs[uuid] = make(map[string]bool)
	}
	m.bundleLocs[uuid][workerID] = true
	return nil
}

func (m *MemStore) GetBundleLocations(ctx context.Context, uuid string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for workerID := range m.bundleLocs[uuid] {
		out = append(out, workerID)
	}
	return out, nil
}

func (m *MemStore) GetBundleMetadata(ctx context.Context, uuid string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta := m.bundleMeta[uuid]
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out, nil
}

func (m *MemStore) UpdateBundleMetadata(ctx context.Context, uuid string, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bundleMeta[uuid] == nil {
		m.bundleMeta[uuid] = make(map[string]string)
	}
	for k, v := range metadata {
		m.bundleMeta[uuid][k] = v
	}
	return nil
}

func (m *MemStore) GetUser(ctx context.Context, userID string) (types.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return types.User{}, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	return u, nil
}

func (m *MemStore) GetUserInfo(ctx context.Context, userID string) (types.UserInfo, error) {
	u, err := m.GetUser(ctx, userID)
	if err != nil {
		return types.UserInfo{}, err
	}
	return u.Info, nil
}

func (m *MemStore) UpdateUserInfo(ctx context.Context, userID string, info types.UserInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		u = types.User{UserID: userID}
	}
	u.Info = info
	m.users[userID] = u
	return nil
}

func (m *MemStore) GetWorkers(ctx context.Context) ([]types.Worker, error) {
	return m.AllWorkers(ctx)
}

func (m *MemStore) AllWorkers(ctx context.Context) ([]types.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w)
	}
	return out, nil
}

func (m *MemStore) GetUserWorkers(ctx context.Context, userID string) ([]types.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Worker
	for _, w := range m.workers {
		if w.UserID == userID {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *MemStore) WorkerCheckin(ctx context.Context, worker types.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[worker.WorkerID] = worker
	return nil
}

func (m *MemStore) WorkerCleanup(ctx context.Context, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workers, workerID)
	delete(m.sentMessages, workerID)
	return nil
}

func (m *MemStore) UpdateWorkers(ctx context.Context, workers []types.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range workers {
		m.workers[w.WorkerID] = w
	}
	return nil
}

func (m *MemStore) GetBundleWorker(ctx context.Context, bundleUUID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	workerID, ok := m.bundleWorker[bundleUUID]
	if !ok {
		return "", fmt.Errorf("%w: bundle %s has no assigned worker", ErrNotFound, bundleUUID)
	}
	return workerID, nil
}

func (m *MemStore) DecrementExitAfterNumRuns(ctx context.Context, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[workerID]
	if !ok || w.ExitAfterNumRuns == nil {
		return nil
	}
	remaining := *w.ExitAfterNumRuns - 1
	w.ExitAfterNumRuns = &remaining
	if remaining <= 0 {
		w.IsTerminating = true
	}
	m.workers[workerID] = w
	return nil
}

func (m *MemStore) SendJSONMessage(ctx context.Context, workerID string, message types.WorkerMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workers[workerID]; !ok {
		return fmt.Errorf("%w: worker %s", ErrNotFound, workerID)
	}
	m.sentMessages[workerID] = append(m.sentMessages[workerID], message)
	return nil
}

// Messages returns the messages sent to a worker without clearing them,
// for test assertions.
func (m *MemStore) Messages(workerID string) []types.WorkerMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.WorkerMessage(nil), m.sentMessages[workerID]...)
}

// DrainOutbox returns and clears the messages queued for a worker since
// its last checkin, mirroring BoltStore's delivery semantics.
func (m *MemStore) DrainOutbox(workerID string) []types.WorkerMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.sentMessages[workerID]
	delete(m.sentMessages, workerID)
	return msgs
}

func (m *MemStore) Close() error { return nil }
