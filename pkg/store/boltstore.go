package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/codalab/bundlecore/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketBundles     = []byte("bundles")
	bucketBundleMeta  = []byte("bundle_metadata")
	bucketBundleLocs  = []byte("bundle_locations")
	bucketUsers       = []byte("users")
	bucketWorkers     = []byte("workers")
	bucketBundleOwner = []byte("bundle_worker")
)

// BoltStore is the durable Store implementation, backed by a single
// bbolt file with one bucket per entity.
type BoltStore struct {
	db *bolt.DB

	// Worker message delivery has no durable backing in this store; it
	// is an in-memory queue drained by the worker's checkin loop.
	mu       sync.Mutex
	outbox   map[string][]types.WorkerMessage
}

// NewBoltStore opens (creating if absent) the bundle manager's database
// file under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "bundlecore.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketBundles, bucketBundleMeta, bucketBundleLocs, bucketUsers, bucketWorkers, bucketBundleOwner} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, outbox: make(map[string][]types.WorkerMessage)}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) putBundle(tx *bolt.Tx, bundle types.Bundle) error {
	data, err := json.Marshal(bundle)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketBundles).Put([]byte(bundle.UUID), data)
}

func (s *BoltStore) GetBundle(ctx context.Context, uuid string) (types.Bundle, error) {
	var bundle types.Bundle
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBundles).Get([]byte(uuid))
		if data == nil {
			return fmt.Errorf("%w: bundle %s", ErrNotFound, uuid)
		}
		return json.Unmarshal(data, &bundle)
	})
	return bundle, err
}

func (s *BoltStore) BatchGetBundles(ctx context.Context, uuids []string) (map[string]types.Bundle, error) {
	out := make(map[string]types.Bundle, len(uuids))
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBundles)
		for _, id := range uuids {
			data := b.Get([]byte(id))
			if data == nil {
				continue
			}
			var bundle types.Bundle
			if err := json.Unmarshal(data, &bundle); err != nil {
				return err
			}
			out[id] = bundle
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) CreateBundle(ctx context.Context, bundle types.Bundle) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.putBundle(tx, bundle)
	})
}

func (s *BoltStore) UpdateBundle(ctx context.Context, bundle types.Bundle) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketBundles).Get([]byte(bundle.UUID)) == nil {
			return fmt.Errorf("%w: bundle %s", ErrNotFound, bundle.UUID)
		}
		return s.putBundle(tx, bundle)
	})
}

func (s *BoltStore) DeleteBundle(ctx context.Context, uuid string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		_ = tx.Bucket(bucketBundleMeta).Delete([]byte(uuid))
		_ = tx.Bucket(bucketBundleLocs).Delete([]byte(uuid))
		_ = tx.Bucket(bucketBundleOwner).Delete([]byte(uuid))
		return tx.Bucket(bucketBundles).Delete([]byte(uuid))
	})
}

func (s *BoltStore) AllBundles(ctx context.Context) ([]types.Bundle, error) {
	var out []types.Bundle
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBundles).ForEach(func(k, v []byte) error {
			var bundle types.Bundle
			if err := json.Unmarshal(v, &bundle); err != nil {
				return err
			}
			out = append(out, bundle)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) GetBundlesByState(ctx context.Context, state types.State) ([]types.Bundle, error) {
	all, err := s.AllBundles(ctx)
	if err != nil {
		return nil, err
	}
	var out []types.Bundle
	for _, b := range all {
		if b.State == state {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *BoltStore) GetStagedBundlesToRun(ctx context.Context) ([]types.Bundle, error) {
	return s.GetBundlesByState(ctx, types.StateStaged)
}

func (s *BoltStore) transitionBundle(ctx context.Context, uuid string, mutate func(*types.Bundle)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBundles)
		data := b.Get([]byte(uuid))
		if data == nil {
			return fmt.Errorf("%w: bundle %s", ErrNotFound, uuid)
		}
		var bundle types.Bundle
		if err := json.Unmarshal(data, &bundle); err != nil {
			return err
		}
		mutate(&bundle)
		newData, err := json.Marshal(bundle)
		if err != nil {
			return err
		}
		return b.Put([]byte(uuid), newData)
	})
}

func (s *BoltStore) TransitionBundleStaged(ctx context.Context, uuid string, stagedStatus string) error {
	return s.transitionBundle(ctx, uuid, func(b *types.Bundle) {
		b.State = types.StateStaged
		if b.Metadata == nil {
			b.Metadata = make(map[string]string)
		}
		b.Metadata[types.MetaStagedStatus] = stagedStatus
	})
}

func (s *BoltStore) TransitionBundleStarting(ctx context.Context, uuid, workerID string) error {
	err := s.transitionBundle(ctx, uuid, func(b *types.Bundle) {
		b.State = types.StateStarting
	})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBundleOwner).Put([]byte(uuid), []byte(workerID))
	})
}

func (s *BoltStore) TransitionBundleWorkerOffline(ctx context.Context, uuid string) error {
	return s.transitionBundle(ctx, uuid, func(b *types.Bundle) {
		b.State = types.StateWorkerOffline
	})
}

func (s *BoltStore) TransitionBundleFinished(ctx context.Context, uuid string, success bool, failureMessage string) error {
	err := s.transitionBundle(ctx, uuid, func(b *types.Bundle) {
		if success {
			b.State = types.StateReady
		} else {
			b.State = types.StateFailed
			b.FailureMessage = failureMessage
		}
	})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBundleOwner).Delete([]byte(uuid))
	})
}

func (s *BoltStore) AddBundleLocation(ctx context.Context, uuid, workerID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBundleLocs)
		var locs map[string]bool
		if data := b.Get([]byte(uuid)); data != nil {
			if err := json.Unmarshal(data, &locs); err != nil {
				return err
			}
		} else {
			locs = make(map[string]bool)
		}
		locs[workerID] = true
		data, err := json.Marshal(locs)
		if err != nil {
			return err
		}
		return b.Put([]byte(uuid), data)
	})
}

func (s *BoltStore) GetBundleLocations(ctx context.Context, uuid string) ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBundleLocs).Get([]byte(uuid))
		if data == nil {
			return nil
		}
		var locs map[string]bool
		if err := json.Unmarshal(data, &locs); err != nil {
			return err
		}
		for workerID := range locs {
			out = append(out, workerID)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) GetBundleMetadata(ctx context.Context, uuid string) (map[string]string, error) {
	meta := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBundleMeta).Get([]byte(uuid))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &meta)
	})
	return meta, err
}

func (s *BoltStore) UpdateBundleMetadata(ctx context.Context, uuid string, metadata map[string]string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBundleMeta)
		existing := make(map[string]string)
		if data := b.Get([]byte(uuid)); data != nil {
			if err := json.Unmarshal(data, &existing); err != nil {
				return err
			}
		}
		for k, v := range metadata {
			existing[k] = v
		}
		data, err := json.Marshal(existing)
		if err != nil {
			return err
		}
		return b.Put([]byte(uuid), data)
	})
}

func (s *BoltStore) GetUser(ctx context.Context, userID string) (types.User, error) {
	var user types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(userID))
		if data == nil {
			return fmt.Errorf("%w: user %s", ErrNotFound, userID)
		}
		return json.Unmarshal(data, &user)
	})
	return user, err
}

func (s *BoltStore) GetUserInfo(ctx context.Context, userID string) (types.UserInfo, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return types.UserInfo{}, err
	}
	return user.Info, nil
}

func (s *BoltStore) UpdateUserInfo(ctx context.Context, userID string, info types.UserInfo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		var user types.User
		if data := b.Get([]byte(userID)); data != nil {
			if err := json.Unmarshal(data, &user); err != nil {
				return err
			}
		} else {
			user = types.User{UserID: userID}
		}
		user.Info = info
		data, err := json.Marshal(user)
		if err != nil {
			return err
		}
		return b.Put([]byte(userID), data)
	})
}

func (s *BoltStore) GetWorkers(ctx context.Context) ([]types.Worker, error) {
	return s.AllWorkers(ctx)
}

func (s *BoltStore) AllWorkers(ctx context.Context) ([]types.Worker, error) {
	var out []types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).ForEach(func(k, v []byte) error {
			var worker types.Worker
			if err := json.Unmarshal(v, &worker); err != nil {
				return err
			}
			out = append(out, worker)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) GetUserWorkers(ctx context.Context, userID string) ([]types.Worker, error) {
	all, err := s.AllWorkers(ctx)
	if err != nil {
		return nil, err
	}
	var out []types.Worker
	for _, w := range all {
		if w.UserID == userID {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *BoltStore) WorkerCheckin(ctx context.Context, worker types.Worker) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(worker)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketWorkers).Put([]byte(worker.WorkerID), data)
	})
}

func (s *BoltStore) WorkerCleanup(ctx context.Context, workerID string) error {
	s.mu.Lock()
	delete(s.outbox, workerID)
	s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).Delete([]byte(workerID))
	})
}

func (s *BoltStore) UpdateWorkers(ctx context.Context, workers []types.Worker) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		for _, w := range workers {
			data, err := json.Marshal(w)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(w.WorkerID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetBundleWorker(ctx context.Context, bundleUUID string) (string, error) {
	var workerID string
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBundleOwner).Get([]byte(bundleUUID))
		if data == nil {
			return fmt.Errorf("%w: bundle %s has no assigned worker", ErrNotFound, bundleUUID)
		}
		workerID = string(data)
		return nil
	})
	return workerID, err
}

func (s *BoltStore) DecrementExitAfterNumRuns(ctx context.Context, workerID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data := b.Get([]byte(workerID))
		if data == nil {
			return nil
		}
		var worker types.Worker
		if err := json.Unmarshal(data, &worker); err != nil {
			return err
		}
		if worker.ExitAfterNumRuns == nil {
			return nil
		}
		remaining := *worker.ExitAfterNumRuns - 1
		worker.ExitAfterNumRuns = &remaining
		if remaining <= 0 {
			worker.IsTerminating = true
		}
		newData, err := json.Marshal(worker)
		if err != nil {
			return err
		}
		return b.Put([]byte(workerID), newData)
	})
}

// SendJSONMessage queues a message for the worker's checkin loop to pick
// up. Delivery is in-memory only: a bundle manager restart drops
// undelivered messages, matching the at-least-once, checkin-driven
// delivery the worker's polling loop already tolerates.
func (s *BoltStore) SendJSONMessage(ctx context.Context, workerID string, message types.WorkerMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbox[workerID] = append(s.outbox[workerID], message)
	return nil
}

// DrainOutbox returns and clears the messages queued for a worker since
// its last checkin.
func (s *BoltStore) DrainOutbox(workerID string) []types.WorkerMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.outbox[workerID]
	delete(s.outbox, workerID)
	return msgs
}
