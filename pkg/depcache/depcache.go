// Package depcache implements the worker-local dependency cache: a
// content-addressed cache of parent-bundle contents mounted into running
// bundles, with lazy download, retry, eviction and an advisory cross-process
// lock for shared (NFS) filesystems.
package depcache

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/codalab/bundlecore/pkg/statecommitter"
	"github.com/codalab/bundlecore/pkg/types"
	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
)

// ErrKilled is the error a download goroutine records, as the FAILED
// entry's message, when it finds its entry marked killed before a fetch
// attempt.
var ErrKilled = fmt.Errorf("depcache: download aborted, dependency killed")

// Fetcher pulls one dependency's contents from the store's streaming read
// and materializes them under destPath, returning the total bytes written.
type Fetcher interface {
	Fetch(ctx context.Context, key types.DependencyKey, destPath string) (int64, error)
}

// Config configures a Cache.
type Config struct {
	WorkerID            string
	CacheDir            string
	MaxCacheSizeBytes   int64
	MaxRetries          int
	SharedFileSystem    bool
	DownloadTimeout     time.Duration // defaults by SharedFileSystem if zero
}

type snapshot struct {
	Entries map[string]*types.DependencyState
	Paths   map[string]bool
}

// Cache is the worker-local Dependency Cache.
type Cache struct {
	cfg    Config
	fetch  Fetcher
	log    zerolog.Logger
	commit *statecommitter.JSONStateCommitter[snapshot]
	flock  *flock.Flock

	mu      sync.Mutex
	entries map[types.DependencyKey]*types.DependencyState
	paths   map[string]bool
}

// New returns a Cache backed by fetch for downloads, loading any
// previously committed state from cfg.CacheDir.
func New(cfg Config, fetch Fetcher, log zerolog.Logger) (*Cache, error) {
	if cfg.DownloadTimeout == 0 {
		cfg.DownloadTimeout = types.DependencyDownloadTimeout
		if cfg.SharedFileSystem {
			cfg.DownloadTimeout = types.DependencyDownloadTimeoutNFS
		}
	}

	c := &Cache{
		cfg:     cfg,
		fetch:   fetch,
		log:     log.With().Str("component", "depcache").Logger(),
		commit:  statecommitter.New[snapshot](cfg.CacheDir + "/dependency-state.json"),
		entries: make(map[types.DependencyKey]*types.DependencyState),
		paths:   make(map[string]bool),
	}
	if cfg.SharedFileSystem {
		c.flock = flock.New(cfg.CacheDir + "/dependency-state.lock")
	}

	snap, err := c.commit.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load dependency cache state: %w", err)
	}
	for k, v := range snap.Entries {
		key := parseKey(k)
		c.entries[key] = v
	}
	for p := range snap.Paths {
		c.paths[p] = true
	}
	return c, nil
}

func keyString(key types.DependencyKey) string {
	return key.ParentUUID + "\x00" + key.ParentPath
}

func parseKey(s string) types.DependencyKey {
	parts := strings.SplitN(s, "\x00", 2)
	if len(parts) != 2 {
		return types.DependencyKey{ParentUUID: parts[0]}
	}
	return types.DependencyKey{ParentUUID: parts[0], ParentPath: parts[1]}
}

// withLock serializes read-modify-write access: an in-process mutex always,
// plus a cross-process advisory file lock when the cache directory is a
// shared (NFS) filesystem. The file lock is bounded, not held indefinitely.
func (c *Cache) withLock(fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.flock != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		locked, err := c.flock.TryLockContext(ctx, 50*time.Millisecond)
		if err != nil {
			return fmt.Errorf("failed to acquire dependency cache lock: %w", err)
		}
		if !locked {
			return fmt.Errorf("timed out acquiring dependency cache lock")
		}
		defer c.flock.Unlock()
	}
	return fn()
}

func (c *Cache) commitLocked() {
	snap := snapshot{Entries: make(map[string]*types.DependencyState, len(c.entries)), Paths: make(map[string]bool, len(c.paths))}
	for k, v := range c.entries {
		snap.Entries[keyString(k)] = v
	}
	for p := range c.paths {
		snap.Paths[p] = true
	}
	if err := c.commit.Commit(snap); err != nil {
		c.log.Error().Err(err).Msg("failed to commit dependency cache state")
	}
}

// Has reports whether key has an entry in the cache.
func (c *Cache) Has(key types.DependencyKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Get returns the cache entry for key, creating it in DOWNLOADING state and
// assigning it a unique on-disk path if absent. If present and not FAILED,
// childUUID is added to its dependents and last_used is refreshed.
func (c *Cache) Get(ctx context.Context, childUUID string, key types.DependencyKey) (types.DependencyState, error) {
	var out types.DependencyState
	err := c.withLock(func() error {
		now := time.Now()
		entry, ok := c.entries[key]
		if !ok {
			path := assignPath(key, c.paths)
			c.paths[path] = true
			entry = &types.DependencyState{
				Stage:           types.DependencyDownloading,
				DownloadingBy:   c.cfg.WorkerID,
				Key:             key,
				Path:            path,
				Dependents:      map[string]bool{childUUID: true},
				LastUsed:        now,
				LastDownloading: now,
			}
			c.entries[key] = entry
			c.commitLocked()
			out = *entry
			return nil
		}

		if entry.Stage != types.DependencyFailed {
			if entry.Dependents == nil {
				entry.Dependents = make(map[string]bool)
			}
			entry.Dependents[childUUID] = true
			entry.LastUsed = now
			c.commitLocked()
		}
		out = *entry
		return nil
	})
	return out, err
}

// Release removes childUUID from key's dependents. If dependents becomes
// empty while the entry is still DOWNLOADING, it's marked killed so the
// in-flight download goroutine can abort.
func (c *Cache) Release(childUUID string, key types.DependencyKey) {
	_ = c.withLock(func() error {
		entry, ok := c.entries[key]
		if !ok {
			return nil
		}
		delete(entry.Dependents, childUUID)
		if len(entry.Dependents) == 0 && entry.Stage == types.DependencyDownloading {
			entry.Killed = true
		}
		c.commitLocked()
		return nil
	})
}

// AllDependencies returns every key currently tracked by the cache.
func (c *Cache) AllDependencies() []types.DependencyKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.DependencyKey, 0, len(c.entries))
	for k := range c.entries {
		out = append(out, k)
	}
	return out
}

// assignPath derives a unique, separator-free relative path for key,
// appending underscores until it no longer collides with an assigned path.
func assignPath(key types.DependencyKey, used map[string]bool) string {
	base := key.ParentUUID
	if key.ParentPath != "" {
		base = key.ParentUUID + "/" + key.ParentPath
	}
	base = strings.NewReplacer("/", "_", string(os.PathSeparator), "_").Replace(base)

	path := base
	for used[path] {
		path += "_"
	}
	return path
}

// RunDownloads claims every stale or unclaimed DOWNLOADING entry and spawns
// a download goroutine for it. Call once per tick from the worker's
// checkin loop.
func (c *Cache) RunDownloads(ctx context.Context) {
	var toStart []*types.DependencyState
	_ = c.withLock(func() error {
		now := time.Now()
		for _, entry := range c.entries {
			if entry.Stage != types.DependencyDownloading {
				continue
			}
			stale := now.Sub(entry.LastDownloading) > c.cfg.DownloadTimeout
			if entry.DownloadingBy != "" && entry.DownloadingBy != c.cfg.WorkerID && !stale {
				continue
			}
			entry.DownloadingBy = c.cfg.WorkerID
			entry.LastDownloading = now
			toStart = append(toStart, entry)
		}
		if len(toStart) > 0 {
			c.commitLocked()
		}
		return nil
	})

	for _, entry := range toStart {
		go c.download(ctx, entry.Key)
	}
}

func (c *Cache) download(ctx context.Context, key types.DependencyKey) {
	var path string
	c.mu.Lock()
	if entry, ok := c.entries[key]; ok {
		path = c.cfg.CacheDir + "/" + entry.Path
	}
	c.mu.Unlock()
	if path == "" {
		return
	}

	var lastErr error
	maxRetries := c.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		if c.isKilled(key) {
			lastErr = ErrKilled
			break
		}
		size, err := c.fetch.Fetch(ctx, key, path)
		if err == nil {
			c.finishDownload(key, size, "")
			return
		}
		lastErr = err
		c.recordProgress(key, fmt.Sprintf("retrying after error: %v", err))
	}

	c.finishDownload(key, 0, lastErr.Error())
}

func (c *Cache) isKilled(key types.DependencyKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	return ok && entry.Killed
}

func (c *Cache) recordProgress(key types.DependencyKey, message string) {
	_ = c.withLock(func() error {
		entry, ok := c.entries[key]
		if !ok {
			return nil
		}
		entry.Message = message
		entry.LastDownloading = time.Now()
		c.commitLocked()
		return nil
	})
}

func (c *Cache) finishDownload(key types.DependencyKey, sizeBytes int64, failure string) {
	_ = c.withLock(func() error {
		entry, ok := c.entries[key]
		if !ok {
			return nil
		}
		if failure == "" && !entry.Killed {
			entry.Stage = types.DependencyReady
			entry.SizeBytes = sizeBytes
			entry.Message = "Download complete"
		} else {
			entry.Stage = types.DependencyFailed
			if failure == "" {
				failure = ErrKilled.Error()
			}
			entry.Message = failure
			delete(c.paths, entry.Path)
		}
		entry.DownloadingBy = ""
		c.commitLocked()
		return nil
	})
}

// Evict prunes FAILED entries older than FailureCooldown, then deletes the
// oldest evictable entry (FAILED first, else READY with no dependents)
// while the cache exceeds its byte budget or serialized size limit.
func (c *Cache) Evict(now time.Time) {
	_ = c.withLock(func() error {
		for key, entry := range c.entries {
			if entry.Stage == types.DependencyFailed && now.Sub(entry.LastUsed) > types.FailureCooldown {
				c.deleteLocked(key, entry)
			}
		}

		for c.overBudgetLocked() {
			key, entry := c.pickEvictionLocked()
			if entry == nil {
				break
			}
			c.deleteLocked(key, entry)
		}
		c.commitLocked()
		return nil
	})
}

func (c *Cache) overBudgetLocked() bool {
	var total int64
	for _, e := range c.entries {
		total += e.SizeBytes
	}
	if c.cfg.MaxCacheSizeBytes > 0 && total > c.cfg.MaxCacheSizeBytes {
		return true
	}
	return len(c.serializedLocked()) > types.MaxSerializedCacheLen
}

func (c *Cache) serializedLocked() []byte {
	var b strings.Builder
	for k, e := range c.entries {
		fmt.Fprintf(&b, "%s:%s:%d;", keyString(k), e.Stage, e.SizeBytes)
	}
	return []byte(b.String())
}

func (c *Cache) pickEvictionLocked() (types.DependencyKey, *types.DependencyState) {
	var failedKey types.DependencyKey
	var failed *types.DependencyState
	var readyKey types.DependencyKey
	var ready *types.DependencyState

	for k, e := range c.entries {
		switch e.Stage {
		case types.DependencyFailed:
			if failed == nil || e.LastUsed.Before(failed.LastUsed) {
				failed, failedKey = e, k
			}
		case types.DependencyReady:
			if len(e.Dependents) == 0 && (ready == nil || e.LastUsed.Before(ready.LastUsed)) {
				ready, readyKey = e, k
			}
		}
	}
	if failed != nil {
		return failedKey, failed
	}
	return readyKey, ready
}

func (c *Cache) deleteLocked(key types.DependencyKey, entry *types.DependencyState) {
	_ = os.RemoveAll(c.cfg.CacheDir + "/" + entry.Path)
	delete(c.paths, entry.Path)
	delete(c.entries, key)
	c.log.Debug().
		Str("parent_uuid", key.ParentUUID).
		Str("size", humanize.Bytes(uint64(entry.SizeBytes))).
		Msg("evicted dependency cache entry")
}
