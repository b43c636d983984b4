// Package imagecache implements the per-worker container-image cache: the
// same DOWNLOADING -> READY/FAILED progression as the dependency cache,
// keyed by docker image reference instead of parent-bundle path, evicted
// by total virtual size instead of content bytes.
package imagecache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/codalab/bundlecore/pkg/statecommitter"
	"github.com/codalab/bundlecore/pkg/types"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// DownloadTimeout gates takeover of a stale in-flight pull, mirroring the
// dependency cache's default.
const DownloadTimeout = types.DependencyDownloadTimeout

// Puller pulls a docker image and reports its virtual size on disk.
type Puller interface {
	Pull(ctx context.Context, image string) (int64, error)
}

// State is one cache row.
type State struct {
	Stage            types.DependencyStage
	DownloadingBy    string
	Image            string
	VirtualSizeBytes int64
	Dependents       map[string]bool
	LastUsed         time.Time
	LastDownloading  time.Time
	Message          string
}

// Config configures a Cache.
type Config struct {
	WorkerID          string
	StateFilePath     string
	MaxCacheSizeBytes int64
	MaxRetries        int
}

type snapshot struct {
	Entries map[string]*State
}

// Cache is the per-worker image cache.
type Cache struct {
	cfg    Config
	pull   Puller
	log    zerolog.Logger
	commit *statecommitter.JSONStateCommitter[snapshot]

	mu      sync.Mutex
	entries map[string]*State
}

// New returns a Cache, loading any previously committed state.
func New(cfg Config, pull Puller, log zerolog.Logger) (*Cache, error) {
	c := &Cache{
		cfg:     cfg,
		pull:    pull,
		log:     log.With().Str("component", "imagecache").Logger(),
		commit:  statecommitter.New[snapshot](cfg.StateFilePath),
		entries: make(map[string]*State),
	}
	snap, err := c.commit.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load image cache state: %w", err)
	}
	for k, v := range snap.Entries {
		c.entries[k] = v
	}
	return c, nil
}

func (c *Cache) commitLocked() {
	snap := snapshot{Entries: make(map[string]*State, len(c.entries))}
	for k, v := range c.entries {
		snap.Entries[k] = v
	}
	if err := c.commit.Commit(snap); err != nil {
		c.log.Error().Err(err).Msg("failed to commit image cache state")
	}
}

// Get returns the cache entry for image, creating it in DOWNLOADING state
// if absent. If present and not FAILED, bundleUUID is added to dependents.
func (c *Cache) Get(bundleUUID, image string) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	entry, ok := c.entries[image]
	if !ok {
		entry = &State{
			Stage:           types.DependencyDownloading,
			DownloadingBy:   c.cfg.WorkerID,
			Image:           image,
			Dependents:      map[string]bool{bundleUUID: true},
			LastUsed:        now,
			LastDownloading: now,
		}
		c.entries[image] = entry
		c.commitLocked()
		return *entry
	}

	if entry.Stage != types.DependencyFailed {
		if entry.Dependents == nil {
			entry.Dependents = make(map[string]bool)
		}
		entry.Dependents[bundleUUID] = true
		entry.LastUsed = now
		c.commitLocked()
	}
	return *entry
}

// Release removes bundleUUID from image's dependents.
func (c *Cache) Release(bundleUUID, image string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[image]
	if !ok {
		return
	}
	delete(entry.Dependents, bundleUUID)
	c.commitLocked()
}

// RunDownloads claims every stale or unclaimed DOWNLOADING entry and pulls
// it. Call once per tick from the worker's checkin loop.
func (c *Cache) RunDownloads(ctx context.Context) {
	var toStart []string
	c.mu.Lock()
	now := time.Now()
	for image, entry := range c.entries {
		if entry.Stage != types.DependencyDownloading {
			continue
		}
		stale := now.Sub(entry.LastDownloading) > DownloadTimeout
		if entry.DownloadingBy != "" && entry.DownloadingBy != c.cfg.WorkerID && !stale {
			continue
		}
		entry.DownloadingBy = c.cfg.WorkerID
		entry.LastDownloading = now
		toStart = append(toStart, image)
	}
	if len(toStart) > 0 {
		c.commitLocked()
	}
	c.mu.Unlock()

	for _, image := range toStart {
		go c.download(ctx, image)
	}
}

func (c *Cache) download(ctx context.Context, image string) {
	maxRetries := c.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	var lastErr error
	var size int64
	for attempt := 0; attempt < maxRetries; attempt++ {
		var err error
		size, err = c.pull.Pull(ctx, image)
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[image]
	if !ok {
		return
	}
	if lastErr == nil {
		entry.Stage = types.DependencyReady
		entry.VirtualSizeBytes = size
		entry.Message = "Download complete"
	} else {
		entry.Stage = types.DependencyFailed
		entry.Message = lastErr.Error()
	}
	entry.DownloadingBy = ""
	c.commitLocked()
}

// Evict prunes FAILED entries older than FailureCooldown, then deletes the
// oldest evictable entry (FAILED first, else READY with no dependents)
// while total virtual size exceeds the configured budget.
func (c *Cache) Evict(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for image, entry := range c.entries {
		if entry.Stage == types.DependencyFailed && now.Sub(entry.LastUsed) > types.FailureCooldown {
			c.deleteLocked(image, entry)
		}
	}

	for c.totalSizeLocked() > c.cfg.MaxCacheSizeBytes {
		image, entry := c.pickEvictionLocked()
		if entry == nil {
			break
		}
		c.deleteLocked(image, entry)
	}
	c.commitLocked()
}

func (c *Cache) totalSizeLocked() int64 {
	var total int64
	for _, e := range c.entries {
		total += e.VirtualSizeBytes
	}
	return total
}

func (c *Cache) pickEvictionLocked() (string, *State) {
	var failedKey string
	var failed *State
	var readyKey string
	var ready *State

	for image, e := range c.entries {
		switch e.Stage {
		case types.DependencyFailed:
			if failed == nil || e.LastUsed.Before(failed.LastUsed) {
				failed, failedKey = e, image
			}
		case types.DependencyReady:
			if len(e.Dependents) == 0 && (ready == nil || e.LastUsed.Before(ready.LastUsed)) {
				ready, readyKey = e, image
			}
		}
	}
	if failed != nil {
		return failedKey, failed
	}
	return readyKey, ready
}

func (c *Cache) deleteLocked(image string, entry *State) {
	delete(c.entries, image)
	c.log.Debug().
		Str("image", image).
		Str("size", humanize.Bytes(uint64(entry.VirtualSizeBytes))).
		Msg("evicted image cache entry")
}
