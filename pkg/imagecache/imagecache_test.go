package imagecache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/codalab/bundlecore/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePuller struct {
	size int64
	err  error
}

func (f *fakePuller) Pull(ctx context.Context, image string) (int64, error) {
	return f.size, f.err
}

func newTestCache(t *testing.T, pull Puller) *Cache {
	t.Helper()
	c, err := New(Config{
		WorkerID:          "w1",
		StateFilePath:     filepath.Join(t.TempDir(), "image-state.json"),
		MaxCacheSizeBytes: 1 << 30,
		MaxRetries:        2,
	}, pull, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func TestGetCreatesDownloadingEntry(t *testing.T) {
	c := newTestCache(t, &fakePuller{})
	state := c.Get("bundle1", "codalab/default-cpu:latest")
	assert.Equal(t, types.DependencyDownloading, state.Stage)
	assert.True(t, state.Dependents["bundle1"])
}

func TestGetAddsDependentToExistingEntry(t *testing.T) {
	c := newTestCache(t, &fakePuller{})
	c.Get("bundle1", "img")
	state := c.Get("bundle2", "img")
	assert.True(t, state.Dependents["bundle1"])
	assert.True(t, state.Dependents["bundle2"])
}

func TestRunDownloadsMarksReadyOnSuccess(t *testing.T) {
	c := newTestCache(t, &fakePuller{size: 500})
	c.Get("bundle1", "img")

	c.RunDownloads(context.Background())

	assert.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.entries["img"].Stage == types.DependencyReady && c.entries["img"].VirtualSizeBytes == 500
	}, time.Second, 10*time.Millisecond)
}

func TestEvictRemovesOldestDependentFreeReadyEntryOverBudget(t *testing.T) {
	c := newTestCache(t, &fakePuller{})
	c.cfg.MaxCacheSizeBytes = 300

	c.mu.Lock()
	c.entries["old"] = &State{Stage: types.DependencyReady, Image: "old", VirtualSizeBytes: 200, LastUsed: time.Now().Add(-time.Hour)}
	c.entries["new"] = &State{Stage: types.DependencyReady, Image: "new", VirtualSizeBytes: 200, LastUsed: time.Now()}
	c.mu.Unlock()

	c.Evict(time.Now())

	c.mu.Lock()
	_, oldStillThere := c.entries["old"]
	_, newStillThere := c.entries["new"]
	c.mu.Unlock()
	assert.False(t, oldStillThere)
	assert.True(t, newStillThere)
}

func TestEvictPrunesFailedEntriesPastCooldown(t *testing.T) {
	c := newTestCache(t, &fakePuller{})
	c.mu.Lock()
	c.entries["bad"] = &State{Stage: types.DependencyFailed, Image: "bad", LastUsed: time.Now().Add(-2 * types.FailureCooldown)}
	c.mu.Unlock()

	c.Evict(time.Now())

	c.mu.Lock()
	_, ok := c.entries["bad"]
	c.mu.Unlock()
	assert.False(t, ok)
}
