package scheduler

import (
	"testing"
	"time"

	"github.com/codalab/bundlecore/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestResolveResourcesAppliesDefaultMemory(t *testing.T) {
	resolved, err := ResolveResources(types.RunResources{CPUs: 1}, UserQuota{})
	assert.NoError(t, err)
	assert.Equal(t, types.DefaultMemoryBytes, resolved.MemoryBytes)
}

func TestResolveResourcesRejectsBelowMinimumMemory(t *testing.T) {
	_, err := ResolveResources(types.RunResources{MemoryBytes: 1}, UserQuota{})
	assert.Error(t, err)
}

func TestResolveResourcesRejectsExhaustedParallelQuota(t *testing.T) {
	_, err := ResolveResources(types.RunResources{MemoryBytes: types.DefaultMemoryBytes},
		UserQuota{ParallelRunQuota: 2, ParallelRunsInUse: 2})
	assert.Error(t, err)
}

func TestResolveResourcesRejectsDiskOverQuotaWithSlack(t *testing.T) {
	quota := UserQuota{DiskQuotaBytes: 1 << 30, DiskUsedBytes: 1 << 29}
	_, err := ResolveResources(types.RunResources{MemoryBytes: types.DefaultMemoryBytes, DiskBytes: 1 << 29}, quota)
	assert.Error(t, err)
}

func TestBundleAgeExceedsTimeout(t *testing.T) {
	now := time.Now()
	assert.False(t, BundleAgeExceedsTimeout(now.Add(-time.Hour), now))
	assert.True(t, BundleAgeExceedsTimeout(now.Add(-61*24*time.Hour), now))
}
