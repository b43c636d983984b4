package scheduler

import (
	"fmt"
	"time"

	"github.com/codalab/bundlecore/pkg/types"
)

// UserQuota is the subset of a user's account a resource request is
// validated against before a bundle can be staged to run.
type UserQuota struct {
	TimeQuotaSeconds  int64
	TimeUsedSeconds   int64
	ParallelRunQuota  int
	ParallelRunsInUse int
	DiskQuotaBytes    int64
	DiskUsedBytes     int64
}

// ResolveResources fills in unset fields with their defaults and validates
// the result against the owner's quota. A zero quota field means
// unlimited. Returns the first violated constraint as an error.
func ResolveResources(raw types.RunResources, quota UserQuota) (types.RunResources, error) {
	resolved := raw

	if resolved.MemoryBytes == 0 {
		resolved.MemoryBytes = types.DefaultMemoryBytes
	}
	if resolved.MemoryBytes < types.MinMemoryBytes {
		return resolved, fmt.Errorf("memory request of %d bytes is below the %d byte minimum", resolved.MemoryBytes, types.MinMemoryBytes)
	}

	if quota.ParallelRunQuota > 0 && quota.ParallelRunsInUse >= quota.ParallelRunQuota {
		return resolved, fmt.Errorf("parallel run quota exhausted (%d/%d in use)", quota.ParallelRunsInUse, quota.ParallelRunQuota)
	}

	if quota.TimeQuotaSeconds > 0 && quota.TimeUsedSeconds >= quota.TimeQuotaSeconds {
		return resolved, fmt.Errorf("time quota exhausted (%ds used of %ds)", quota.TimeUsedSeconds, quota.TimeQuotaSeconds)
	}

	if resolved.DiskBytes > 0 && quota.DiskQuotaBytes > 0 {
		available := quota.DiskQuotaBytes - quota.DiskUsedBytes - types.DiskQuotaSlackBytes
		if resolved.DiskBytes > available {
			return resolved, fmt.Errorf("disk request of %d bytes exceeds the %d bytes available after the %d byte slack", resolved.DiskBytes, available, types.DiskQuotaSlackBytes)
		}
	}

	return resolved, nil
}

// BundleAgeExceedsTimeout reports whether a bundle has aged past the point
// fail_unresponsive_bundles should reap it.
func BundleAgeExceedsTimeout(createdAt, now time.Time) bool {
	return now.Sub(createdAt) > types.BundleTimeoutDays*24*time.Hour
}
