package scheduler

import (
	"testing"
	"time"

	"github.com/codalab/bundlecore/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestAliveWorkers(t *testing.T) {
	now := time.Now()
	workers := []types.Worker{
		{WorkerID: "w1", CheckinTime: now},
		{WorkerID: "w2", CheckinTime: now.Add(-2 * time.Minute)},
		{WorkerID: "w3", CheckinTime: now, IsTerminating: true},
	}

	alive := aliveWorkers(workers)
	assert.Len(t, alive, 1)
	assert.Equal(t, "w1", alive[0].WorkerID)
}

func TestDominatingWorkersFiltersResourcesAndOwnership(t *testing.T) {
	bundle := types.Bundle{
		OwnerID: "alice",
		Resources: &types.RunResources{
			CPUs:        2,
			MemoryBytes: 1 << 30,
			DiskBytes:   1 << 20,
		},
	}

	workers := []types.Worker{
		{WorkerID: "too-small", CPUs: 1, MemoryBytes: 1 << 30, FreeDiskBytes: 1 << 20},
		{WorkerID: "not-mine", UserID: "bob", CPUs: 4, MemoryBytes: 1 << 30, FreeDiskBytes: 1 << 20},
		{WorkerID: "shared-pool", CPUs: 4, MemoryBytes: 1 << 30, FreeDiskBytes: 1 << 20},
		{WorkerID: "mine", UserID: "alice", CPUs: 4, MemoryBytes: 1 << 30, FreeDiskBytes: 1 << 20},
	}

	candidates := dominatingWorkers(workers, bundle, map[string]bool{})
	var ids []string
	for _, w := range candidates {
		ids = append(ids, w.WorkerID)
	}
	assert.ElementsMatch(t, []string{"shared-pool", "mine"}, ids)
}

func TestDominatingWorkersRespectsTagExclusive(t *testing.T) {
	bundle := types.Bundle{
		Resources: &types.RunResources{CPUs: 1, MemoryBytes: 1, DiskBytes: 1, Tag: "gpu-box"},
	}
	workers := []types.Worker{
		{WorkerID: "right-tag", CPUs: 4, MemoryBytes: 1 << 30, FreeDiskBytes: 1 << 30, Tag: "gpu-box"},
		{WorkerID: "wrong-tag", CPUs: 4, MemoryBytes: 1 << 30, FreeDiskBytes: 1 << 30, Tag: "default"},
	}

	candidates := dominatingWorkers(workers, bundle, map[string]bool{})
	assert.Len(t, candidates, 1)
	assert.Equal(t, "right-tag", candidates[0].WorkerID)

	untaggedBundle := types.Bundle{Resources: &types.RunResources{CPUs: 1, MemoryBytes: 1, DiskBytes: 1}}
	exclusiveWorkers := []types.Worker{
		{WorkerID: "exclusive", CPUs: 4, MemoryBytes: 1 << 30, FreeDiskBytes: 1 << 30, TagExclusive: true, Tag: "gpu-box"},
	}
	assert.Empty(t, dominatingWorkers(exclusiveWorkers, untaggedBundle, map[string]bool{}))
}

func TestDominatingWorkersSkipsAlreadyDispatched(t *testing.T) {
	bundle := types.Bundle{Resources: &types.RunResources{CPUs: 1, MemoryBytes: 1, DiskBytes: 1}}
	workers := []types.Worker{{WorkerID: "w1", CPUs: 4, MemoryBytes: 1 << 30, FreeDiskBytes: 1 << 30}}

	candidates := dominatingWorkers(workers, bundle, map[string]bool{"w1": true})
	assert.Empty(t, candidates)
}

func TestOrderByOwnerInterleavesOwnersAndRespectsPriority(t *testing.T) {
	now := time.Now()
	bundles := []types.Bundle{
		{UUID: "a1", OwnerID: "alice", CreatedAt: now},
		{UUID: "a2", OwnerID: "alice", CreatedAt: now.Add(time.Second), Metadata: map[string]string{types.MetaPriority: "10"}},
		{UUID: "b1", OwnerID: "bob", CreatedAt: now},
	}

	ordered := orderByOwner(bundles)
	var uuids []string
	for _, b := range ordered {
		uuids = append(uuids, b.UUID)
	}

	// alice's higher-priority a2 sorts before a1 within her queue, and
	// owners interleave so bob's single bundle lands second overall.
	assert.Equal(t, []string{"a2", "b1", "a1"}, uuids)
}

func TestPickWorkerPrefersLocality(t *testing.T) {
	s := NewScheduler(nil, nil)
	key := types.DependencyKey{ParentUUID: "p1", ParentPath: ""}
	bundle := types.Bundle{Dependencies: []types.Dependency{{ParentUUID: "p1"}}}

	candidates := []types.Worker{
		{WorkerID: "cold", Dependencies: map[types.DependencyKey]bool{}},
		{WorkerID: "warm", Dependencies: map[types.DependencyKey]bool{key: true}},
	}

	chosen := s.pickWorker(candidates, bundle)
	assert.Equal(t, "warm", chosen.WorkerID)
}
