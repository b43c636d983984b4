package runmanager

import "testing"

func TestAllocateReservesRequestedCounts(t *testing.T) {
	a := NewSetAllocator(4, 2)
	cpuset, gpuset, ok := a.Allocate(2, 1)
	if !ok {
		t.Fatal("expected allocation to succeed")
	}
	if len(cpuset) != 2 || len(gpuset) != 1 {
		t.Fatalf("got cpuset=%v gpuset=%v", cpuset, gpuset)
	}
	freeCPUs, freeGPUs := a.FreeCounts()
	if freeCPUs != 2 || freeGPUs != 1 {
		t.Fatalf("got free cpus=%d gpus=%d", freeCPUs, freeGPUs)
	}
}

func TestAllocateFailsAtomicallyWhenEitherPoolInsufficient(t *testing.T) {
	a := NewSetAllocator(1, 0)
	_, _, ok := a.Allocate(1, 1)
	if ok {
		t.Fatal("expected allocation to fail")
	}
	freeCPUs, _ := a.FreeCounts()
	if freeCPUs != 1 {
		t.Fatalf("expected no partial reservation, got free cpus=%d", freeCPUs)
	}
}

func TestReleaseReturnsIdsToPool(t *testing.T) {
	a := NewSetAllocator(2, 0)
	cpuset, _, ok := a.Allocate(2, 0)
	if !ok {
		t.Fatal("expected allocation to succeed")
	}
	a.Release(cpuset, nil)
	freeCPUs, _ := a.FreeCounts()
	if freeCPUs != 2 {
		t.Fatalf("expected 2 free cpus after release, got %d", freeCPUs)
	}
}
