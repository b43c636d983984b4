package scheduler

import (
	"testing"

	"github.com/codalab/bundlecore/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestDescribeShortfallNoWorkers(t *testing.T) {
	bundle := types.Bundle{Resources: &types.RunResources{CPUs: 1}}
	assert.Equal(t, "no workers are currently online", DescribeShortfall(bundle, nil))
}

func TestDescribeShortfallTagMismatch(t *testing.T) {
	bundle := types.Bundle{Resources: &types.RunResources{Tag: "gpu-box"}}
	workers := []types.Worker{{WorkerID: "w1", Tag: "default"}}
	assert.Contains(t, DescribeShortfall(bundle, workers), "gpu-box")
}

func TestDescribeShortfallResourceGap(t *testing.T) {
	bundle := types.Bundle{Resources: &types.RunResources{CPUs: 8, MemoryBytes: 1}}
	workers := []types.Worker{{WorkerID: "w1", CPUs: 4, MemoryBytes: 1}}
	msg := DescribeShortfall(bundle, workers)
	assert.Contains(t, msg, "requested 8 cpus")
	assert.Contains(t, msg, "largest eligible worker has 4")
}
