package scheduler

import (
	"fmt"
	"strings"

	"github.com/codalab/bundlecore/pkg/types"
	"github.com/dustin/go-humanize"
)

// DescribeShortfall renders a human-readable explanation for why no live
// worker currently dominates a bundle's resource request, for surfacing
// to the user as a staged_status / failure_message.
func DescribeShortfall(bundle types.Bundle, workers []types.Worker) string {
	if bundle.Resources == nil {
		return "bundle has no resolved resource request"
	}
	if len(workers) == 0 {
		return "no workers are currently online"
	}
	req := bundle.Resources

	var maxCPUs, maxGPUs int
	var maxMemory, maxDisk int64
	eligible := false

	for _, w := range workers {
		if w.UserID != "" && w.UserID != bundle.OwnerID {
			continue
		}
		if req.Tag != "" {
			if w.Tag != req.Tag {
				continue
			}
		} else if w.TagExclusive {
			continue
		}
		eligible = true
		if w.CPUs > maxCPUs {
			maxCPUs = w.CPUs
		}
		if w.GPUs > maxGPUs {
			maxGPUs = w.GPUs
		}
		if w.MemoryBytes > maxMemory {
			maxMemory = w.MemoryBytes
		}
		if w.FreeDiskBytes > maxDisk {
			maxDisk = w.FreeDiskBytes
		}
	}

	if !eligible {
		if req.Tag != "" {
			return fmt.Sprintf("no worker is tagged %q", req.Tag)
		}
		return "no worker accepts untagged requests (all online workers are tag-exclusive)"
	}

	var reasons []string
	if req.CPUs > maxCPUs {
		reasons = append(reasons, fmt.Sprintf("requested %d cpus, largest eligible worker has %d", req.CPUs, maxCPUs))
	}
	if req.GPUs > maxGPUs {
		reasons = append(reasons, fmt.Sprintf("requested %d gpus, largest eligible worker has %d", req.GPUs, maxGPUs))
	}
	if req.MemoryBytes > maxMemory {
		reasons = append(reasons, fmt.Sprintf("requested %s memory, largest eligible worker has %s",
			humanize.Bytes(uint64(req.MemoryBytes)), humanize.Bytes(uint64(maxMemory))))
	}
	if req.DiskBytes > maxDisk {
		reasons = append(reasons, fmt.Sprintf("requested %s disk, largest eligible worker has %s",
			humanize.Bytes(uint64(req.DiskBytes)), humanize.Bytes(uint64(maxDisk))))
	}

	if len(reasons) == 0 {
		return "no eligible worker currently has enough free capacity; it may be in use by other running bundles"
	}
	return strings.Join(reasons, "; ")
}
