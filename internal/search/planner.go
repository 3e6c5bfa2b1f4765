package search

import "runtime"

const mib = 1024 * 1024

// Thresholds tune when the planner stays serial
type Thresholds struct {
	SmallTwoTargetBytes int64 `mapstructure:"small_two_target_bytes"`
	SmallPerTargetBytes int64 `mapstructure:"small_per_target_bytes"`
	MediumTotalBytes    int64 `mapstructure:"medium_total_bytes"`
}

// DefaultThresholds returns the built-in planner limits
func DefaultThresholds() Thresholds {
	return Thresholds{
		SmallTwoTargetBytes: 96 * mib,
		SmallPerTargetBytes: 48 * mib,
		MediumTotalBytes:    512 * mib,
	}
}

// Decision is the planner's worker count and its reason
type Decision struct {
	Workers int
	Reason  string
}

// DefaultMaxWorkers is the hardware concurrency of the host
func DefaultMaxWorkers() int {
	return runtime.NumCPU()
}

// ChoosePlan picks a worker count for a workload. cached is true when every
// target already has a correlation scaffold in the index cache, which makes
// scans cheap enough that extra workers rarely pay off.
func ChoosePlan(count int, totalBytes int64, cached bool, maxWorkers int, th Thresholds) Decision {
	if count <= 1 {
		return Decision{1, "single target"}
	}

	bounded := max(1, min(count, maxWorkers))
	if cached {
		switch {
		case count == 2:
			return Decision{1, "indexed two-target workload"}
		case totalBytes <= 0:
			return Decision{bounded, "indexed workload size unavailable"}
		case totalBytes < th.MediumTotalBytes:
			return Decision{min(2, bounded), "indexed medium workload"}
		default:
			return Decision{bounded, "indexed large workload"}
		}
	}

	if totalBytes <= 0 {
		return Decision{bounded, "workload size unavailable"}
	}
	if count == 2 && totalBytes < th.SmallTwoTargetBytes {
		return Decision{1, "small two-target workload"}
	}
	if count <= 3 && totalBytes/int64(count) < th.SmallPerTargetBytes {
		return Decision{1, "small per-target workload"}
	}
	if totalBytes < th.MediumTotalBytes && bounded > 2 {
		return Decision{2, "medium workload"}
	}
	return Decision{bounded, "large workload"}
}
