package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChoosePlan(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		name    string
		count   int
		total   int64
		cached  bool
		workers int
		reason  string
	}{
		{"single target", 1, 500_000_000, false, 1, "single target"},
		{"indexed two targets", 2, 500_000_000, true, 1, "indexed two-target workload"},
		{"indexed unknown size", 5, 0, true, 4, "indexed workload size unavailable"},
		{"indexed medium", 6, 300 * mib, true, 2, "indexed medium workload"},
		{"indexed large", 6, 2048 * mib, true, 4, "indexed large workload"},
		{"unknown size", 5, 0, false, 4, "workload size unavailable"},
		{"small two targets", 2, 64 * mib, false, 1, "small two-target workload"},
		{"small per target", 3, 100 * mib, false, 1, "small per-target workload"},
		{"medium", 6, 300 * mib, false, 2, "medium workload"},
		{"large", 8, 2048 * mib, false, 4, "large workload"},
		{"large two targets", 2, 200 * mib, false, 2, "large workload"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := ChoosePlan(tc.count, tc.total, tc.cached, 4, th)
			assert.Equal(t, tc.workers, d.Workers)
			assert.Equal(t, tc.reason, d.Reason)
		})
	}
}

func TestChoosePlan_WorkersAreBounded(t *testing.T) {
	th := DefaultThresholds()
	assert.Equal(t, 3, ChoosePlan(3, 4096*mib, false, 16, th).Workers)
	assert.Equal(t, 1, ChoosePlan(8, 4096*mib, false, 0, th).Workers)
	// Medium workloads only cap at two when more than two workers are available.
	d := ChoosePlan(6, 300*mib, false, 2, th)
	assert.Equal(t, 2, d.Workers)
	assert.Equal(t, "large workload", d.Reason)
}

func TestExecutionNote(t *testing.T) {
	assert.Equal(t, "serial", ExecutionPlan{Strategy: StrategySerial, Workers: 1}.Note())
	assert.Equal(t, "parallel (thread pool, 4 workers)", ExecutionPlan{Strategy: StrategyThreadPool, Workers: 4}.Note())
	assert.Equal(t, "parallel (process pool, 2 workers)", ExecutionPlan{Strategy: StrategyProcessPool, Workers: 2}.Note())
	assert.Equal(t, "not started", ExecutionPlan{}.Note())
}

func TestAggregateStatus(t *testing.T) {
	r := func(ss ...Status) []TargetResult {
		out := make([]TargetResult, len(ss))
		for i, s := range ss {
			out[i].Status = s
		}
		return out
	}
	assert.Equal(t, StatusComplete, aggregateStatus(r(StatusComplete, StatusComplete)))
	assert.Equal(t, StatusPartial, aggregateStatus(r(StatusComplete, StatusFailed)))
	assert.Equal(t, StatusFailed, aggregateStatus(r(StatusFailed, StatusFailed)))
	assert.Equal(t, StatusCancelled, aggregateStatus(r(StatusComplete, StatusFailed, StatusCancelled)))
}
