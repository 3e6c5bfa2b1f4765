package search

import (
	"context"
	"sync"

	"github.com/oicur0t/smlog/internal/logkind"
)

// Strategy names
const (
	StrategySerial      = "serial"
	StrategyThreadPool  = "thread-pool"
	StrategyProcessPool = "process-pool"
)

// StrategyNames lists the built-in strategies in fallback order
var StrategyNames = []string{StrategyThreadPool, StrategyProcessPool, StrategySerial}

// Strategy runs the pending targets of a job. Attempt returns an
// *EnvironmentError when the strategy cannot run in this environment.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, job *Job) (Execution, error)
}

// Execution is a started strategy. Wait returns an *EnvironmentError if the
// strategy broke down part way; targets it finished keep their results.
type Execution interface {
	Wait() error
}

// ExecutionFunc adapts a function to Execution
type ExecutionFunc func() error

func (f ExecutionFunc) Wait() error { return f() }

// Job is the unit of work handed to a strategy
type Job struct {
	RunID   string
	Request Request
	Kind    *logkind.Kind
	// Pending holds indexes into Request.Targets that still need a result
	Pending []int
	Workers int

	scanner *scanner
	emit    func(ProgressReport)
	finish  func(int, TargetResult)
}

// Scan searches one pending target in this process
func (j *Job) Scan(ctx context.Context, index int, note string) TargetResult {
	return j.scanner.scanTarget(ctx, index, j.Request.Targets[index], scanJob{
		runID:   j.RunID,
		request: j.Request,
		kind:    j.Kind,
		note:    note,
		emit:    j.emit,
	})
}

// Finish records the result of a target; safe for concurrent use
func (j *Job) Finish(index int, r TargetResult) {
	j.finish(index, r)
}

// Report forwards a progress report; safe for concurrent use
func (j *Job) Report(r ProgressReport) {
	if j.emit != nil {
		j.emit(r)
	}
}

// SerialStrategy scans targets one at a time in request order
type SerialStrategy struct{}

func (SerialStrategy) Name() string { return StrategySerial }

func (SerialStrategy) Attempt(ctx context.Context, job *Job) (Execution, error) {
	return ExecutionFunc(func() error {
		note := executionNote(StrategySerial, 1)
		for _, i := range job.Pending {
			if ctx.Err() != nil {
				return nil
			}
			job.Finish(i, job.Scan(ctx, i, note))
		}
		return nil
	}), nil
}

// serialized wraps a callback so concurrent workers never call it in parallel
func serialized[T any](fn func(T)) func(T) {
	if fn == nil {
		return nil
	}
	var mu sync.Mutex
	return func(v T) {
		mu.Lock()
		defer mu.Unlock()
		fn(v)
	}
}
