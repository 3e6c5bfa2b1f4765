package search

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ThreadPoolStrategy scans targets on a bounded set of goroutines sharing the
// engine's index cache
type ThreadPoolStrategy struct {
	logger *zap.Logger
}

// NewThreadPoolStrategy creates the in-process parallel strategy
func NewThreadPoolStrategy(logger *zap.Logger) *ThreadPoolStrategy {
	return &ThreadPoolStrategy{logger: logger}
}

func (s *ThreadPoolStrategy) Name() string { return StrategyThreadPool }

func (s *ThreadPoolStrategy) Attempt(ctx context.Context, job *Job) (Execution, error) {
	workers := max(1, job.Workers)
	note := executionNote(StrategyThreadPool, workers)

	var g errgroup.Group
	g.SetLimit(workers)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, i := range job.Pending {
			if ctx.Err() != nil {
				break
			}
			i := i
			g.Go(func() error {
				job.Finish(i, s.scanRecovered(ctx, job, i, note))
				return nil
			})
		}
		_ = g.Wait()
	}()

	return ExecutionFunc(func() error {
		<-done
		return nil
	}), nil
}

// scanRecovered turns a panic inside one target into a failed result
func (s *ThreadPoolStrategy) scanRecovered(ctx context.Context, job *Job, i int, note string) (res TargetResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Worker panicked",
				zap.String("target", job.Request.Targets[i].Path),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			res = failedResult(job.Request.Targets[i], "worker panicked: %v", fmt.Sprint(r))
		}
	}()
	return job.Scan(ctx, i, note)
}
