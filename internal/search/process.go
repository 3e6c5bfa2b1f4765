package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultWorkerWaitDelay bounds how long a cancelled worker process may take to exit
const DefaultWorkerWaitDelay = 5 * time.Second

// ProcessPoolStrategy scans targets in re-executed copies of the current
// binary. Each worker process owns its own index cache.
type ProcessPoolStrategy struct {
	// Executable defaults to os.Executable()
	Executable string
	Args       []string
	LogLevel   string
	WaitDelay  time.Duration

	settings workerSettings
	logger   *zap.Logger
}

// NewProcessPoolStrategy creates the multi-process strategy
func NewProcessPoolStrategy(logger *zap.Logger) *ProcessPoolStrategy {
	return &ProcessPoolStrategy{logger: logger, WaitDelay: DefaultWorkerWaitDelay}
}

func (s *ProcessPoolStrategy) Name() string { return StrategyProcessPool }

func (s *ProcessPoolStrategy) Attempt(ctx context.Context, job *Job) (Execution, error) {
	exe := s.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, &EnvironmentError{Strategy: StrategyProcessPool, Cause: err}
		}
	}

	workers := max(1, min(job.Workers, len(job.Pending)))
	note := executionNote(StrategyProcessPool, workers)

	queue := make(chan int, len(job.Pending))
	for _, i := range job.Pending {
		queue <- i
	}
	close(queue)

	procs := make([]*workerProcess, 0, workers)
	for w := 0; w < workers; w++ {
		p, err := s.start(ctx, exe)
		if err != nil {
			for _, started := range procs {
				started.abort()
			}
			return nil, &EnvironmentError{Strategy: StrategyProcessPool, Cause: err}
		}
		procs = append(procs, p)
	}
	s.logger.Debug("Worker processes started",
		zap.Int("workers", workers),
		zap.Int("targets", len(job.Pending)))

	var g errgroup.Group
	for _, p := range procs {
		p := p
		g.Go(func() error {
			return p.serve(ctx, job, queue, note, s.settings)
		})
	}

	return ExecutionFunc(func() error {
		err := g.Wait()
		if err == nil || ctx.Err() != nil {
			return nil
		}
		return &EnvironmentError{Strategy: StrategyProcessPool, Cause: err}
	}), nil
}

type workerProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	enc   *lockedEncoder
	dec   *json.Decoder
}

func (s *ProcessPoolStrategy) start(ctx context.Context, exe string) (*workerProcess, error) {
	cmd := exec.CommandContext(ctx, exe, s.Args...)
	cmd.Env = append(os.Environ(), WorkerEnv+"=1")
	if s.LogLevel != "" {
		cmd.Env = append(cmd.Env, WorkerLogLevelEnv+"="+s.LogLevel)
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdout: %w", err)
	}

	p := &workerProcess{cmd: cmd, stdin: stdin, enc: newLockedEncoder(stdin), dec: json.NewDecoder(stdout)}

	// Cancellation is cooperative; WaitDelay kills a worker that ignores it.
	cmd.Cancel = func() error {
		if err := p.enc.send(message{Type: msgCancel}); err != nil {
			return cmd.Process.Kill()
		}
		return nil
	}
	cmd.WaitDelay = s.WaitDelay

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker process: %w", err)
	}
	return p, nil
}

// serve feeds targets from queue to the worker until the queue drains or ctx
// is cancelled
func (p *workerProcess) serve(ctx context.Context, job *Job, queue <-chan int, note string, settings workerSettings) error {
	for i := range queue {
		if ctx.Err() != nil {
			break
		}
		req := job.Request
		req.Targets = []Target{job.Request.Targets[i]}
		task := &wireTask{RunID: job.RunID, Index: i, Request: req, Note: note, Settings: settings}
		if err := p.enc.send(message{Type: msgTask, Index: i, Task: task}); err != nil {
			p.abort()
			return fmt.Errorf("failed to send task to worker %d: %w", p.cmd.Process.Pid, err)
		}

		if err := p.await(job, i); err != nil {
			p.abort()
			return err
		}
	}

	p.stdin.Close()
	if err := p.cmd.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("worker %d exited: %w", p.cmd.Process.Pid, err)
	}
	return nil
}

// await relays progress until the result for target i arrives
func (p *workerProcess) await(job *Job, i int) error {
	for {
		var m message
		if err := p.dec.Decode(&m); err != nil {
			return fmt.Errorf("lost worker %d: %w", p.cmd.Process.Pid, err)
		}
		switch m.Type {
		case msgProgress:
			if m.Progress != nil {
				job.Report(*m.Progress)
			}
		case msgResult:
			if m.Result == nil || m.Index != i {
				return fmt.Errorf("worker %d sent an unexpected result for target %d", p.cmd.Process.Pid, m.Index)
			}
			job.Finish(i, *m.Result)
			return nil
		}
	}
}

func (p *workerProcess) abort() {
	p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	_ = p.cmd.Wait()
}
