package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/oicur0t/smlog/internal/indexcache"
)

// Environment variables understood by worker processes
const (
	WorkerEnv         = "SMLOG_SEARCH_WORKER"
	WorkerLogLevelEnv = "SMLOG_WORKER_LOG_LEVEL"
)

type messageType string

const (
	msgTask     messageType = "request"
	msgCancel   messageType = "cancel"
	msgProgress messageType = "progress"
	msgResult   messageType = "result"
)

type workerSettings struct {
	ProgressInterval time.Duration `json:"progress_interval"`
	MaxScaffoldBytes int64         `json:"max_scaffold_bytes"`
	CacheCapacity    int           `json:"cache_capacity"`
}

// wireTask asks a worker process to scan Request.Targets[0]; Index is the
// target's position in the parent's request
type wireTask struct {
	RunID    string         `json:"run_id"`
	Index    int            `json:"index"`
	Request  Request        `json:"request"`
	Note     string         `json:"note"`
	Settings workerSettings `json:"settings"`
}

type message struct {
	Type     messageType     `json:"type"`
	Index    int             `json:"index"`
	Task     *wireTask       `json:"task,omitempty"`
	Progress *ProgressReport `json:"progress,omitempty"`
	Result   *TargetResult   `json:"result,omitempty"`
}

// lockedEncoder serializes writes of whole messages
type lockedEncoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newLockedEncoder(w io.Writer) *lockedEncoder {
	return &lockedEncoder{enc: json.NewEncoder(w)}
}

func (e *lockedEncoder) send(m message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Encode(m)
}

// IsWorkerProcess reports whether this process was started as a search worker
func IsWorkerProcess() bool {
	return os.Getenv(WorkerEnv) == "1"
}

// WorkerMain runs the worker protocol on stdin/stdout and returns an exit code.
// Binaries call it first thing when IsWorkerProcess is true.
func WorkerMain() int {
	// The parent owns cancellation and forwards it as a message.
	signal.Ignore(os.Interrupt)

	level := zapcore.InfoLevel
	if v := os.Getenv(WorkerLogLevelEnv); v != "" {
		if l, err := zapcore.ParseLevel(v); err == nil {
			level = l
		}
	}
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(level)
	logger, err := config.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	logger = logger.With(zap.Int("worker_pid", os.Getpid()))
	if err := RunWorker(context.Background(), os.Stdin, os.Stdout, logger); err != nil {
		logger.Error("Worker failed", zap.Error(err))
		return 1
	}
	return 0
}

// RunWorker serves scan tasks read from in until it is closed. A cancel
// message cancels the running task and every later one.
func RunWorker(ctx context.Context, in io.Reader, out io.Writer, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	enc := newLockedEncoder(out)
	tasks := make(chan *wireTask)
	readErr := make(chan error, 1)

	go func() {
		defer close(tasks)
		dec := json.NewDecoder(in)
		for {
			var m message
			if err := dec.Decode(&m); err != nil {
				if err != io.EOF {
					readErr <- fmt.Errorf("failed to decode message: %w", err)
				}
				return
			}
			switch m.Type {
			case msgCancel:
				logger.Debug("Cancel received")
				cancel()
			case msgTask:
				if m.Task == nil {
					readErr <- fmt.Errorf("request message without task")
					return
				}
				tasks <- m.Task
			default:
				logger.Warn("Ignoring unknown message", zap.String("type", string(m.Type)))
			}
		}
	}()

	var s *scanner
	for task := range tasks {
		if s == nil {
			cache, err := indexcache.New(task.Settings.CacheCapacity)
			if err != nil {
				return err
			}
			s = &scanner{
				cache:            cache,
				logger:           logger,
				progressInterval: task.Settings.ProgressInterval,
				maxScaffoldBytes: task.Settings.MaxScaffoldBytes,
			}
		}
		res := runTask(ctx, s, task, enc)
		if err := enc.send(message{Type: msgResult, Index: task.Index, Result: &res}); err != nil {
			return fmt.Errorf("failed to send result: %w", err)
		}
	}

	select {
	case err := <-readErr:
		return err
	default:
		return nil
	}
}

func runTask(ctx context.Context, s *scanner, task *wireTask, enc *lockedEncoder) TargetResult {
	req, kind, err := task.Request.Validate()
	if err != nil {
		var target Target
		if len(task.Request.Targets) > 0 {
			target = task.Request.Targets[0]
		}
		return failedResult(target, "invalid task: %v", err)
	}
	emit := func(p ProgressReport) {
		_ = enc.send(message{Type: msgProgress, Index: task.Index, Progress: &p})
	}
	return s.scanTarget(ctx, task.Index, req.Targets[0], scanJob{
		runID:   task.RunID,
		request: req,
		kind:    kind,
		note:    task.Note,
		emit:    emit,
	})
}
