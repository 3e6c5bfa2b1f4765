package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/oicur0t/smlog/internal/indexcache"
	"github.com/oicur0t/smlog/internal/logkind"
)

// EngineConfig tunes planning, caching and progress
type EngineConfig struct {
	MaxWorkers       int
	Thresholds       Thresholds
	ProgressInterval time.Duration
	CacheCapacity    int
	MaxScaffoldBytes int64
	// Warm enables the background scaffold pass after each run
	Warm bool
	// WorkerLogLevel is passed to worker processes
	WorkerLogLevel string
}

// DefaultEngineConfig returns the built-in engine settings
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxWorkers:       DefaultMaxWorkers(),
		Thresholds:       DefaultThresholds(),
		ProgressInterval: DefaultProgressInterval,
		CacheCapacity:    indexcache.DefaultCapacity,
		MaxScaffoldBytes: DefaultMaxScaffoldBytes,
		Warm:             true,
		WorkerLogLevel:   "info",
	}
}

// Engine plans and executes searches. It is safe for concurrent use.
type Engine struct {
	config  EngineConfig
	logger  *zap.Logger
	cache   *indexcache.Cache
	scanner *scanner

	strategies map[string]Strategy
	chain      []Strategy

	warmMu    sync.Mutex
	warmQueue chan warmTask
	warmGroup errgroup.Group
	stop      context.CancelFunc
	closed    bool
}

type warmTask struct {
	target Target
	kind   *logkind.Kind
}

// EngineOption customizes an Engine
type EngineOption func(*Engine)

// WithStrategies replaces the planner's fallback chain for every run
func WithStrategies(chain ...Strategy) EngineOption {
	return func(e *Engine) {
		e.chain = chain
		for _, s := range chain {
			e.strategies[s.Name()] = s
		}
	}
}

// WithCache makes the engine use an existing index cache
func WithCache(c *indexcache.Cache) EngineOption {
	return func(e *Engine) { e.cache = c }
}

// WithProcessPool replaces the built-in process-pool strategy, e.g. to point
// it at a different executable
func WithProcessPool(s *ProcessPoolStrategy) EngineOption {
	return func(e *Engine) { e.strategies[StrategyProcessPool] = s }
}

// NewEngine creates a search engine
func NewEngine(cfg EngineConfig, logger *zap.Logger, opts ...EngineOption) (*Engine, error) {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers()
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}

	process := NewProcessPoolStrategy(logger)
	process.LogLevel = cfg.WorkerLogLevel

	e := &Engine{
		config: cfg,
		logger: logger,
		strategies: map[string]Strategy{
			StrategySerial:      SerialStrategy{},
			StrategyThreadPool:  NewThreadPoolStrategy(logger),
			StrategyProcessPool: process,
		},
		warmQueue: make(chan warmTask, 64),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.cache == nil {
		cache, err := indexcache.New(cfg.CacheCapacity)
		if err != nil {
			return nil, err
		}
		e.cache = cache
	}
	e.scanner = &scanner{
		cache:            e.cache,
		logger:           logger,
		progressInterval: cfg.ProgressInterval,
		maxScaffoldBytes: cfg.MaxScaffoldBytes,
	}
	if p, ok := e.strategies[StrategyProcessPool].(*ProcessPoolStrategy); ok {
		p.settings = workerSettings{
			ProgressInterval: cfg.ProgressInterval,
			MaxScaffoldBytes: cfg.MaxScaffoldBytes,
			CacheCapacity:    cfg.CacheCapacity,
		}
	}

	ctx, stop := context.WithCancel(context.Background())
	e.stop = stop
	e.warmGroup.Go(func() error {
		e.warm(ctx)
		return nil
	})

	return e, nil
}

// Cache returns the engine's in-process index cache
func (e *Engine) Cache() *indexcache.Cache { return e.cache }

// Close stops the warm pass and waits for it to exit
func (e *Engine) Close() error {
	e.warmMu.Lock()
	if !e.closed {
		e.closed = true
		e.stop()
		close(e.warmQueue)
	}
	e.warmMu.Unlock()
	return e.warmGroup.Wait()
}

// RunOption customizes a single run
type RunOption func(*runOptions)

type runOptions struct {
	onProgress   func(ProgressReport)
	onTargetDone func(TargetResult)
	strategy     string
}

// WithProgress streams progress reports. Calls are never concurrent.
func WithProgress(fn func(ProgressReport)) RunOption {
	return func(o *runOptions) { o.onProgress = fn }
}

// WithTargetDone is called as each target finishes, in completion order.
// Calls are never concurrent.
func WithTargetDone(fn func(TargetResult)) RunOption {
	return func(o *runOptions) { o.onTargetDone = fn }
}

// WithStrategy forces a single named strategy with no fallback
func WithStrategy(name string) RunOption {
	return func(o *runOptions) { o.strategy = name }
}

// Run is the handle of a started search
type Run struct {
	ID string

	cancel context.CancelFunc
	done   chan struct{}
	result *Result
	err    error
}

// Done is closed when the run has finished
func (r *Run) Done() <-chan struct{} { return r.done }

// Cancel asks every worker to stop; finished targets keep their results
func (r *Run) Cancel() { r.cancel() }

// Wait blocks until the run finishes
func (r *Run) Wait() (*Result, error) {
	<-r.done
	return r.result, r.err
}

// Result returns the result if the run has finished
func (r *Run) Result() (*Result, bool) {
	select {
	case <-r.done:
		return r.result, true
	default:
		return nil, false
	}
}

// Start validates req and runs it in the background. Validation errors are
// returned before any target is scanned.
func (e *Engine) Start(ctx context.Context, req Request, opts ...RunOption) (*Run, error) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}

	req, kind, err := req.Validate()
	if err != nil {
		return nil, err
	}
	if _, _, err := e.cache.Matcher(req.MatcherOptions()); err != nil {
		return nil, err
	}
	if o.strategy != "" {
		if _, ok := e.strategies[o.strategy]; !ok {
			return nil, &ValidationError{Field: "strategy", Reason: fmt.Sprintf("unknown strategy %q", o.strategy)}
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	run := &Run{ID: uuid.NewString(), cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(run.done)
		defer cancel()
		run.result, run.err = e.execute(ctx, run.ID, req, kind, o)
	}()
	return run, nil
}

// Search runs req and blocks until it finishes
func (e *Engine) Search(ctx context.Context, req Request, opts ...RunOption) (*Result, error) {
	run, err := e.Start(ctx, req, opts...)
	if err != nil {
		return nil, err
	}
	return run.Wait()
}

// plan chooses the worker count and the strategy chain for a request
func (e *Engine) plan(req Request, kind *logkind.Kind, forced string) (Decision, []Strategy) {
	var total int64
	cached := true
	for _, t := range req.Targets {
		total += t.Size
		if cached {
			fp, err := indexcache.Fingerprint(t.Path)
			cached = err == nil && e.cache.Contains(indexcache.ScaffoldKey(t.Path, fp, kind.Name))
		}
	}
	d := ChoosePlan(len(req.Targets), total, cached, e.config.MaxWorkers, e.config.Thresholds)

	switch {
	case forced != "":
		if d.Workers == 1 && forced != StrategySerial {
			d.Workers = max(1, min(len(req.Targets), e.config.MaxWorkers))
		}
		return d, []Strategy{e.strategies[forced]}
	case e.chain != nil:
		return d, e.chain
	case d.Workers == 1:
		return d, []Strategy{e.strategies[StrategySerial]}
	}
	chain := make([]Strategy, 0, len(StrategyNames))
	for _, name := range StrategyNames {
		chain = append(chain, e.strategies[name])
	}
	return d, chain
}

func (e *Engine) execute(ctx context.Context, runID string, req Request, kind *logkind.Kind, o runOptions) (*Result, error) {
	start := time.Now()
	decision, chain := e.plan(req, kind, o.strategy)
	plan := ExecutionPlan{Workers: decision.Workers, Reason: decision.Reason}

	logger := e.logger.With(zap.String("run_id", runID))
	logger.Info("Starting search",
		zap.String("kind", kind.Name),
		zap.String("mode", string(req.Mode)),
		zap.Int("targets", len(req.Targets)),
		zap.Int("workers", decision.Workers),
		zap.String("reason", decision.Reason))

	results := make([]*TargetResult, len(req.Targets))
	var mu sync.Mutex
	onDone := serialized(o.onTargetDone)
	finish := func(i int, r TargetResult) {
		mu.Lock()
		if results[i] != nil {
			mu.Unlock()
			return
		}
		results[i] = &r
		mu.Unlock()
		if onDone != nil {
			onDone(r)
		}
	}
	pending := func() []int {
		mu.Lock()
		defer mu.Unlock()
		var out []int
		for i, r := range results {
			if r == nil {
				out = append(out, i)
			}
		}
		return out
	}

	emit := serialized(o.onProgress)
	var lastErr error
	for _, strategy := range chain {
		todo := pending()
		if len(todo) == 0 || ctx.Err() != nil {
			break
		}
		job := &Job{
			RunID:   runID,
			Request: req,
			Kind:    kind,
			Pending: todo,
			Workers: decision.Workers,
			scanner: e.scanner,
			emit:    emit,
			finish:  finish,
		}

		err := attempt(ctx, strategy, job)
		if err == nil {
			plan.Strategy = strategy.Name()
			plan.Attempts = append(plan.Attempts, Attempt{Strategy: strategy.Name()})
			lastErr = nil
			break
		}
		plan.Attempts = append(plan.Attempts, Attempt{Strategy: strategy.Name(), Error: err.Error()})
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		logger.Warn("Strategy unavailable, falling back",
			zap.String("strategy", strategy.Name()),
			zap.Error(err))
	}

	remaining := pending()
	if len(remaining) > 0 && ctx.Err() == nil {
		if lastErr == nil {
			return nil, ErrNoStrategy
		}
		return nil, fmt.Errorf("%w: %w", ErrNoStrategy, lastErr)
	}
	for _, i := range remaining {
		finish(i, cancelledResult(req.Targets[i]))
	}

	res := &Result{
		RunID:   runID,
		Request: req,
		Targets: make([]TargetResult, len(results)),
		Plan:    plan,
	}
	for i, r := range results {
		res.Targets[i] = *r
		res.BytesScanned += r.BytesScanned
	}
	res.Status = aggregateStatus(res.Targets)
	res.Elapsed = time.Since(start)

	logger.Info("Search finished",
		zap.String("status", string(res.Status)),
		zap.String("strategy", plan.Strategy),
		zap.Int("conversations", res.Conversations()),
		zap.Int64("bytes", res.BytesScanned),
		zap.Duration("elapsed", res.Elapsed))

	e.scheduleWarm(req, kind)
	return res, nil
}

// attempt runs one strategy to completion. Errors other than cancellation are
// treated as environment failures of that strategy.
func attempt(ctx context.Context, s Strategy, job *Job) error {
	ex, err := s.Attempt(ctx, job)
	if err == nil {
		err = ex.Wait()
	}
	if err == nil {
		return nil
	}
	var envErr *EnvironmentError
	if !errors.As(err, &envErr) {
		err = &EnvironmentError{Strategy: s.Name(), Cause: err}
	}
	return err
}

func (e *Engine) scheduleWarm(req Request, kind *logkind.Kind) {
	if !e.config.Warm {
		return
	}
	e.warmMu.Lock()
	defer e.warmMu.Unlock()
	if e.closed {
		return
	}
	for _, t := range req.Targets {
		select {
		case e.warmQueue <- warmTask{target: t, kind: kind}:
		default:
			return
		}
	}
}

// warm builds missing scaffolds one target at a time until the engine closes
func (e *Engine) warm(ctx context.Context) {
	for task := range e.warmQueue {
		if ctx.Err() != nil {
			continue
		}
		if err := e.scanner.warmTarget(ctx, task.target, task.kind); err != nil && ctx.Err() == nil {
			e.logger.Debug("Warm pass skipped target",
				zap.String("target", task.target.Path),
				zap.Error(err))
		}
	}
}
