package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/oicur0t/smlog/internal/conversation"
	"github.com/oicur0t/smlog/internal/export"
	"github.com/oicur0t/smlog/internal/logfiles"
	"github.com/oicur0t/smlog/internal/logkind"
	"github.com/oicur0t/smlog/internal/matcher"
	"github.com/oicur0t/smlog/internal/render"
	"github.com/oicur0t/smlog/internal/search"
)

type searchFlags struct {
	kind           string
	mode           string
	dates          []string
	logFile        string
	caseSensitive  bool
	fuzzyThreshold float64
	fuzzyBackend   string
	resultMode     string
	format         string
	strategy       string
	exportMongo    bool
	forceStage     bool
	progress       bool
	list           bool
}

func newSearchCmd(a *app) *cobra.Command {
	var f searchFlags
	cmd := &cobra.Command{
		Use:   "search [flags] <term>",
		Short: "Search logs and group matches into conversations",
		Long: "Search one or more logs of a kind. Without --date or --log-file the newest\n" +
			"log is searched. Exit codes: 0 success, 1 failure, 2 invalid input, 130 cancelled.",
		Args: maxArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSearch(cmd, f, args)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.kind, "kind", "k", "", "Log kind to search (default from config)")
	fl.StringVarP(&f.mode, "mode", "m", "", "Search mode: literal, wildcard, regex, fuzzy")
	fl.StringArrayVarP(&f.dates, "date", "d", nil, "Date (YYYY.MM.DD) of a log to search, repeatable")
	fl.StringVar(&f.logFile, "log-file", "", "Specific log file (relative to the logs directory unless absolute)")
	fl.BoolVarP(&f.caseSensitive, "case-sensitive", "s", false, "Treat the term as case-sensitive")
	fl.Float64Var(&f.fuzzyThreshold, "fuzzy-threshold", 0, "Minimum similarity for fuzzy mode, 0 to 1")
	fl.StringVar(&f.fuzzyBackend, "fuzzy-backend", "", "Fuzzy distance backend: auto, native, builtin")
	fl.StringVarP(&f.resultMode, "result-mode", "r", "", "related (whole conversations) or matching-only")
	fl.StringVarP(&f.format, "format", "o", "", "Output format: text, json, yaml")
	fl.StringVar(&f.strategy, "strategy", "", "Force an execution strategy: serial, thread-pool, process-pool")
	fl.BoolVar(&f.exportMongo, "export-mongo", false, "Also export matched conversations to MongoDB")
	fl.BoolVar(&f.forceStage, "force-stage", false, "Copy logs into the staging directory even if already staged")
	fl.BoolVar(&f.progress, "progress", false, "Print progress to stderr")
	fl.BoolVar(&f.list, "list", false, "List available logs of the kind and exit")
	return cmd
}

func (a *app) runSearch(cmd *cobra.Command, f searchFlags, args []string) error {
	kind, err := a.kind(f.kind)
	if err != nil {
		return err
	}
	if f.list {
		return a.listLogs(kind)
	}
	if len(args) == 0 || args[0] == "" {
		return usageError("search term is required unless --list is supplied")
	}
	if len(f.dates) > 0 && f.logFile != "" {
		return usageError("--date and --log-file cannot be combined")
	}

	req, format, err := a.searchRequest(cmd, f, kind, args[0])
	if err != nil {
		return err
	}

	sources, err := a.resolveSources(kind, f.dates, f.logFile)
	if err != nil {
		return err
	}
	req.Targets, err = a.stageTargets(sources, kind, f.forceStage)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context(), a.logger)
	defer stop()

	engine, err := search.NewEngine(a.cfg.EngineConfig(), a.logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	var opts []search.RunOption
	if f.strategy != "" {
		opts = append(opts, search.WithStrategy(f.strategy))
	}
	if f.progress {
		opts = append(opts, search.WithProgress(a.printProgress))
	}
	opts = append(opts, search.WithTargetDone(func(tr search.TargetResult) {
		a.logger.Debug("Target finished",
			zap.String("target", tr.Target.Label),
			zap.String("status", string(tr.Status)),
			zap.Int("conversations", len(tr.Conversations)))
	}))

	res, err := engine.Search(ctx, req, opts...)
	if err != nil {
		return err
	}

	if err := render.Write(a.stdout, format, res); err != nil {
		return err
	}

	if f.exportMongo && res.Status != search.StatusCancelled {
		if err := a.exportResult(ctx, res); err != nil {
			return err
		}
	}

	switch res.Status {
	case search.StatusFailed:
		return &exitError{code: exitFailure}
	case search.StatusCancelled:
		return &exitError{code: exitCancelled}
	}
	return nil
}

// searchRequest merges flags with configured defaults
func (a *app) searchRequest(cmd *cobra.Command, f searchFlags, kind *logkind.Kind, term string) (search.Request, render.Format, error) {
	s := a.cfg.Search
	changed := cmd.Flags().Changed
	pick := func(flag, value, fallback string) string {
		if changed(flag) {
			return value
		}
		return fallback
	}

	mode, err := matcher.ParseMode(pick("mode", f.mode, s.Mode))
	if err != nil {
		return search.Request{}, "", &exitError{code: exitUsage, err: err}
	}
	resultMode, err := conversation.ParseResultMode(pick("result-mode", f.resultMode, s.ResultMode))
	if err != nil {
		return search.Request{}, "", &exitError{code: exitUsage, err: err}
	}
	backend, err := matcher.ParseBackend(pick("fuzzy-backend", f.fuzzyBackend, s.FuzzyBackend))
	if err != nil {
		return search.Request{}, "", &exitError{code: exitUsage, err: err}
	}
	format, err := render.ParseFormat(pick("format", f.format, s.Format))
	if err != nil {
		return search.Request{}, "", &exitError{code: exitUsage, err: err}
	}

	threshold := s.FuzzyThreshold
	if changed("fuzzy-threshold") {
		threshold = f.fuzzyThreshold
	}
	caseSensitive := s.CaseSensitive
	if changed("case-sensitive") {
		caseSensitive = f.caseSensitive
	}

	return search.Request{
		Mode:           mode,
		Pattern:        term,
		CaseSensitive:  caseSensitive,
		FuzzyThreshold: threshold,
		FuzzyBackend:   backend,
		ResultMode:     resultMode,
		Kind:           kind.Name,
	}, format, nil
}

// resolveSources picks the original log files to search, in request order
func (a *app) resolveSources(kind *logkind.Kind, dates []string, logFile string) ([]string, error) {
	dir := a.cfg.LogsDir
	if logFile != "" {
		path, err := a.logPath(logFile)
		if err != nil {
			return nil, err
		}
		return []string{path}, nil
	}

	if len(dates) == 0 {
		info, err := logfiles.Newest(dir, kind.Stem)
		if err != nil {
			return nil, err
		}
		if info == nil {
			return nil, usageError("no %s logs found in %s", kind.Name, dir)
		}
		return []string{info.Path}, nil
	}

	seen := make(map[string]bool, len(dates))
	sources := make([]string, 0, len(dates))
	for _, value := range dates {
		day, err := logfiles.ParseStamp(value)
		if err != nil {
			return nil, err
		}
		info, err := logfiles.FindByDate(dir, kind.Stem, day)
		if err != nil {
			return nil, err
		}
		if info == nil {
			return nil, usageError("no %s log found for %s in %s", kind.Name, day.Format(logfiles.StampLayout), dir)
		}
		if !seen[info.Path] {
			seen[info.Path] = true
			sources = append(sources, info.Path)
		}
	}
	return sources, nil
}

func (a *app) stageTargets(sources []string, kind *logkind.Kind, force bool) ([]search.Target, error) {
	targets := make([]search.Target, 0, len(sources))
	today := time.Now()
	for _, src := range sources {
		staged, err := logfiles.Stage(src, a.cfg.StagingDir, today, force)
		if err != nil {
			return nil, &exitError{code: exitFailure, err: fmt.Errorf("failed to stage log %s: %w", src, err)}
		}
		a.logger.Debug("Log staged", zap.String("source", src), zap.String("staged", staged.Path), zap.Int64("size", staged.Size))
		targets = append(targets, search.Target{
			Path:  staged.Path,
			Kind:  kind.Name,
			Label: staged.Info.Label(),
			Size:  staged.Size,
		})
	}
	return targets, nil
}

func (a *app) printProgress(p search.ProgressReport) {
	pct := 100
	if p.TotalBytes > 0 {
		pct = int(p.BytesScanned * 100 / p.TotalBytes)
	}
	fmt.Fprintf(a.stderr, "[%s] %3d%% %d line(s) %s (%s)\n", p.Target.Label, pct, p.LinesScanned, p.Phase, p.ExecutionMode)
}

func (a *app) exportResult(ctx context.Context, res *search.Result) error {
	store, err := export.NewStore(ctx, a.cfg.Export.MongoDB, a.cfg.Export.Retry, a.logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Close(closeCtx)
	}()

	batcher := export.NewBatcher(a.cfg.Export.Batching, a.logger, store)
	done := make(chan error, 1)
	go func() { done <- batcher.Run(ctx) }()

	queued, addErr := export.Result(ctx, batcher, res, a.cfg.Hostname)
	batcher.Close()
	runErr := <-done
	if addErr != nil {
		return fmt.Errorf("failed to queue conversations for export: %w", addErr)
	}
	if runErr != nil {
		return runErr
	}

	sent, _ := batcher.Stats()
	fmt.Fprintf(a.stderr, "Exported %d of %d conversation(s) to MongoDB database %s\n", sent, queued, a.cfg.Export.MongoDB.Database)
	return nil
}
