package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/oicur0t/smlog/internal/export"
	"github.com/oicur0t/smlog/internal/follow"
	"github.com/oicur0t/smlog/internal/logfiles"
	"github.com/oicur0t/smlog/internal/logkind"
	"github.com/oicur0t/smlog/internal/matcher"
	"github.com/oicur0t/smlog/internal/render"
)

type followFlags struct {
	kind          string
	mode          string
	logFile       string
	caseSensitive bool
	threshold     float64
	fromStart     bool
	stateFile     string
	format        string
	exportMongo   bool
}

func newFollowCmd(a *app) *cobra.Command {
	var f followFlags
	cmd := &cobra.Command{
		Use:   "follow [flags] <term>",
		Short: "Search the newest log as it grows",
		Long: "Follow the newest log of a kind (or --log-file) and print every new matching\n" +
			"line with its conversation key. The read position is saved on exit.",
		Args: maxArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runFollow(cmd, f, args)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.kind, "kind", "k", "", "Log kind to follow (default from config)")
	fl.StringVarP(&f.mode, "mode", "m", "", "Search mode: literal, wildcard, regex, fuzzy")
	fl.StringVar(&f.logFile, "log-file", "", "Specific log file (relative to the logs directory unless absolute)")
	fl.BoolVarP(&f.caseSensitive, "case-sensitive", "s", false, "Treat the term as case-sensitive")
	fl.Float64Var(&f.threshold, "fuzzy-threshold", 0, "Minimum similarity for fuzzy mode, 0 to 1")
	fl.BoolVar(&f.fromStart, "from-start", false, "Read the existing content before following")
	fl.StringVar(&f.stateFile, "state-file", "", "File that keeps the read position (overrides config)")
	fl.StringVarP(&f.format, "format", "o", "", "Output format: text or json (one object per line)")
	fl.BoolVar(&f.exportMongo, "export-mongo", false, "Also export matching lines to MongoDB")
	return cmd
}

func (a *app) runFollow(cmd *cobra.Command, f followFlags, args []string) error {
	if len(args) == 0 || args[0] == "" {
		return usageError("search term is required")
	}
	kind, err := a.kind(f.kind)
	if err != nil {
		return err
	}

	changed := cmd.Flags().Changed
	modeValue := a.cfg.Search.Mode
	if changed("mode") {
		modeValue = f.mode
	}
	opts := matcher.Options{
		Pattern:        args[0],
		CaseSensitive:  a.cfg.Search.CaseSensitive,
		FuzzyThreshold: a.cfg.Search.FuzzyThreshold,
		Backend:        matcher.Backend(a.cfg.Search.FuzzyBackend),
	}
	if opts.Mode, err = matcher.ParseMode(modeValue); err != nil {
		return &exitError{code: exitUsage, err: err}
	}
	if changed("case-sensitive") {
		opts.CaseSensitive = f.caseSensitive
	}
	if changed("fuzzy-threshold") {
		opts.FuzzyThreshold = f.threshold
	}
	m, err := matcher.Compile(opts)
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}

	format := render.FormatText
	if changed("format") {
		if format, err = render.ParseFormat(f.format); err != nil || format == render.FormatYAML {
			return usageError("follow output must be text or json")
		}
	}

	path, err := a.followPath(kind, f.logFile)
	if err != nil {
		return err
	}

	cfg := a.cfg.Follow
	if changed("from-start") {
		cfg.FromStart = f.fromStart
	}
	if changed("state-file") {
		cfg.StateFile = f.stateFile
	}

	ctx, stop := signalContext(cmd.Context(), a.logger)
	defer stop()

	var batcher *export.Batcher
	batchDone := make(chan error, 1)
	if f.exportMongo {
		store, err := export.NewStore(ctx, a.cfg.Export.MongoDB, a.cfg.Export.Retry, a.logger)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = store.Close(closeCtx)
		}()
		batcher = export.NewBatcher(a.cfg.Export.Batching, a.logger, store)
		go func() { batchDone <- batcher.Run(context.WithoutCancel(ctx)) }()
	}
	src := export.Source{
		RunID:    uuid.NewString(),
		Hostname: a.cfg.Hostname,
		Kind:     kind.Name,
		Mode:     string(opts.Mode),
		Pattern:  opts.Pattern,
	}

	matches := make(chan follow.Match, 64)
	follower := follow.New(path, kind, m, cfg, a.logger, matches)
	followDone := make(chan error, 1)
	go func() {
		followDone <- follower.Run(ctx)
		close(matches)
	}()

	enc := json.NewEncoder(a.stdout)
	for match := range matches {
		if format == render.FormatJSON {
			if err := enc.Encode(match); err != nil {
				a.logger.Error("Failed to write match", zap.Error(err))
			}
		} else {
			fmt.Fprintf(a.stdout, "[%s] %d: %s\n", match.Key, match.LineNumber, match.Text)
		}
		if batcher != nil {
			if err := batcher.Add(context.WithoutCancel(ctx), export.MatchDocument(src, match, time.Now().UTC())); err != nil {
				a.logger.Warn("Match not exported", zap.Error(err))
			}
		}
	}

	followErr := <-followDone
	if batcher != nil {
		batcher.Close()
		if err := <-batchDone; err != nil {
			a.logger.Error("Export failed", zap.Error(err))
			if followErr == nil {
				followErr = err
			}
		}
	}
	if followErr != nil {
		return followErr
	}
	if ctx.Err() != nil {
		return &exitError{code: exitCancelled}
	}
	return nil
}

// followPath picks the live log to follow. Unlike search, the original file
// is read in place.
func (a *app) followPath(kind *logkind.Kind, logFile string) (string, error) {
	if logFile != "" {
		return a.logPath(logFile)
	}
	info, err := logfiles.Newest(a.cfg.LogsDir, kind.Stem)
	if err != nil {
		return "", err
	}
	if info == nil || info.Zipped {
		return "", usageError("no live %s log found in %s", kind.Name, a.cfg.LogsDir)
	}
	return info.Path, nil
}
