package main

import (
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/oicur0t/smlog/internal/config"
	"github.com/oicur0t/smlog/internal/logkind"
)

// app holds what every command needs once flags are parsed
type app struct {
	configPath string
	logLevel   string
	logsDir    string
	stagingDir string

	cfg    *config.Config
	logger *zap.Logger
	stdout io.Writer
	stderr io.Writer
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "smlog",
		Short: "Search SmarterMail logs by conversation",
		Long: "smlog searches SmarterMail log files and groups matching lines into the\n" +
			"conversations they belong to. Large searches run in parallel.",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "Path to a YAML configuration file (default $SMLOG_CONFIG or the user config dir)")
	pf.StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	pf.StringVar(&a.logsDir, "logs-dir", "", "Directory containing the SmarterMail logs (overrides config)")
	pf.StringVar(&a.stagingDir, "staging-dir", "", "Directory logs are copied to before searching (overrides config)")

	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &exitError{code: exitUsage, err: err}
	})

	root.AddCommand(newSearchCmd(a))
	root.AddCommand(newListCmd(a))
	root.AddCommand(newFollowCmd(a))
	root.AddCommand(newKindsCmd(a))
	root.AddCommand(newPruneCmd(a))
	return root
}

func (a *app) setup() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if a.logsDir != "" {
		cfg.LogsDir = a.logsDir
	}
	if a.stagingDir != "" {
		cfg.StagingDir = a.stagingDir
	}

	logger, err := initLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}
	a.cfg = cfg
	a.logger = logger
	a.logger.Debug("Configuration loaded",
		zap.String("config", cfg.Path),
		zap.String("logs_dir", cfg.LogsDir),
		zap.String("staging_dir", cfg.StagingDir))
	return nil
}

func (a *app) close() {
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

// kind resolves the --kind flag, falling back to the configured default
func (a *app) kind(name string) (*logkind.Kind, error) {
	if name == "" {
		name = a.cfg.DefaultKind
	}
	return logkind.Lookup(name)
}

// logPath resolves a --log-file value relative to the logs directory
func (a *app) logPath(name string) (string, error) {
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(a.cfg.LogsDir, name)
	}
	if _, err := os.Stat(path); err != nil {
		return "", usageError("log file not found: %s", path)
	}
	return path, nil
}

// maxArgs rejects extra positional arguments as a usage error
func maxArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.MaximumNArgs(n)(cmd, args); err != nil {
			return &exitError{code: exitUsage, err: err}
		}
		return nil
	}
}
