package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/oicur0t/smlog/internal/conversation"
	"github.com/oicur0t/smlog/internal/export"
	"github.com/oicur0t/smlog/internal/follow"
	"github.com/oicur0t/smlog/internal/logkind"
	"github.com/oicur0t/smlog/internal/matcher"
	"github.com/oicur0t/smlog/internal/search"
	"github.com/oicur0t/smlog/pkg/retry"
)

// EnvConfigPath names the variable that points at the config file
const EnvConfigPath = "SMLOG_CONFIG"

// SearchConfig holds defaults for search flags
type SearchConfig struct {
	Mode           string  `mapstructure:"mode"`
	ResultMode     string  `mapstructure:"result_mode"`
	CaseSensitive  bool    `mapstructure:"case_sensitive"`
	FuzzyThreshold float64 `mapstructure:"fuzzy_threshold"`
	FuzzyBackend   string  `mapstructure:"fuzzy_backend"`
	Format         string  `mapstructure:"format"`
}

// PlannerConfig holds execution planner settings
type PlannerConfig struct {
	// MaxWorkers of zero means one per CPU
	MaxWorkers        int `mapstructure:"max_workers"`
	search.Thresholds `mapstructure:",squash"`
	ProgressInterval  time.Duration `mapstructure:"progress_interval"`
}

// CacheConfig holds index cache settings
type CacheConfig struct {
	Capacity         int   `mapstructure:"capacity"`
	MaxScaffoldBytes int64 `mapstructure:"max_scaffold_bytes"`
	Warm             bool  `mapstructure:"warm"`
}

// ExportConfig holds MongoDB export settings
type ExportConfig struct {
	MongoDB  export.MongoConfig    `mapstructure:"mongodb"`
	Batching export.BatchingConfig `mapstructure:"batching"`
	Retry    retry.Config          `mapstructure:"retry"`
}

// Config represents the complete smlog configuration
type Config struct {
	// Path is the file the configuration was read from, empty for defaults
	Path             string        `mapstructure:"-"`
	LogsDir          string        `mapstructure:"logs_dir"`
	StagingDir       string        `mapstructure:"staging_dir"`
	StagingRetention time.Duration `mapstructure:"staging_retention"`
	DefaultKind      string        `mapstructure:"default_kind"`
	Hostname         string        `mapstructure:"hostname"`
	LogLevel         string        `mapstructure:"log_level"`
	LogFormat        string        `mapstructure:"log_format"`
	Search           SearchConfig  `mapstructure:"search"`
	Planner          PlannerConfig `mapstructure:"planner"`
	Cache            CacheConfig   `mapstructure:"cache"`
	Follow           follow.Config `mapstructure:"follow"`
	Export           ExportConfig  `mapstructure:"export"`
}

// DefaultPath returns $SMLOG_CONFIG or the per-user config file
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "smlog", "config.yaml")
}

// Load reads the configuration. An explicit path must exist; without one the
// default location is tried and a missing file means built-in defaults.
// SMLOG_ environment variables override both, e.g. SMLOG_SEARCH_MODE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("smlog")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		_, statErr := os.Stat(path)
		switch {
		case statErr == nil:
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		case explicit || !errors.Is(statErr, fs.ErrNotExist):
			return nil, fmt.Errorf("failed to read config file: %w", statErr)
		default:
			path = ""
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	config.Path = path

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		cacheDir = os.TempDir()
	}
	th := search.DefaultThresholds()
	eng := search.DefaultEngineConfig()
	mongo := export.DefaultMongoConfig()
	batching := export.DefaultBatchingConfig()
	retryCfg := retry.DefaultConfig()
	followCfg := follow.DefaultConfig()

	v.SetDefault("logs_dir", ".")
	v.SetDefault("staging_dir", filepath.Join(cacheDir, "smlog", "staging"))
	v.SetDefault("staging_retention", "336h")
	v.SetDefault("default_kind", logkind.SMTP)
	v.SetDefault("hostname", hostname())
	v.SetDefault("log_level", "warn")
	v.SetDefault("log_format", "console")

	v.SetDefault("search.mode", string(matcher.ModeLiteral))
	v.SetDefault("search.result_mode", string(conversation.Related))
	v.SetDefault("search.case_sensitive", false)
	v.SetDefault("search.fuzzy_threshold", matcher.DefaultFuzzyThreshold)
	v.SetDefault("search.fuzzy_backend", string(matcher.BackendAuto))
	v.SetDefault("search.format", "text")

	v.SetDefault("planner.max_workers", 0)
	v.SetDefault("planner.small_two_target_bytes", th.SmallTwoTargetBytes)
	v.SetDefault("planner.small_per_target_bytes", th.SmallPerTargetBytes)
	v.SetDefault("planner.medium_total_bytes", th.MediumTotalBytes)
	v.SetDefault("planner.progress_interval", eng.ProgressInterval.String())

	v.SetDefault("cache.capacity", eng.CacheCapacity)
	v.SetDefault("cache.max_scaffold_bytes", eng.MaxScaffoldBytes)
	v.SetDefault("cache.warm", eng.Warm)

	v.SetDefault("follow.state_file", filepath.Join(cacheDir, "smlog", "follow-state.json"))
	v.SetDefault("follow.from_start", false)
	v.SetDefault("follow.save_interval", followCfg.SaveInterval.String())
	v.SetDefault("follow.send_timeout", followCfg.SendTimeout.String())

	v.SetDefault("export.mongodb.uri", mongo.URI)
	v.SetDefault("export.mongodb.database", mongo.Database)
	v.SetDefault("export.mongodb.collection_prefix", mongo.CollectionPrefix)
	v.SetDefault("export.mongodb.cert_key_file", "")
	v.SetDefault("export.mongodb.max_pool_size", mongo.MaxPoolSize)
	v.SetDefault("export.mongodb.ttl_days", 30)
	v.SetDefault("export.mongodb.connect_timeout", mongo.ConnectTimeout.String())
	v.SetDefault("export.mongodb.tls.ca_cert", "")
	v.SetDefault("export.mongodb.tls.client_cert", "")
	v.SetDefault("export.mongodb.tls.client_key", "")
	v.SetDefault("export.mongodb.tls.server_name", "")
	v.SetDefault("export.batching.max_size", batching.MaxSize)
	v.SetDefault("export.batching.max_wait", batching.MaxWait.String())
	v.SetDefault("export.batching.queue_size", batching.QueueSize)
	v.SetDefault("export.batching.final_flush", batching.FinalFlush.String())
	v.SetDefault("export.retry.max_retries", retryCfg.MaxRetries)
	v.SetDefault("export.retry.initial_wait", retryCfg.InitialWait.String())
	v.SetDefault("export.retry.max_wait", retryCfg.MaxWait.String())
	v.SetDefault("export.retry.multiplier", retryCfg.Multiplier)
}

// Validate checks values that cannot be caught by unmarshalling
func (c *Config) Validate() error {
	if _, err := logkind.Lookup(c.DefaultKind); err != nil {
		return fmt.Errorf("default_kind: %w", err)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log_format must be json or console, got %q", c.LogFormat)
	}
	if _, err := matcher.ParseMode(c.Search.Mode); err != nil {
		return fmt.Errorf("search.mode: %w", err)
	}
	if _, err := conversation.ParseResultMode(c.Search.ResultMode); err != nil {
		return fmt.Errorf("search.result_mode: %w", err)
	}
	if _, err := matcher.ParseBackend(c.Search.FuzzyBackend); err != nil {
		return fmt.Errorf("search.fuzzy_backend: %w", err)
	}
	if c.Search.FuzzyThreshold < 0 || c.Search.FuzzyThreshold > 1 {
		return fmt.Errorf("search.fuzzy_threshold must be within [0, 1], got %v", c.Search.FuzzyThreshold)
	}
	if c.Planner.MaxWorkers < 0 {
		return fmt.Errorf("planner.max_workers must not be negative")
	}
	if c.Planner.SmallTwoTargetBytes <= 0 || c.Planner.SmallPerTargetBytes <= 0 || c.Planner.MediumTotalBytes <= 0 {
		return fmt.Errorf("planner thresholds must be positive")
	}
	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("cache.capacity must be positive")
	}
	if c.StagingRetention < 0 {
		return fmt.Errorf("staging_retention must not be negative")
	}
	return nil
}

// EngineConfig converts the planner and cache sections for the search engine
func (c *Config) EngineConfig() search.EngineConfig {
	cfg := search.DefaultEngineConfig()
	if c.Planner.MaxWorkers > 0 {
		cfg.MaxWorkers = c.Planner.MaxWorkers
	}
	cfg.Thresholds = c.Planner.Thresholds
	if c.Planner.ProgressInterval > 0 {
		cfg.ProgressInterval = c.Planner.ProgressInterval
	}
	cfg.CacheCapacity = c.Cache.Capacity
	cfg.MaxScaffoldBytes = c.Cache.MaxScaffoldBytes
	cfg.Warm = c.Cache.Warm
	cfg.WorkerLogLevel = c.LogLevel
	return cfg
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}
