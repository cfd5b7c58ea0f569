package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Blob       BlobConfig       `yaml:"blob" mapstructure:"blob"`
	Search     SearchConfig     `yaml:"search" mapstructure:"search"`
	Batcher    BatcherConfig    `yaml:"batcher" mapstructure:"batcher"`
	Import     ImportConfig     `yaml:"import" mapstructure:"import"`
	Handoff    HandoffConfig    `yaml:"handoff" mapstructure:"handoff"`
	Resilience ResilienceConfig `yaml:"resilience" mapstructure:"resilience"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Metrics    MetricsConfig    `yaml:"metrics" mapstructure:"metrics"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the Postgres backend.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// BlobConfig configures where uploaded import files are fetched from.
type BlobConfig struct {
	Bucket          string        `yaml:"bucket" mapstructure:"bucket"`
	Region          string        `yaml:"region" mapstructure:"region"`
	Endpoint        string        `yaml:"endpoint" mapstructure:"endpoint"`
	AccessKeyID     string        `yaml:"access_key_id" mapstructure:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key" mapstructure:"secret_access_key"`
	URLExpiry       time.Duration `yaml:"url_expiry" mapstructure:"url_expiry"`
	RequestsPerSec  float64       `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
}

// SearchConfig configures the search index backend and sync engine.
type SearchConfig struct {
	Backend      string           `yaml:"backend" mapstructure:"backend"`
	Index        string           `yaml:"index" mapstructure:"index"`
	ChunkSize    int              `yaml:"chunk_size" mapstructure:"chunk_size"`
	ChunkDelay   time.Duration    `yaml:"chunk_delay" mapstructure:"chunk_delay"`
	PageSize     int              `yaml:"page_size" mapstructure:"page_size"`
	SettingsFile string           `yaml:"settings_file" mapstructure:"settings_file"`
	Algolia      AlgoliaConfig    `yaml:"algolia" mapstructure:"algolia"`
	OpenSearch   OpenSearchConfig `yaml:"opensearch" mapstructure:"opensearch"`
	Optimizer    OptimizerConfig  `yaml:"optimizer" mapstructure:"optimizer"`
}

// AlgoliaConfig holds Algolia credentials.
type AlgoliaConfig struct {
	AppID   string `yaml:"app_id" mapstructure:"app_id"`
	APIKey  string `yaml:"api_key" mapstructure:"api_key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// OpenSearchConfig holds OpenSearch connection settings.
type OpenSearchConfig struct {
	Addresses []string `yaml:"addresses" mapstructure:"addresses"`
	Username  string   `yaml:"username" mapstructure:"username"`
	Password  string   `yaml:"password" mapstructure:"password"`
}

// OptimizerConfig configures the queued sync optimizer.
type OptimizerConfig struct {
	MaxSources        int           `yaml:"max_sources" mapstructure:"max_sources"`
	MaxRecords        int           `yaml:"max_records" mapstructure:"max_records"`
	Interval          time.Duration `yaml:"interval" mapstructure:"interval"`
	ParallelSources   int           `yaml:"parallel_sources" mapstructure:"parallel_sources"`
	IncrementalWindow time.Duration `yaml:"incremental_window" mapstructure:"incremental_window"`
}

// BatcherConfig configures change-event coalescing.
type BatcherConfig struct {
	Delay                 time.Duration `yaml:"delay" mapstructure:"delay"`
	MaxSources            int           `yaml:"max_sources" mapstructure:"max_sources"`
	MaxWait               time.Duration `yaml:"max_wait" mapstructure:"max_wait"`
	IncrementalMaxObjects int           `yaml:"incremental_max_objects" mapstructure:"incremental_max_objects"`
	MaxRetries            int           `yaml:"max_retries" mapstructure:"max_retries"`
}

// ImportConfig configures chunking and row processing.
type ImportConfig struct {
	LinesPerChunk   int `yaml:"lines_per_chunk" mapstructure:"lines_per_chunk"`
	LinesPerStep    int `yaml:"lines_per_step" mapstructure:"lines_per_step"`
	MicroBatchSize  int `yaml:"micro_batch_size" mapstructure:"micro_batch_size"`
	MaxErrorSamples int `yaml:"max_error_samples" mapstructure:"max_error_samples"`
	MachineID       int `yaml:"machine_id" mapstructure:"machine_id"`
}

// HandoffConfig configures the durable stage handoff.
type HandoffConfig struct {
	Driver       string        `yaml:"driver" mapstructure:"driver"`
	NATSURL      string        `yaml:"nats_url" mapstructure:"nats_url"`
	Stream       string        `yaml:"stream" mapstructure:"stream"`
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	BatchSize    int           `yaml:"batch_size" mapstructure:"batch_size"`
	Concurrency  int           `yaml:"concurrency" mapstructure:"concurrency"`
	MaxAttempts  int           `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// ResilienceConfig configures retries and circuit breakers around the index.
type ResilienceConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
	FailureThreshold int     `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int     `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// ServerConfig configures the HTTP trigger server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// MetricsConfig configures Prometheus exposition.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// MonitoringConfig configures the background health check and its alert
// webhook.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	QueueBacklogMax      int     `yaml:"queue_backlog_max" mapstructure:"queue_backlog_max"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("EFPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("blob.bucket", "imports")
	v.SetDefault("blob.region", "us-east-1")
	v.SetDefault("blob.url_expiry", time.Hour)
	v.SetDefault("blob.requests_per_sec", 5.0)
	v.SetDefault("search.backend", "algolia")
	v.SetDefault("search.index", "ef_all")
	v.SetDefault("search.chunk_size", 1000)
	v.SetDefault("search.chunk_delay", 100*time.Millisecond)
	v.SetDefault("search.page_size", 5000)
	v.SetDefault("search.algolia.app_id", "")
	v.SetDefault("search.algolia.api_key", "")
	v.SetDefault("search.opensearch.addresses", []string{"http://localhost:9200"})
	v.SetDefault("search.optimizer.max_sources", 5)
	v.SetDefault("search.optimizer.max_records", 10000)
	v.SetDefault("search.optimizer.interval", 2*time.Second)
	v.SetDefault("search.optimizer.parallel_sources", 3)
	v.SetDefault("search.optimizer.incremental_window", 24*time.Hour)
	v.SetDefault("batcher.delay", 5*time.Second)
	v.SetDefault("batcher.max_sources", 100)
	v.SetDefault("batcher.max_wait", 30*time.Second)
	v.SetDefault("batcher.incremental_max_objects", 10)
	v.SetDefault("batcher.max_retries", 3)
	v.SetDefault("import.lines_per_chunk", 500)
	v.SetDefault("import.lines_per_step", 100)
	v.SetDefault("import.micro_batch_size", 25)
	v.SetDefault("import.max_error_samples", 10)
	v.SetDefault("import.machine_id", 1)
	v.SetDefault("handoff.driver", "postgres")
	v.SetDefault("handoff.nats_url", "nats://localhost:4222")
	v.SetDefault("handoff.stream", "EF_PIPELINE")
	v.SetDefault("handoff.poll_interval", 2*time.Second)
	v.SetDefault("handoff.batch_size", 10)
	v.SetDefault("handoff.concurrency", 4)
	v.SetDefault("handoff.max_attempts", 5)
	v.SetDefault("resilience.max_attempts", 3)
	v.SetDefault("resilience.initial_backoff_ms", 500)
	v.SetDefault("resilience.max_backoff_ms", 30000)
	v.SetDefault("resilience.multiplier", 2.0)
	v.SetDefault("resilience.jitter_fraction", 0.25)
	v.SetDefault("resilience.failure_threshold", 5)
	v.SetDefault("resilience.reset_timeout_secs", 30)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("monitoring.failure_rate_threshold", 0.2)
	v.SetDefault("monitoring.queue_backlog_max", 1000)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a given command mode depends on.
func (c *Config) Validate(mode string) error {
	var errs []string

	needDB := func() {
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	}
	needSearch := func() {
		switch c.Search.Backend {
		case "algolia":
			if c.Search.Algolia.AppID == "" || c.Search.Algolia.APIKey == "" {
				errs = append(errs, "search.algolia.app_id and search.algolia.api_key are required")
			}
		case "opensearch":
			if len(c.Search.OpenSearch.Addresses) == 0 {
				errs = append(errs, "search.opensearch.addresses is required")
			}
		default:
			errs = append(errs, "search.backend must be algolia or opensearch")
		}
		if c.Search.ChunkSize < 1 || c.Search.ChunkSize > 1000 {
			errs = append(errs, "search.chunk_size must be between 1 and 1000")
		}
	}
	needImport := func() {
		if c.Import.LinesPerChunk < 1 {
			errs = append(errs, "import.lines_per_chunk must be > 0")
		}
		if c.Import.LinesPerStep < 1 {
			errs = append(errs, "import.lines_per_step must be > 0")
		}
		if c.Import.MicroBatchSize < 1 {
			errs = append(errs, "import.micro_batch_size must be > 0")
		}
	}
	needHandoff := func() {
		switch c.Handoff.Driver {
		case "postgres":
		case "nats":
			if c.Handoff.NATSURL == "" {
				errs = append(errs, "handoff.nats_url is required for the nats driver")
			}
		default:
			errs = append(errs, "handoff.driver must be postgres or nats")
		}
	}

	switch mode {
	case "serve":
		needDB()
		needSearch()
		needImport()
		needHandoff()
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Batcher.MaxSources < 1 {
			errs = append(errs, "batcher.max_sources must be > 0")
		}
		if c.Batcher.IncrementalMaxObjects < 0 {
			errs = append(errs, "batcher.incremental_max_objects must be >= 0")
		}
	case "worker":
		needDB()
		needSearch()
		needImport()
		needHandoff()
	case "import":
		needDB()
		needImport()
		needHandoff()
	case "reindex":
		needDB()
		needSearch()
	case "index":
		needSearch()
	case "migrate", "jobs":
		needDB()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
