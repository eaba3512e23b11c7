package config

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/orchestrator/internal/cost"
	"github.com/sells-group/orchestrator/internal/resilience"
	"github.com/sells-group/orchestrator/internal/router"
)

// EnvPrefix prefixes every environment override, e.g. ORCH_STORE_DRIVER.
const EnvPrefix = "ORCH"

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig         `yaml:"store" mapstructure:"store"`
	Redis      RedisConfig         `yaml:"redis" mapstructure:"redis"`
	Log        LogConfig           `yaml:"log" mapstructure:"log"`
	Server     ServerConfig        `yaml:"server" mapstructure:"server"`
	Scheduler  SchedulerConfig     `yaml:"scheduler" mapstructure:"scheduler"`
	Engine     EngineConfig        `yaml:"engine" mapstructure:"engine"`
	Router     router.Weights      `yaml:"router" mapstructure:"router"`
	Resilience resilience.Defaults `yaml:"resilience" mapstructure:"resilience"`
	Pricing    cost.Rates          `yaml:"pricing" mapstructure:"pricing"`
	Fetcher    FetcherConfig       `yaml:"fetcher" mapstructure:"fetcher"`
	Monitoring MonitoringConfig    `yaml:"monitoring" mapstructure:"monitoring"`
	Outputs    OutputsConfig       `yaml:"outputs" mapstructure:"outputs"`
	Metrics    MetricsConfig       `yaml:"metrics" mapstructure:"metrics"`
	Catalog    CatalogConfig       `yaml:"catalog" mapstructure:"catalog"`
}

// StoreConfig selects and configures the repository backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	// Database names the MongoDB database.
	Database string `yaml:"database" mapstructure:"database"`
	MaxConns int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

// RedisConfig configures the run event stream. An empty URL disables it.
type RedisConfig struct {
	URL          string `yaml:"url" mapstructure:"url"`
	StreamPrefix string `yaml:"stream_prefix" mapstructure:"stream_prefix"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// SchedulerConfig configures the background scheduler.
type SchedulerConfig struct {
	Enabled          bool `yaml:"enabled" mapstructure:"enabled"`
	PollIntervalSecs int  `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
}

// EngineConfig configures run execution.
type EngineConfig struct {
	// DrainTimeoutSecs bounds how long shutdown waits for in-flight runs.
	DrainTimeoutSecs int `yaml:"drain_timeout_secs" mapstructure:"drain_timeout_secs"`
}

// FetcherConfig configures provider transports.
type FetcherConfig struct {
	UserAgent    string `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutMs    int    `yaml:"timeout_ms" mapstructure:"timeout_ms"`
	MaxBodyBytes int64  `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
}

// MonitoringConfig configures alert delivery and periodic health checks.
type MonitoringConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
	// MinSeverity is the lowest severity forwarded to the webhook.
	MinSeverity          string  `yaml:"min_severity" mapstructure:"min_severity"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CostThreshold        float64 `yaml:"cost_threshold" mapstructure:"cost_threshold"`
}

// OutputsConfig configures output dispatchers.
type OutputsConfig struct {
	FileDir string   `yaml:"file_dir" mapstructure:"file_dir"`
	S3      S3Config `yaml:"s3" mapstructure:"s3"`
}

// S3Config configures the S3-compatible output. An empty endpoint
// disables it.
type S3Config struct {
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
	AccessKey string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey string `yaml:"secret_key" mapstructure:"secret_key"`
	Bucket    string `yaml:"bucket" mapstructure:"bucket"`
	UseSSL    bool   `yaml:"use_ssl" mapstructure:"use_ssl"`
}

// MetricsConfig configures Prometheus export.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
}

// CatalogConfig points at the YAML catalog seed file.
type CatalogConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// Load reads configuration from .env, config file, and environment.
func Load() (*Config, error) {
	// .env is optional.
	_ = godotenv.Load()

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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

func setDefaults(v *viper.Viper) {
	w := router.DefaultWeights()
	r := resilience.DefaultSettings()

	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.database_url", "orchestrator.db")
	v.SetDefault("store.database", "orchestrator")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.stream_prefix", "orchestrator:runs:")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.poll_interval_secs", 15)
	v.SetDefault("engine.drain_timeout_secs", 30)
	v.SetDefault("router.priority", w.Priority)
	v.SetDefault("router.success_rate", w.SuccessRate)
	v.SetDefault("router.latency", w.Latency)
	v.SetDefault("router.max_latency_ms", w.MaxLatencyMs)
	v.SetDefault("resilience.timeout_ms", r.TimeoutMs)
	v.SetDefault("resilience.max_retries", r.MaxRetries)
	v.SetDefault("resilience.base_delay_ms", r.BaseDelayMs)
	v.SetDefault("resilience.max_delay_ms", r.MaxDelayMs)
	v.SetDefault("resilience.backoff_multiplier", r.BackoffMultiplier)
	v.SetDefault("resilience.failure_threshold", r.FailureThreshold)
	v.SetDefault("resilience.reset_timeout_ms", r.ResetTimeoutMs)
	v.SetDefault("fetcher.user_agent", "orchestrator/1.0")
	v.SetDefault("fetcher.timeout_ms", 120000)
	v.SetDefault("fetcher.max_body_bytes", 64<<20)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.min_severity", "high")
	v.SetDefault("monitoring.cost_threshold", 0.0)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("outputs.file_dir", "output")
	v.SetDefault("outputs.s3.endpoint", "")
	v.SetDefault("outputs.s3.access_key", "")
	v.SetDefault("outputs.s3.secret_key", "")
	v.SetDefault("outputs.s3.bucket", "orchestrator")
	v.SetDefault("outputs.s3.use_ssl", true)
	v.SetDefault("catalog.path", "")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "orchestrator")
}

// Validate checks driver-specific required settings.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Store.DatabaseURL == "" {
			return eris.Errorf("config: store.database_url is required for %s", c.Store.Driver)
		}
	case DriverMongo:
		if c.Store.DatabaseURL == "" || c.Store.Database == "" {
			return eris.New("config: store.database_url and store.database are required for mongo")
		}
	default:
		return eris.Errorf("config: unsupported store driver %q", c.Store.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return eris.Errorf("config: invalid server.port %d", c.Server.Port)
	}
	if s := c.Outputs.S3; s.Endpoint != "" && (s.AccessKey == "" || s.SecretKey == "") {
		return eris.New("config: outputs.s3 access_key and secret_key are required with an endpoint")
	}
	if c.Monitoring.FailureRateThreshold < 0 || c.Monitoring.FailureRateThreshold > 1 {
		return eris.Errorf("config: monitoring.failure_rate_threshold must be within [0,1], got %v", c.Monitoring.FailureRateThreshold)
	}
	if c.Resilience.BackoffMultiplier != 0 && c.Resilience.BackoffMultiplier < 1 {
		return eris.Errorf("config: resilience.backoff_multiplier must be >= 1, got %v", c.Resilience.BackoffMultiplier)
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
