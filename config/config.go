package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nutthakorn7/zcrai-sub000/core"
	"github.com/spf13/viper"
)

// Pipeline backends
const (
	PipelineBackendMemory = "memory"
	PipelineBackendRedis  = "redis"
)

// DataPaths holds data directory and file path configuration
type DataPaths struct {
	// DataDir is the base data directory (ZCRAI_DATA_DIR, default: ./data)
	DataDir string `mapstructure:"data_dir"`
	// SQLitePath is the metadata database (ZCRAI_SQLITE_PATH, default: {data_dir}/zcrai.db)
	SQLitePath string `mapstructure:"sqlite_path"`
}

// ClickHouseConfig configures the event store
type ClickHouseConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addr         string        `mapstructure:"addr" validate:"required_if=Enabled true"`
	Database     string        `mapstructure:"database" validate:"required_if=Enabled true"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	TLS          bool          `mapstructure:"tls"`
	MaxPoolSize  int           `mapstructure:"max_pool_size" validate:"gte=1"`
	QueryTimeout time.Duration `mapstructure:"query_timeout" validate:"gt=0"`
	EventsTable  string        `mapstructure:"events_table" validate:"required"`
}

// RedisConfig configures the Redis task queue backend
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
	PoolSize int    `mapstructure:"pool_size" validate:"gte=1"`
}

// PipelineConfig configures the task queue between alert creation and its downstream stages
type PipelineConfig struct {
	Backend     string        `mapstructure:"backend" validate:"oneof=memory redis"`
	Workers     int           `mapstructure:"workers" validate:"gte=1"`
	QueueSize   int           `mapstructure:"queue_size" validate:"gte=1"`
	MaxAttempts int           `mapstructure:"max_attempts" validate:"gte=1"`
	QueueKey    string        `mapstructure:"queue_key" validate:"required"`
	PollTimeout time.Duration `mapstructure:"poll_timeout" validate:"gt=0"`
	TaskTimeout time.Duration `mapstructure:"task_timeout" validate:"gt=0"`
	// RetryBaseDelay is the wait before the first retry of a failed task; it doubles per attempt
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay" validate:"gt=0"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay" validate:"gtefield=RetryBaseDelay"`
}

// DedupConfig configures alert deduplication
type DedupConfig struct {
	Window time.Duration `mapstructure:"window" validate:"gt=0"`
}

// CorrelationConfig configures the correlation engine
type CorrelationConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	TimeWindow time.Duration `mapstructure:"time_window" validate:"gt=0"`
	MaxRelated int           `mapstructure:"max_related" validate:"gte=1,lte=100"`
}

// DetectionConfig configures the rule scheduler
type DetectionConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	TickInterval time.Duration `mapstructure:"tick_interval" validate:"gt=0"`
	RowLimit     int           `mapstructure:"row_limit" validate:"gte=1"`
}

// TriageConfig configures the triage decision engine and its classifier guard
type TriageConfig struct {
	Enabled            bool                      `mapstructure:"enabled"`
	ClassifierTimeout  time.Duration             `mapstructure:"classifier_timeout" validate:"gt=0"`
	ClassifierFallback bool                      `mapstructure:"classifier_fallback"`
	ContextWindow      time.Duration             `mapstructure:"context_window" validate:"gt=0"`
	SimilarAlerts      int                       `mapstructure:"similar_alerts" validate:"gte=0,lte=50"`
	RateLimit          float64                   `mapstructure:"rate_limit" validate:"gt=0"`
	Burst              int                       `mapstructure:"burst" validate:"gte=1"`
	SettingsCacheTTL   time.Duration             `mapstructure:"settings_cache_ttl" validate:"gt=0"`
	SettingsCacheSize  int                       `mapstructure:"settings_cache_size" validate:"gte=1"`
	CircuitBreaker     core.CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// SOARConfig configures the action executor
type SOARConfig struct {
	// DestructiveActionsEnabled gates BLOCK_IP and ISOLATE_HOST; when false they are recorded as failed
	DestructiveActionsEnabled bool          `mapstructure:"destructive_actions_enabled"`
	ActionTimeout             time.Duration `mapstructure:"action_timeout" validate:"gt=0"`
	MaxRetries                int           `mapstructure:"max_retries" validate:"gte=0,lte=10"`
	Firewall                  string        `mapstructure:"firewall" validate:"required"`
	EDR                       string        `mapstructure:"edr" validate:"required"`
}

// NotificationsConfig configures the notification dispatcher
type NotificationsConfig struct {
	MinSeverity    string                    `mapstructure:"min_severity" validate:"oneof=critical high medium low info"`
	Channels       []string                  `mapstructure:"channels" validate:"dive,oneof=log webhook slack"`
	WebhookURL     string                    `mapstructure:"webhook_url" validate:"omitempty,url"`
	SlackWebhook   string                    `mapstructure:"slack_webhook_url" validate:"omitempty,url"`
	Timeout        time.Duration             `mapstructure:"timeout" validate:"gt=0"`
	CircuitBreaker core.CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr" validate:"required_if=Enabled true"`
}

// Config holds the application configuration
type Config struct {
	DataPaths     DataPaths           `mapstructure:"data_paths"`
	ClickHouse    ClickHouseConfig    `mapstructure:"clickhouse"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Pipeline      PipelineConfig      `mapstructure:"pipeline"`
	Dedup         DedupConfig         `mapstructure:"dedup"`
	Correlation   CorrelationConfig   `mapstructure:"correlation"`
	Detection     DetectionConfig     `mapstructure:"detection"`
	Triage        TriageConfig        `mapstructure:"triage"`
	SOAR          SOARConfig          `mapstructure:"soar"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_paths.data_dir", "./data")
	v.SetDefault("data_paths.sqlite_path", "") // Empty = derive from data_dir

	v.SetDefault("clickhouse.enabled", true)
	v.SetDefault("clickhouse.addr", "localhost:9000")
	v.SetDefault("clickhouse.database", "zcrai")
	v.SetDefault("clickhouse.username", "default")
	v.SetDefault("clickhouse.password", "")
	v.SetDefault("clickhouse.tls", false)
	v.SetDefault("clickhouse.max_pool_size", 10)
	v.SetDefault("clickhouse.query_timeout", 30*time.Second)
	v.SetDefault("clickhouse.events_table", "events")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("pipeline.backend", PipelineBackendMemory)
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.queue_size", 1000)
	v.SetDefault("pipeline.max_attempts", 3)
	v.SetDefault("pipeline.queue_key", "zcrai:tasks")
	v.SetDefault("pipeline.poll_timeout", 2*time.Second)
	v.SetDefault("pipeline.task_timeout", 2*time.Minute)
	v.SetDefault("pipeline.retry_base_delay", time.Second)
	v.SetDefault("pipeline.retry_max_delay", 30*time.Second)

	v.SetDefault("dedup.window", core.DefaultDedupWindow)

	v.SetDefault("correlation.enabled", true)
	v.SetDefault("correlation.time_window", core.CorrelationTimeWindow)
	v.SetDefault("correlation.max_related", core.MaxRelatedAlerts)

	v.SetDefault("detection.enabled", true)
	v.SetDefault("detection.tick_interval", time.Minute)
	v.SetDefault("detection.row_limit", core.MaxRuleRows)

	v.SetDefault("triage.enabled", true)
	v.SetDefault("triage.classifier_timeout", 30*time.Second)
	v.SetDefault("triage.classifier_fallback", true)
	v.SetDefault("triage.context_window", core.DefaultTriageContextWindow)
	v.SetDefault("triage.similar_alerts", core.DefaultSimilarAlertLimit)
	v.SetDefault("triage.rate_limit", 5.0)
	v.SetDefault("triage.burst", 10)
	v.SetDefault("triage.settings_cache_ttl", 5*time.Minute)
	v.SetDefault("triage.settings_cache_size", 1000)
	v.SetDefault("triage.circuit_breaker.max_failures", 5)
	v.SetDefault("triage.circuit_breaker.timeout", 60*time.Second)
	v.SetDefault("triage.circuit_breaker.max_half_open_requests", 1)

	v.SetDefault("soar.destructive_actions_enabled", false)
	v.SetDefault("soar.action_timeout", 30*time.Second)
	v.SetDefault("soar.max_retries", 2)
	v.SetDefault("soar.firewall", "simulated-firewall")
	v.SetDefault("soar.edr", "simulated-edr")

	v.SetDefault("notifications.min_severity", string(core.SeverityHigh))
	v.SetDefault("notifications.channels", []string{"log"})
	v.SetDefault("notifications.webhook_url", "")
	v.SetDefault("notifications.slack_webhook_url", "")
	v.SetDefault("notifications.timeout", 10*time.Second)
	v.SetDefault("notifications.circuit_breaker.max_failures", 5)
	v.SetDefault("notifications.circuit_breaker.timeout", 60*time.Second)
	v.SetDefault("notifications.circuit_breaker.max_half_open_requests", 1)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")
}

func loadFromEnv(v *viper.Viper) {
	v.SetEnvPrefix("ZCRAI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Shorter names for the path settings
	_ = v.BindEnv("data_paths.data_dir", "ZCRAI_DATA_DIR")
	_ = v.BindEnv("data_paths.sqlite_path", "ZCRAI_SQLITE_PATH")
}

// LoadConfig loads configuration from config.yaml (in . or ./config), ZCRAI_* environment variables and defaults
func LoadConfig() (*Config, error) {
	return LoadConfigFrom("")
}

// LoadConfigFrom loads configuration from an explicit file. An empty path searches the default locations.
func LoadConfigFrom(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)
	loadFromEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// No config file: defaults and env vars only
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	config.ResolveDataPaths()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// ResolveDataPaths derives the SQLite path from DataDir when it is not explicitly set
func (c *Config) ResolveDataPaths() {
	dataDir := c.DataPaths.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}

	if c.DataPaths.SQLitePath == "" {
		c.DataPaths.SQLitePath = filepath.Join(dataDir, "zcrai.db")
	} else if !filepath.IsAbs(c.DataPaths.SQLitePath) {
		c.DataPaths.SQLitePath = filepath.Clean(c.DataPaths.SQLitePath)
	}

	c.DataPaths.DataDir = filepath.Clean(dataDir)
}

// Validate runs struct tag validation and the cross-field checks tags cannot express
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Pipeline.Backend == PipelineBackendRedis && c.Redis.Addr == "" {
		return fmt.Errorf("invalid config: redis.addr is required when pipeline.backend is redis")
	}

	for _, ch := range c.Notifications.Channels {
		switch ch {
		case "webhook":
			if c.Notifications.WebhookURL == "" {
				return fmt.Errorf("invalid config: notifications.webhook_url is required for the webhook channel")
			}
		case "slack":
			if c.Notifications.SlackWebhook == "" {
				return fmt.Errorf("invalid config: notifications.slack_webhook_url is required for the slack channel")
			}
			parsed, err := url.Parse(c.Notifications.SlackWebhook)
			if err != nil || parsed.Scheme != "https" {
				return fmt.Errorf("invalid config: notifications.slack_webhook_url must be an https URL")
			}
		}
	}

	if err := c.Triage.CircuitBreaker.Validate(); err != nil {
		return fmt.Errorf("invalid triage.circuit_breaker: %w", err)
	}
	if err := c.Notifications.CircuitBreaker.Validate(); err != nil {
		return fmt.Errorf("invalid notifications.circuit_breaker: %w", err)
	}
	return nil
}
