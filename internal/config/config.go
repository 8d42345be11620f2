// Package config loads application configuration and initializes logging.
package config

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Queue        QueueConfig        `yaml:"queue" mapstructure:"queue"`
	LLM          LLMConfig          `yaml:"llm" mapstructure:"llm"`
	OpenAI       OpenAIConfig       `yaml:"openai" mapstructure:"openai"`
	Anthropic    AnthropicConfig    `yaml:"anthropic" mapstructure:"anthropic"`
	WhiskyHunter WhiskyHunterConfig `yaml:"whisky_hunter" mapstructure:"whisky_hunter"`
	Redis        RedisConfig        `yaml:"redis" mapstructure:"redis"`
	Enrichment   EnrichmentConfig   `yaml:"enrichment" mapstructure:"enrichment"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver" validate:"oneof=postgres sqlite"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns" validate:"gte=0"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns" validate:"gte=0"`
}

// QueueConfig selects and tunes the stage job queue.
type QueueConfig struct {
	Backend           string `yaml:"backend" mapstructure:"backend" validate:"oneof=inline watermill temporal"`
	MaxRetries        int    `yaml:"max_retries" mapstructure:"max_retries" validate:"gte=0,lte=10"`
	InitialBackoffMs  int    `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms" validate:"gte=0"`
	TemporalHostPort  string `yaml:"temporal_host_port" mapstructure:"temporal_host_port"`
	TemporalNamespace string `yaml:"temporal_namespace" mapstructure:"temporal_namespace"`
	TaskQueue         string `yaml:"task_queue" mapstructure:"task_queue"`
	StageTimeoutSecs  int    `yaml:"stage_timeout_secs" mapstructure:"stage_timeout_secs" validate:"gt=0"`
}

// LLMConfig selects the language model provider used for classification
// fallback and sommelier enrichment.
type LLMConfig struct {
	Provider string `yaml:"provider" mapstructure:"provider" validate:"oneof=openai anthropic none"`
}

// OpenAIConfig holds OpenAI API settings.
type OpenAIConfig struct {
	Key             string `yaml:"key" mapstructure:"key"`
	BaseURL         string `yaml:"base_url" mapstructure:"base_url"`
	ClassifierModel string `yaml:"classifier_model" mapstructure:"classifier_model"`
	SommelierModel  string `yaml:"sommelier_model" mapstructure:"sommelier_model"`
	TimeoutSecs     int    `yaml:"timeout_secs" mapstructure:"timeout_secs" validate:"gt=0"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key             string `yaml:"key" mapstructure:"key"`
	ClassifierModel string `yaml:"classifier_model" mapstructure:"classifier_model"`
	SommelierModel  string `yaml:"sommelier_model" mapstructure:"sommelier_model"`
}

// WhiskyHunterConfig configures the whiskey reference API. An empty base URI
// disables reference lookups.
type WhiskyHunterConfig struct {
	BaseURI     string  `yaml:"base_uri" mapstructure:"base_uri" validate:"omitempty,url"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec" validate:"gt=0"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs" validate:"gt=0"`
}

// RedisConfig configures the optional enrichment hot cache. An empty address
// disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db" validate:"gte=0"`
}

// EnrichmentConfig configures enrichment caching and refresh.
type EnrichmentConfig struct {
	TTLDays          int `yaml:"ttl_days" mapstructure:"ttl_days" validate:"gt=0"`
	RefreshBatchSize int `yaml:"refresh_batch_size" mapstructure:"refresh_batch_size" validate:"gt=0"`
}

// ServerConfig configures the webhook server.
type ServerConfig struct {
	Port                int      `yaml:"port" mapstructure:"port" validate:"gt=0,lte=65535"`
	AllowedOrigins      []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	RefreshIntervalMins int      `yaml:"refresh_interval_mins" mapstructure:"refresh_interval_mins" validate:"gte=0"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format" validate:"oneof=json console"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SOMMELIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Every key gets a default so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("queue.backend", "watermill")
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.initial_backoff_ms", 1000)
	v.SetDefault("queue.temporal_host_port", "localhost:7233")
	v.SetDefault("queue.temporal_namespace", "default")
	v.SetDefault("queue.task_queue", "sommelier-pipeline")
	v.SetDefault("queue.stage_timeout_secs", 600)
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("openai.key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.classifier_model", "gpt-4o-mini")
	v.SetDefault("openai.sommelier_model", "gpt-4o-mini")
	v.SetDefault("openai.timeout_secs", 60)
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.classifier_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.sommelier_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("whisky_hunter.base_uri", "")
	v.SetDefault("whisky_hunter.rate_per_sec", 2.0)
	v.SetDefault("whisky_hunter.timeout_secs", 15)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("enrichment.ttl_days", 30)
	v.SetDefault("enrichment.refresh_batch_size", 50)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.refresh_interval_mins", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks struct constraints and cross-field requirements.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return eris.Wrap(err, "config: validate")
	}
	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		return eris.New("config: store.database_url is required for the postgres driver")
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
