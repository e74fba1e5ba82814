package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Zoko      ZokoConfig      `yaml:"zoko" mapstructure:"zoko"`
	Shopify   ShopifyConfig   `yaml:"shopify" mapstructure:"shopify"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Sync      SyncConfig      `yaml:"sync" mapstructure:"sync"`
	Quote     QuoteConfig     `yaml:"quote" mapstructure:"quote"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ZokoConfig holds the messaging CRM API settings.
type ZokoConfig struct {
	Key      string  `yaml:"key" mapstructure:"key"`
	BaseURL  string  `yaml:"base_url" mapstructure:"base_url"`
	RateRPS  float64 `yaml:"rate_rps" mapstructure:"rate_rps"`
	PageSize int     `yaml:"page_size" mapstructure:"page_size"`
}

// ShopifyConfig holds Shopify Admin API credentials.
type ShopifyConfig struct {
	Shop       string `yaml:"shop" mapstructure:"shop"`
	Token      string `yaml:"token" mapstructure:"token"`
	APIVersion string `yaml:"api_version" mapstructure:"api_version"`
}

// AnthropicConfig holds the vision assessment settings.
type AnthropicConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	VisionModel string `yaml:"vision_model" mapstructure:"vision_model"`
	MaxImages   int    `yaml:"max_images" mapstructure:"max_images"`
}

// SyncConfig tunes the ingestion pass.
type SyncConfig struct {
	CountryCode     string `yaml:"country_code" mapstructure:"country_code"`
	LookbackDays    int    `yaml:"lookback_days" mapstructure:"lookback_days"`
	GroupWindowMins int    `yaml:"group_window_mins" mapstructure:"group_window_mins"`
	IndexTTLMins    int    `yaml:"index_ttl_mins" mapstructure:"index_ttl_mins"`
	Concurrency     int    `yaml:"concurrency" mapstructure:"concurrency"`
	OrderFetchLimit int    `yaml:"order_fetch_limit" mapstructure:"order_fetch_limit"`
}

// QuoteConfig configures estimation preparation.
type QuoteConfig struct {
	CatalogPath string `yaml:"catalog_path" mapstructure:"catalog_path"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
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
	v.SetEnvPrefix("LEADSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "leadsync.db")
	v.SetDefault("zoko.base_url", "https://chat.zoko.io/v2")
	v.SetDefault("zoko.rate_rps", 10)
	v.SetDefault("zoko.page_size", 100)
	v.SetDefault("shopify.api_version", "2024-01")
	v.SetDefault("anthropic.vision_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_images", 5)
	v.SetDefault("sync.country_code", "971")
	v.SetDefault("sync.lookback_days", 7)
	v.SetDefault("sync.group_window_mins", 120)
	v.SetDefault("sync.index_ttl_mins", 10)
	v.SetDefault("sync.concurrency", 10)
	v.SetDefault("sync.order_fetch_limit", 250)
	v.SetDefault("quote.catalog_path", "")
	v.SetDefault("server.port", 8080)
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

// Validate checks that the configuration can support the given mode:
// "serve" and "sync" need the store plus both remote systems, "migrate"
// only the store. Vision credentials are only required for "serve", where
// the quoting endpoints live.
func (c *Config) Validate(mode string) error {
	switch mode {
	case "serve", "sync", "migrate":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	var problems []string

	if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
		problems = append(problems, fmt.Sprintf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}

	if mode == "serve" || mode == "sync" {
		if c.Zoko.Key == "" {
			problems = append(problems, "zoko.key is required")
		}
		if c.Shopify.Shop == "" {
			problems = append(problems, "shopify.shop is required")
		}
		if c.Shopify.Token == "" {
			problems = append(problems, "shopify.token is required")
		}
		if c.Sync.CountryCode == "" {
			problems = append(problems, "sync.country_code is required")
		}
		if c.Sync.LookbackDays < 1 {
			problems = append(problems, "sync.lookback_days must be >= 1")
		}
		if c.Sync.GroupWindowMins < 1 {
			problems = append(problems, "sync.group_window_mins must be >= 1")
		}
		if c.Sync.Concurrency < 1 || c.Sync.Concurrency > 50 {
			problems = append(problems, "sync.concurrency must be between 1 and 50")
		}
	}

	if mode == "serve" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			problems = append(problems, "server.port must be > 0")
		}
		if c.Anthropic.Key == "" {
			problems = append(problems, "anthropic.key is required")
		}
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid configuration:\n  %s", strings.Join(problems, "\n  "))
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
