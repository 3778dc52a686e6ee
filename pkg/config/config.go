package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Catalog backends.
const (
	CatalogHTTP    = "http"
	CatalogFixture = "fixture"
)

// Token store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// GatewayConfig captures runtime settings for the MaaS gateway.
type GatewayConfig struct {
	ListenAddr     string          `mapstructure:"listen_addr"`
	RequestTimeout time.Duration   `mapstructure:"request_timeout"`
	APIKeys        []string        `mapstructure:"api_keys"`
	LogLevel       string          `mapstructure:"log_level"`
	Catalog        CatalogConfig   `mapstructure:"catalog"`
	Session        SessionConfig   `mapstructure:"session"`
	Resolver       ResolverConfig  `mapstructure:"resolver"`
	Telemetry      TelemetryConfig `mapstructure:"telemetry"`
}

// CatalogConfig selects and locates the model and data catalogs.
type CatalogConfig struct {
	Backend     string        `mapstructure:"backend"`
	FixturePath string        `mapstructure:"fixture_path"`
	ModelURL    string        `mapstructure:"model_url"`
	DataURL     string        `mapstructure:"data_url"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	Timeout     time.Duration `mapstructure:"timeout"`
	SearchLimit int           `mapstructure:"search_limit"`
}

// SessionConfig controls catalog credential handling.
type SessionConfig struct {
	Store    string        `mapstructure:"store"`
	RedisURL string        `mapstructure:"redis_url"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// ResolverConfig tunes hierarchy resolution.
type ResolverConfig struct {
	Concurrency int  `mapstructure:"concurrency"`
	Partial     bool `mapstructure:"partial"`
}

// TelemetryConfig toggles tracing.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// LoadGateway loads gateway configuration from defaults, files, and env vars.
// Nested keys map to env vars with underscores, e.g. MAAS_CATALOG_MODEL_URL.
func LoadGateway(paths ...string) (GatewayConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	if len(paths) == 0 {
		paths = []string{"./configs"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("MAAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("request_timeout", 60*time.Second)
	v.SetDefault("api_keys", []string{})
	v.SetDefault("log_level", "info")
	v.SetDefault("catalog.backend", CatalogHTTP)
	v.SetDefault("catalog.fixture_path", "./configs/catalog.yaml")
	v.SetDefault("catalog.model_url", "https://api.models.mint.isi.edu/v0.0.2")
	v.SetDefault("catalog.data_url", "http://api.mint-data-catalog.org")
	v.SetDefault("catalog.username", "modelservice")
	v.SetDefault("catalog.password", "")
	v.SetDefault("catalog.timeout", 15*time.Second)
	v.SetDefault("catalog.search_limit", 100)
	v.SetDefault("session.store", StoreMemory)
	v.SetDefault("session.redis_url", "redis://localhost:6379/0")
	v.SetDefault("session.ttl", time.Hour)
	v.SetDefault("resolver.concurrency", 4)
	v.SetDefault("resolver.partial", false)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "maas-gateway")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return GatewayConfig{}, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg GatewayConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return GatewayConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return GatewayConfig{}, err
	}

	return cfg, nil
}

// Validate rejects unknown backends and missing locations.
func (c GatewayConfig) Validate() error {
	switch c.Catalog.Backend {
	case CatalogHTTP:
		if c.Catalog.ModelURL == "" || c.Catalog.DataURL == "" {
			return errors.New("config: catalog.model_url and catalog.data_url are required")
		}
	case CatalogFixture:
		if c.Catalog.FixturePath == "" {
			return errors.New("config: catalog.fixture_path is required")
		}
	default:
		return fmt.Errorf("config: unknown catalog backend %q", c.Catalog.Backend)
	}

	switch c.Session.Store {
	case StoreMemory, StoreRedis:
	default:
		return fmt.Errorf("config: unknown session store %q", c.Session.Store)
	}
	return nil
}
