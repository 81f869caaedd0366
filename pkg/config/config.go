package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/givebridge/accessd/pkg/invalidation"
	"github.com/givebridge/accessd/pkg/observability"
	"github.com/givebridge/accessd/pkg/rbac"
	"github.com/givebridge/accessd/pkg/storage"
)

// Prefix is prepended to every environment variable name
const Prefix = "ACCESSD"

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `envconfig:"SERVER"`
	Storage       StorageConfig       `envconfig:"STORAGE"`
	Redis         RedisConfig         `envconfig:"REDIS"`
	Cache         CacheConfig         `envconfig:"CACHE"`
	Policy        PolicyConfig        `envconfig:"POLICY"`
	Menu          MenuConfig          `envconfig:"MENU"`
	Catalog       CatalogConfig       `envconfig:"CATALOG"`
	Observability ObservabilityConfig `envconfig:"OBSERVABILITY"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `envconfig:"HOST" default:"0.0.0.0"`
	Port            string        `envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	MaxBodyBytes    int64         `envconfig:"MAX_BODY_BYTES" default:"1048576"`
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, s.Port)
}

// StorageConfig holds the relational store settings
type StorageConfig struct {
	Dialect     storage.Dialect `envconfig:"DIALECT" default:"sqlite3"`
	DSN         string          `envconfig:"DSN" default:"file:accessd.db?_foreign_keys=on"`
	MaxConns    int             `envconfig:"MAX_CONNS" default:"20"`
	MinConns    int             `envconfig:"MIN_CONNS" default:"2"`
	Timeout     time.Duration   `envconfig:"TIMEOUT" default:"10s"`
	MaxLifetime time.Duration   `envconfig:"MAX_LIFETIME" default:"30m"`
	MaxIdleTime time.Duration   `envconfig:"MAX_IDLE_TIME" default:"5m"`
	Migrate     bool            `envconfig:"MIGRATE" default:"true"`
}

// RedisConfig holds the cross-process invalidation settings. Redis is
// optional; without a URL invalidations stay in-process.
type RedisConfig struct {
	URL               string `envconfig:"URL"`
	Password          string `envconfig:"PASSWORD"`
	DB                int    `envconfig:"DB" default:"0"`
	MaxRetries        int    `envconfig:"MAX_RETRIES" default:"3"`
	PoolSize          int    `envconfig:"POOL_SIZE" default:"10"`
	Channel           string `envconfig:"CHANNEL" default:"accessd:rbac:invalidations"`
	TokenKey          string `envconfig:"TOKEN_KEY" default:"accessd:rbac:invalidation_token"`
	ReconcileSchedule string `envconfig:"RECONCILE_SCHEDULE" default:"@every 30s"`
}

// Enabled reports whether a Redis relay should be started
func (r RedisConfig) Enabled() bool {
	return r.URL != ""
}

// CacheConfig holds the permission cache settings
type CacheConfig struct {
	TTL         time.Duration `envconfig:"TTL" default:"5m"`
	MaxEntries  int           `envconfig:"MAX_ENTRIES" default:"10000"`
	LoadTimeout time.Duration `envconfig:"LOAD_TIMEOUT" default:"10s"`
}

// PolicyConfig holds administrative policy
type PolicyConfig struct {
	// LockedRoles are system roles whose permission grants cannot change
	LockedRoles []string `envconfig:"LOCKED_ROLES" default:"super_admin"`
}

// MenuConfig selects where menu items come from. With File set the YAML
// file is served and watched; otherwise the menu_items table is used.
type MenuConfig struct {
	File     string        `envconfig:"FILE"`
	Debounce time.Duration `envconfig:"DEBOUNCE" default:"250ms"`
}

// CatalogConfig points at the system catalog applied at startup
type CatalogConfig struct {
	File string `envconfig:"FILE"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	MetricsEnabled bool `envconfig:"METRICS_ENABLED" default:"true"`

	OTelEnabled        bool    `envconfig:"OTEL_ENABLED" default:"false"`
	OTelEndpoint       string  `envconfig:"OTEL_ENDPOINT" default:"localhost:4317"`
	OTelServiceName    string  `envconfig:"OTEL_SERVICE_NAME" default:"accessd"`
	OTelServiceVersion string  `envconfig:"OTEL_SERVICE_VERSION"`
	OTelInsecure       bool    `envconfig:"OTEL_INSECURE" default:"true"`
	OTelSampleRatio    float64 `envconfig:"OTEL_SAMPLE_RATIO" default:"1"`
}

// LoadConfig loads configuration from ACCESSD_* environment variables
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server max body bytes must be positive")
	}

	if !c.Storage.Dialect.Valid() {
		return fmt.Errorf("invalid storage dialect: %s (must be postgres or sqlite3)", c.Storage.Dialect)
	}
	if c.Storage.DSN == "" {
		return fmt.Errorf("storage DSN is required")
	}

	if c.Redis.Enabled() {
		if c.Redis.Channel == "" || c.Redis.TokenKey == "" {
			return fmt.Errorf("redis channel and token key are required when redis is enabled")
		}
		if _, err := cron.ParseStandard(c.Redis.ReconcileSchedule); err != nil {
			return fmt.Errorf("invalid reconcile schedule %q: %w", c.Redis.ReconcileSchedule, err)
		}
	}

	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache TTL must be positive")
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache max entries must be positive")
	}

	for _, name := range c.Policy.LockedRoles {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("locked role names must not be empty")
		}
	}

	if _, err := logrus.ParseLevel(c.Observability.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q", c.Observability.LogLevel)
	}
	switch strings.ToLower(c.Observability.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format %q (must be json or text)", c.Observability.LogFormat)
	}
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelSampleRatio < 0 || c.Observability.OTelSampleRatio > 1 {
			return fmt.Errorf("OpenTelemetry sample ratio must be between 0 and 1")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}
	return nil
}

// StorageSettings converts the storage and redis sections for pkg/storage
func (c *Config) StorageSettings() storage.Config {
	return storage.Config{
		Dialect:         c.Storage.Dialect,
		DSN:             c.Storage.DSN,
		MaxConns:        c.Storage.MaxConns,
		MinConns:        c.Storage.MinConns,
		Timeout:         c.Storage.Timeout,
		MaxLifetime:     c.Storage.MaxLifetime,
		MaxIdleTime:     c.Storage.MaxIdleTime,
		RedisURL:        c.Redis.URL,
		RedisPassword:   c.Redis.Password,
		RedisDB:         c.Redis.DB,
		RedisMaxRetries: c.Redis.MaxRetries,
		RedisPoolSize:   c.Redis.PoolSize,
	}
}

// RelaySettings returns the Redis relay keys
func (c *Config) RelaySettings() invalidation.RelayConfig {
	return invalidation.RelayConfig{
		Channel:  c.Redis.Channel,
		TokenKey: c.Redis.TokenKey,
	}
}

// ResolverSettings returns the permission cache settings
func (c *Config) ResolverSettings() rbac.ResolverConfig {
	return rbac.ResolverConfig{
		TTL:         c.Cache.TTL,
		MaxEntries:  c.Cache.MaxEntries,
		LoadTimeout: c.Cache.LoadTimeout,
	}
}

// OTelSettings returns the OpenTelemetry settings
func (c *Config) OTelSettings() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        c.Observability.OTelEnabled,
		Endpoint:       c.Observability.OTelEndpoint,
		ServiceName:    c.Observability.OTelServiceName,
		ServiceVersion: c.Observability.OTelServiceVersion,
		Insecure:       c.Observability.OTelInsecure,
		SampleRatio:    c.Observability.OTelSampleRatio,
	}
}
