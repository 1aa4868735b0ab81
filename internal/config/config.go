// Package config provides configuration structures and loading functionality
// for the console access engine.
package config

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

// Config represents the main configuration structure for the console
// access engine.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Satellite   SatelliteConfig   `mapstructure:"satellite"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	AuthService AuthServiceConfig `mapstructure:"auth_service"`
	Grants      GrantsConfig      `mapstructure:"grants"`
	Gateway     GatewayConfig     `mapstructure:"gateway"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
	Sentry      SentryConfig      `mapstructure:"sentry"`
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Listen       string        `mapstructure:"listen" envconfig:"SERVER_LISTEN" default:":8080"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" envconfig:"SERVER_READ_TIMEOUT" default:"60s"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" envconfig:"SERVER_WRITE_TIMEOUT" default:"60s"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" envconfig:"SERVER_IDLE_TIMEOUT" default:"120s"`
}

// SatelliteConfig identifies the satellite that derived grants bind to
type SatelliteConfig struct {
	NodeURL     string `mapstructure:"node_url" envconfig:"SATELLITE_NODE_URL"`
	ProjectSalt string `mapstructure:"project_salt" envconfig:"SATELLITE_PROJECT_SALT"` // base64
}

// WorkerConfig controls the derivation worker channel
type WorkerConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout" envconfig:"WORKER_REQUEST_TIMEOUT" default:"30s"`
	QueueSize      int           `mapstructure:"queue_size" envconfig:"WORKER_QUEUE_SIZE" default:"16"`
}

// AuthServiceConfig points at the gateway auth service used for
// credential exchange
type AuthServiceConfig struct {
	URL     string        `mapstructure:"url" envconfig:"AUTH_SERVICE_URL"`
	Timeout time.Duration `mapstructure:"timeout" envconfig:"AUTH_SERVICE_TIMEOUT" default:"30s"`
	Public  bool          `mapstructure:"public" envconfig:"AUTH_SERVICE_PUBLIC" default:"false"`
}

// GrantsConfig controls derived grant policy
type GrantsConfig struct {
	// DefaultTTL bounds grants created without an explicit notAfter.
	DefaultTTL time.Duration `mapstructure:"default_ttl" envconfig:"GRANTS_DEFAULT_TTL" default:"168h"`
}

// GatewayConfig contains S3 gateway settings for the object count probe
type GatewayConfig struct {
	Region string `mapstructure:"region" envconfig:"GATEWAY_REGION" default:"us-east-1"`
}

// DatabaseConfig specifies database configuration for the fingerprint store
type DatabaseConfig struct {
	Enabled          bool          `mapstructure:"enabled" envconfig:"DB_ENABLED" default:"false"`
	Driver           string        `mapstructure:"driver" envconfig:"DB_DRIVER" default:"postgres"`
	ConnectionString string        `mapstructure:"connection_string" envconfig:"DB_CONNECTION_STRING"`
	MaxOpenConns     int           `mapstructure:"max_open_conns" envconfig:"DB_MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns     int           `mapstructure:"max_idle_conns" envconfig:"DB_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime  time.Duration `mapstructure:"conn_max_lifetime" envconfig:"DB_CONN_MAX_LIFETIME" default:"5m"`
}

// MonitoringConfig contains monitoring configuration
type MonitoringConfig struct {
	MetricsEnabled bool `mapstructure:"metrics_enabled" envconfig:"MONITORING_METRICS_ENABLED" default:"true"`
}

// SentryConfig contains Sentry error tracking configuration
type SentryConfig struct {
	Enabled          bool    `mapstructure:"enabled" envconfig:"SENTRY_ENABLED" default:"false"`
	DSN              string  `mapstructure:"dsn" envconfig:"SENTRY_DSN"`
	Environment      string  `mapstructure:"environment" envconfig:"SENTRY_ENVIRONMENT" default:"production"`
	SampleRate       float64 `mapstructure:"sample_rate" envconfig:"SENTRY_SAMPLE_RATE" default:"1.0"`
	AttachStacktrace bool    `mapstructure:"attach_stacktrace" envconfig:"SENTRY_ATTACH_STACKTRACE" default:"true"`
	Debug            bool    `mapstructure:"debug" envconfig:"SENTRY_DEBUG" default:"false"`
	MaxBreadcrumbs   int     `mapstructure:"max_breadcrumbs" envconfig:"SENTRY_MAX_BREADCRUMBS" default:"30"`
	ServerName       string  `mapstructure:"server_name" envconfig:"SENTRY_SERVER_NAME"`
	Release          string  `mapstructure:"release" envconfig:"SENTRY_RELEASE"`
}

// Load reads and validates configuration from a file or environment variables.
// If configFile is empty, only environment variables are processed.
// Returns a validated Config struct or an error if validation fails.
func Load(configFile string) (*Config, error) {
	cfg := &Config{}

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := viper.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to process env vars: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Satellite.NodeURL == "" {
		return fmt.Errorf("satellite node URL is required")
	}
	if c.AuthService.URL == "" {
		return fmt.Errorf("auth service URL is required")
	}
	if c.Satellite.ProjectSalt != "" {
		if _, err := base64.StdEncoding.DecodeString(c.Satellite.ProjectSalt); err != nil {
			return fmt.Errorf("project salt must be base64-encoded: %w", err)
		}
	}
	if c.Grants.DefaultTTL <= 0 {
		return fmt.Errorf("grants default TTL must be positive")
	}
	if c.Database.Enabled && c.Database.ConnectionString == "" {
		return fmt.Errorf("database connection string is required when database is enabled")
	}
	return nil
}
