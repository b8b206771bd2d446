// Package config provides configuration management for the DCM core.
// It supports loading configuration from environment variables, a config
// file, and defaults. Invalid values abort startup.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration sections for the DCM core.
type Config struct {
	API      APIConfig      `mapstructure:"api"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Cleanup  CleanupConfig  `mapstructure:"cleanup"`
	Messages MessageConfig  `mapstructure:"messages"`
	Registry RegistryConfig `mapstructure:"registry"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// APIConfig holds HTTP server configuration.
type APIConfig struct {
	Host             string   `mapstructure:"host"`
	Port             int      `mapstructure:"port"`
	AllowedOrigins   []string `mapstructure:"allowedOrigins"`
	OperationTimeout int      `mapstructure:"operationTimeout"` // in seconds
	WriteRateLimit   bool     `mapstructure:"writeRateLimit"`
}

// GatewayConfig holds real-time gateway configuration.
type GatewayConfig struct {
	Port              int `mapstructure:"port"`
	HeartbeatInterval int `mapstructure:"heartbeatInterval"` // in seconds
	HeartbeatTimeout  int `mapstructure:"heartbeatTimeout"`  // in seconds
	RetryInterval     int `mapstructure:"retryInterval"`     // in seconds
	RetryTimeout      int `mapstructure:"retryTimeout"`      // in seconds
	RetryMaxAttempts  int `mapstructure:"retryMaxAttempts"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds optional NATS event bus configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AuthConfig holds HMAC token configuration.
type AuthConfig struct {
	Secret   string `mapstructure:"secret"`
	TokenTTL int    `mapstructure:"tokenTtl"` // in seconds
}

// CleanupConfig holds cleanup scheduler configuration.
type CleanupConfig struct {
	IntervalMs          int     `mapstructure:"intervalMs"`
	StaleThresholdHours float64 `mapstructure:"staleThresholdHours"`
	InactiveMinutes     int     `mapstructure:"inactiveMinutes"`
	SnapshotMaxAgeHours int     `mapstructure:"snapshotMaxAgeHours"`
	ReadMaxAgeHours     int     `mapstructure:"readMaxAgeHours"`
}

// MessageConfig holds agent message defaults.
type MessageConfig struct {
	DefaultTTL int `mapstructure:"defaultTtl"` // in seconds
}

// RegistryConfig holds the agent catalog location.
type RegistryConfig struct {
	CatalogPath string `mapstructure:"catalogPath"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// OperationTimeoutDuration returns the HTTP operation deadline.
func (a *APIConfig) OperationTimeoutDuration() time.Duration {
	return time.Duration(a.OperationTimeout) * time.Second
}

// HeartbeatIntervalDuration returns the heartbeat interval.
func (g *GatewayConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(g.HeartbeatInterval) * time.Second
}

// HeartbeatTimeoutDuration returns the heartbeat timeout.
func (g *GatewayConfig) HeartbeatTimeoutDuration() time.Duration {
	return time.Duration(g.HeartbeatTimeout) * time.Second
}

// RetryIntervalDuration returns the delivery retry interval.
func (g *GatewayConfig) RetryIntervalDuration() time.Duration {
	return time.Duration(g.RetryInterval) * time.Second
}

// RetryTimeoutDuration returns the age after which a pending delivery is retried.
func (g *GatewayConfig) RetryTimeoutDuration() time.Duration {
	return time.Duration(g.RetryTimeout) * time.Second
}

// TokenTTLDuration returns the token lifetime.
func (a *AuthConfig) TokenTTLDuration() time.Duration {
	return time.Duration(a.TokenTTL) * time.Second
}

// IntervalDuration returns the cleanup tick interval.
func (c *CleanupConfig) IntervalDuration() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// StaleThreshold returns the stale age cutoff.
func (c *CleanupConfig) StaleThreshold() time.Duration {
	return time.Duration(c.StaleThresholdHours * float64(time.Hour))
}

// InactiveThreshold returns the idle tolerance.
func (c *CleanupConfig) InactiveThreshold() time.Duration {
	return time.Duration(c.InactiveMinutes) * time.Minute
}

// SnapshotMaxAge returns the compact snapshot retention age.
func (c *CleanupConfig) SnapshotMaxAge() time.Duration {
	return time.Duration(c.SnapshotMaxAgeHours) * time.Hour
}

// ReadMaxAge returns the read broadcast retention age.
func (c *CleanupConfig) ReadMaxAge() time.Duration {
	return time.Duration(c.ReadMaxAgeHours) * time.Hour
}

// DefaultTTLDuration returns the default message TTL.
func (m *MessageConfig) DefaultTTLDuration() time.Duration {
	return time.Duration(m.DefaultTTL) * time.Second
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// Production reports whether the process runs in production mode.
func Production() bool {
	env := os.Getenv("DCM_ENV")
	return env == "production" || env == "prod"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// API defaults
	v.SetDefault("api.host", "127.0.0.1")
	v.SetDefault("api.port", 3847)
	v.SetDefault("api.allowedOrigins", []string{
		"http://localhost:3000",
		"http://localhost:5173",
		"http://127.0.0.1:3000",
		"http://127.0.0.1:5173",
	})
	v.SetDefault("api.operationTimeout", 5)
	v.SetDefault("api.writeRateLimit", false)

	// Gateway defaults
	v.SetDefault("gateway.port", 3849)
	v.SetDefault("gateway.heartbeatInterval", 30)
	v.SetDefault("gateway.heartbeatTimeout", 60)
	v.SetDefault("gateway.retryInterval", 2)
	v.SetDefault("gateway.retryTimeout", 5)
	v.SetDefault("gateway.retryMaxAttempts", 3)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "dcm")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "dcm")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "dcm-core")
	v.SetDefault("nats.maxReconnects", 10)

	// Auth defaults
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.tokenTtl", 3600)

	// Cleanup defaults
	v.SetDefault("cleanup.intervalMs", 60000)
	v.SetDefault("cleanup.staleThresholdHours", 0.5)
	v.SetDefault("cleanup.inactiveMinutes", 10)
	v.SetDefault("cleanup.snapshotMaxAgeHours", 24)
	v.SetDefault("cleanup.readMaxAgeHours", 24)

	// Message defaults
	v.SetDefault("messages.defaultTtl", 3600)

	// Registry defaults
	v.SetDefault("registry.catalogPath", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix DCM_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	// Optional .env file for local development.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DCM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/dcm/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks that all configuration fields are usable.
// In production mode a missing auth secret is fatal; in development a
// placeholder secret is substituted and the caller logs a warning.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.API.Port <= 0 || cfg.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
		errs = append(errs, "gateway.port must be between 1 and 65535")
	}
	if cfg.Gateway.Port == cfg.API.Port {
		errs = append(errs, "gateway.port must differ from api.port")
	}

	if cfg.Database.Host == "" {
		errs = append(errs, "database.host is required")
	}
	if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
		errs = append(errs, "database.port must be between 1 and 65535")
	}
	if cfg.Database.User == "" {
		errs = append(errs, "database.user is required")
	}
	if cfg.Database.DBName == "" {
		errs = append(errs, "database.dbName is required")
	}
	if cfg.Database.MaxConns <= 0 {
		errs = append(errs, "database.maxConns must be positive")
	}

	if cfg.Auth.Secret == "" {
		if Production() {
			errs = append(errs, "auth.secret is required in production (set DCM_AUTH_SECRET)")
		} else {
			cfg.Auth.Secret = "dev-secret-change-in-production"
		}
	}
	if cfg.Auth.TokenTTL <= 0 {
		errs = append(errs, "auth.tokenTtl must be positive")
	}

	if cfg.Cleanup.IntervalMs <= 0 {
		errs = append(errs, "cleanup.intervalMs must be positive")
	}
	if cfg.Cleanup.StaleThresholdHours <= 0 {
		errs = append(errs, "cleanup.staleThresholdHours must be positive")
	}
	if cfg.Cleanup.InactiveMinutes <= 0 {
		errs = append(errs, "cleanup.inactiveMinutes must be positive")
	}

	if cfg.Messages.DefaultTTL < 1 || cfg.Messages.DefaultTTL > 86400 {
		errs = append(errs, "messages.defaultTtl must be between 1 and 86400")
	}

	if cfg.Gateway.RetryMaxAttempts <= 0 {
		errs = append(errs, "gateway.retryMaxAttempts must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// detectDefaultLogFormat returns "json" for production-like environments
// and "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if Production() {
		return "json"
	}
	return "text"
}
