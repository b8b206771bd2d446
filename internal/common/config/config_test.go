package config

import (
	"strings"
	"testing"
)

func validConfig() *Config {
	return &Config{
		API:      APIConfig{Host: "127.0.0.1", Port: 3847, OperationTimeout: 5},
		Gateway:  GatewayConfig{Port: 3849, HeartbeatInterval: 30, HeartbeatTimeout: 60, RetryInterval: 2, RetryTimeout: 5, RetryMaxAttempts: 3},
		Database: DatabaseConfig{Host: "localhost", Port: 5432, User: "dcm", DBName: "dcm", SSLMode: "disable", MaxConns: 25, MinConns: 5},
		Auth:     AuthConfig{Secret: "secret", TokenTTL: 3600},
		Cleanup:  CleanupConfig{IntervalMs: 60000, StaleThresholdHours: 0.5, InactiveMinutes: 10, SnapshotMaxAgeHours: 24, ReadMaxAgeHours: 24},
		Messages: MessageConfig{DefaultTTL: 3600},
		Logging:  LoggingConfig{Level: "info", Format: "json", OutputPath: "stdout"},
	}
}

func TestValidateAccepts(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestValidateSubstitutesDevSecret(t *testing.T) {
	t.Setenv("DCM_ENV", "")
	cfg := validConfig()
	cfg.Auth.Secret = ""
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if cfg.Auth.Secret != "dev-secret-change-in-production" {
		t.Errorf("expected dev secret substitution, got %q", cfg.Auth.Secret)
	}
}

func TestValidateRequiresSecretInProduction(t *testing.T) {
	t.Setenv("DCM_ENV", "production")
	cfg := validConfig()
	cfg.Auth.Secret = ""
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "auth.secret") {
		t.Errorf("expected auth.secret error, got %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		mention string
	}{
		{"bad api port", func(c *Config) { c.API.Port = 0 }, "api.port"},
		{"port conflict", func(c *Config) { c.Gateway.Port = c.API.Port }, "gateway.port must differ"},
		{"missing db host", func(c *Config) { c.Database.Host = "" }, "database.host"},
		{"missing db user", func(c *Config) { c.Database.User = "" }, "database.user"},
		{"zero max conns", func(c *Config) { c.Database.MaxConns = 0 }, "database.maxConns"},
		{"zero token ttl", func(c *Config) { c.Auth.TokenTTL = 0 }, "auth.tokenTtl"},
		{"zero cleanup interval", func(c *Config) { c.Cleanup.IntervalMs = 0 }, "cleanup.intervalMs"},
		{"ttl too large", func(c *Config) { c.Messages.DefaultTTL = 90000 }, "messages.defaultTtl"},
		{"ttl too small", func(c *Config) { c.Messages.DefaultTTL = 0 }, "messages.defaultTtl"},
		{"zero retry attempts", func(c *Config) { c.Gateway.RetryMaxAttempts = 0 }, "retryMaxAttempts"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tc.mention) {
				t.Errorf("expected error mentioning %q, got %v", tc.mention, err)
			}
		})
	}
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", DBName: "dcm", SSLMode: "require"}
	expected := "host=db port=5432 user=u password=p dbname=dcm sslmode=require"
	if got := d.DSN(); got != expected {
		t.Errorf("expected %q, got %q", expected, got)
	}
}

func TestDurations(t *testing.T) {
	c := CleanupConfig{IntervalMs: 1500, StaleThresholdHours: 0.5, InactiveMinutes: 10}
	if c.IntervalDuration().Milliseconds() != 1500 {
		t.Errorf("unexpected interval %v", c.IntervalDuration())
	}
	if c.StaleThreshold().Minutes() != 30 {
		t.Errorf("unexpected stale threshold %v", c.StaleThreshold())
	}
	if c.InactiveThreshold().Minutes() != 10 {
		t.Errorf("unexpected inactive threshold %v", c.InactiveThreshold())
	}
}
