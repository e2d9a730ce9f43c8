package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return configPath
}

func TestLoadConfig_ValidFile(t *testing.T) {
	configPath := writeConfig(t, `
server:
  host: "127.0.0.1"
  port: 8080

logging:
  level: debug
  format: json

database:
  driver: postgres
  dsn: "postgres://forgesync@localhost/forgesync?sslmode=disable"

providers:
  enabled: [github, gitlab]
  gitlab:
    base_url: "https://gitlab.example.com"

retry:
  max_attempts: 5
  base_delay_ms: 200
  max_delay_ms: 2000
  attempt_timeout_seconds: 10
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 8080)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("Database.Driver = %q, want %q", cfg.Database.Driver, "postgres")
	}
	if cfg.Providers.GitLab.BaseURL != "https://gitlab.example.com" {
		t.Errorf("Providers.GitLab.BaseURL = %q", cfg.Providers.GitLab.BaseURL)
	}
	if len(cfg.Providers.Enabled) != 2 {
		t.Errorf("Providers.Enabled = %v, want 2 entries", cfg.Providers.Enabled)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("Retry.MaxAttempts = %d, want %d", cfg.Retry.MaxAttempts, 5)
	}
	if cfg.Retry.BaseDelay() != 200*time.Millisecond {
		t.Errorf("Retry.BaseDelay() = %v, want 200ms", cfg.Retry.BaseDelay())
	}
	// Unset sections keep their defaults.
	if cfg.Sync.Concurrency != 8 {
		t.Errorf("Sync.Concurrency = %d, want %d", cfg.Sync.Concurrency, 8)
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() expected error for nonexistent file, got nil")
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "server: [unclosed")

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoadConfig_EnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_FORGESYNC_DSN", "postgres://user:pass@db/forgesync")
	t.Setenv("TEST_CALLBACK_URL", "https://hooks.example.com")

	configPath := writeConfig(t, `
database:
  driver: postgres
  dsn: "${TEST_FORGESYNC_DSN}"
webhooks:
  callback_base_url: "${TEST_CALLBACK_URL}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.DSN != "postgres://user:pass@db/forgesync" {
		t.Errorf("Database.DSN = %q", cfg.Database.DSN)
	}
	if cfg.Webhooks.CallbackBaseURL != "https://hooks.example.com" {
		t.Errorf("Webhooks.CallbackBaseURL = %q", cfg.Webhooks.CallbackBaseURL)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 7000 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 7000)
	}
	if cfg.Database.Driver != "memory" {
		t.Errorf("Database.Driver = %q, want %q", cfg.Database.Driver, "memory")
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("Retry.MaxAttempts = %d, want %d", cfg.Retry.MaxAttempts, 3)
	}
	if cfg.Retry.MaxDelay() != 10*time.Second {
		t.Errorf("Retry.MaxDelay() = %v, want 10s", cfg.Retry.MaxDelay())
	}
	if cfg.Webhooks.DeliveryTTL() != time.Hour {
		t.Errorf("Webhooks.DeliveryTTL() = %v, want 1h", cfg.Webhooks.DeliveryTTL())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unsupported provider", func(c *Config) { c.Providers.Enabled = []string{"gitea"} }, `unsupported provider "gitea"`},
		{"no providers", func(c *Config) { c.Providers.Enabled = nil }, "at least one provider"},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "max_attempts"},
		{"negative delay", func(c *Config) { c.Retry.BaseDelayMS = -1 }, "delays must be positive"},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres" }, "dsn is required"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "sqlite" }, `"sqlite" is not supported`},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "out of range"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() error = %q, want it to contain %q", err.Error(), tt.want)
			}
		})
	}
}
