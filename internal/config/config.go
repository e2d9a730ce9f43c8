package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Database  DatabaseConfig  `yaml:"database"`
	Providers ProvidersConfig `yaml:"providers"`
	Retry     RetryConfig     `yaml:"retry"`
	Sync      SyncConfig      `yaml:"sync"`
	Webhooks  WebhooksConfig  `yaml:"webhooks"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig selects the store backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// ProvidersConfig holds git provider configurations.
type ProvidersConfig struct {
	Enabled   []string       `yaml:"enabled"`
	GitHub    ProviderConfig `yaml:"github"`
	GitLab    ProviderConfig `yaml:"gitlab"`
	Bitbucket ProviderConfig `yaml:"bitbucket"`
}

// ProviderConfig holds per-provider API settings. Tokens are supplied per
// repository connection, not here.
type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`
}

// RetryConfig holds remote call retry settings.
type RetryConfig struct {
	MaxAttempts           int `yaml:"max_attempts"`
	BaseDelayMS           int `yaml:"base_delay_ms"`
	MaxDelayMS            int `yaml:"max_delay_ms"`
	AttemptTimeoutSeconds int `yaml:"attempt_timeout_seconds"`
}

// SyncConfig holds reconciliation settings.
type SyncConfig struct {
	Concurrency     int `yaml:"concurrency"`
	IntervalSeconds int `yaml:"interval_seconds"`
}

// WebhooksConfig holds inbound webhook settings.
type WebhooksConfig struct {
	CallbackBaseURL    string `yaml:"callback_base_url"`
	DeliveryTTLSeconds int    `yaml:"delivery_ttl_seconds"`
}

// BaseDelay returns the base backoff delay.
func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMS) * time.Millisecond
}

// MaxDelay returns the backoff cap.
func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMS) * time.Millisecond
}

// AttemptTimeout returns the per-attempt timeout.
func (r RetryConfig) AttemptTimeout() time.Duration {
	return time.Duration(r.AttemptTimeoutSeconds) * time.Second
}

// Interval returns the periodic sync interval, zero when disabled.
func (s SyncConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// DeliveryTTL returns how long applied delivery ids are remembered.
func (w WebhooksConfig) DeliveryTTL() time.Duration {
	return time.Duration(w.DeliveryTTLSeconds) * time.Second
}

// envVarPattern matches ${VAR_NAME} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 7000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Database: DatabaseConfig{
			Driver: "memory",
		},
		Providers: ProvidersConfig{
			Enabled: []string{"github", "gitlab", "bitbucket"},
		},
		Retry: RetryConfig{
			MaxAttempts:           3,
			BaseDelayMS:           1000,
			MaxDelayMS:            10000,
			AttemptTimeoutSeconds: 30,
		},
		Sync: SyncConfig{
			Concurrency: 8,
		},
		Webhooks: WebhooksConfig{
			DeliveryTTLSeconds: 3600,
		},
	}
}

// Load reads and parses the config file at the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Substitute environment variables
	data = envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(varName)))
	})

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// supportedProviders mirrors provider.Supported; config stays free of
// domain imports.
var supportedProviders = map[string]bool{"github": true, "gitlab": true, "bitbucket": true}

// Validate reports configuration errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}

	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}

	if len(c.Providers.Enabled) == 0 {
		errs = append(errs, errors.New("providers.enabled must list at least one provider"))
	}
	for _, name := range c.Providers.Enabled {
		if !supportedProviders[name] {
			errs = append(errs, fmt.Errorf("providers.enabled: unsupported provider %q", name))
		}
	}

	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("retry.max_attempts must be positive"))
	}
	if c.Retry.BaseDelayMS <= 0 || c.Retry.MaxDelayMS <= 0 {
		errs = append(errs, errors.New("retry delays must be positive"))
	}
	if c.Retry.AttemptTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("retry.attempt_timeout_seconds must be positive"))
	}

	if c.Sync.Concurrency <= 0 {
		errs = append(errs, errors.New("sync.concurrency must be positive"))
	}
	if c.Sync.IntervalSeconds < 0 {
		errs = append(errs, errors.New("sync.interval_seconds must not be negative"))
	}

	if err := multierr.Combine(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
