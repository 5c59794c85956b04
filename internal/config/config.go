// Package config loads Covert's runtime configuration from the environment.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds all server configuration, loaded from environment variables.
type Config struct {
	// Server
	Host string `env:"COVERT_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"COVERT_PORT" envDefault:"8200"`

	// Storage: directory holding covert.db (encrypted) and seal.db (unencrypted).
	StorageDir string `env:"COVERT_STORAGE_DIR" envDefault:"./data"`

	// Migrations
	MigrationsDir string `env:"COVERT_MIGRATIONS_DIR" envDefault:"migrations"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Metrics
	MetricsPath string `env:"METRICS_PATH" envDefault:"/metrics"`

	// CORS
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// Request handling
	RequestTimeout  string `env:"COVERT_REQUEST_TIMEOUT" envDefault:"30s"`
	MaxBodyBytes    int64  `env:"COVERT_MAX_BODY_BYTES" envDefault:"1048576"`
	DefaultLeaseTTL string `env:"COVERT_DEFAULT_LEASE_TTL" envDefault:"768h"`
	MaxLeaseTTL     string `env:"COVERT_MAX_LEASE_TTL" envDefault:"8760h"`

	// Expiration manager
	LeaseRetryTimeout string `env:"COVERT_LEASE_RETRY_TIMEOUT" envDefault:"10s"`
	LeaseMaxRetries   int    `env:"COVERT_LEASE_MAX_RETRIES" envDefault:"5"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
