// Package config loads application configuration from an optional TOML
// file with environment variable overrides. Environment always wins so
// deployments can keep a checked-in file and override per host.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
)

// Config holds the application configuration.
type Config struct {
	Environment     string `toml:"environment"`
	DatabaseURL     string `toml:"database_url"`
	LogLevel        string `toml:"log_level"`
	LogFormat       string `toml:"log_format"`
	DefaultCurrency string `toml:"default_currency"`
}

// Load reads the TOML file at path (skipped when path is empty or the
// file does not exist), applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Environment:     "development",
		LogLevel:        "info",
		LogFormat:       "console",
		DefaultCurrency: "USD",
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	overlay(&cfg.Environment, "APP_ENV")
	overlay(&cfg.DatabaseURL, "DATABASE_URL")
	overlay(&cfg.LogLevel, "LOG_LEVEL")
	overlay(&cfg.LogFormat, "LOG_FORMAT")
	overlay(&cfg.DefaultCurrency, "DEFAULT_CURRENCY")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func overlay(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var missing []string
	if c.Environment == "" {
		missing = append(missing, "APP_ENV")
	}
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if len(missing) > 0 {
		return errors.New("missing required configuration: " + strings.Join(missing, ", "))
	}

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log format %q: must be console or json", c.LogFormat)
	}
	if len(c.DefaultCurrency) != 3 {
		return fmt.Errorf("invalid default currency %q: expected an ISO 4217 code", c.DefaultCurrency)
	}
	return nil
}

// IsProduction reports whether the configuration targets production.
func (c *Config) IsProduction() bool { return c.Environment == "production" }
