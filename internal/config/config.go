// Package config loads and validates doctrace configuration from YAML,
// with environment variable overrides for deployment-sensitive values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all doctrace configuration.
type Config struct {
	// Backend connection
	Backend BackendConfig `yaml:"backend"`

	// Credential storage
	Auth AuthConfig `yaml:"auth"`

	// Trace sync engine
	Sync SyncConfig `yaml:"sync"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// BackendConfig configures the document-processing backend endpoint.
type BackendConfig struct {
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"` // e.g. "30s"
}

// AuthConfig configures credential persistence and token renewal.
type AuthConfig struct {
	Store            string `yaml:"store"`             // file, sqlite, memory
	CredentialsPath  string `yaml:"credentials_path"`  // file or sqlite path
	RefreshMargin    string `yaml:"refresh_margin"`    // treat tokens expiring within this window as expired
	WatchCredentials bool   `yaml:"watch_credentials"` // reload when another process rewrites the file
}

// SyncConfig configures the trace sync engine.
type SyncConfig struct {
	PollInterval       string `yaml:"poll_interval"`       // poll mode cadence, default 5s
	BackoffBase        string `yaml:"backoff_base"`        // push mode reconnect base, default 1s
	BackoffMax         string `yaml:"backoff_max"`         // push mode reconnect cap, default 30s
	UnhealthyThreshold int    `yaml:"unhealthy_threshold"` // consecutive failures before Unhealthy
	CachePath          string `yaml:"cache_path"`          // sqlite snapshot cache, empty disables
}

// LoggingConfig configures the categorized file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Dir        string          `yaml:"dir"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
}

// Default returns the default configuration rooted at dir.
func Default(dir string) *Config {
	return &Config{
		Backend: BackendConfig{
			BaseURL: "http://localhost:8080",
			Timeout: "30s",
		},
		Auth: AuthConfig{
			Store:           "file",
			CredentialsPath: filepath.Join(dir, "credentials.json"),
			RefreshMargin:   "30s",
		},
		Sync: SyncConfig{
			PollInterval:       "5s",
			BackoffBase:        "1s",
			BackoffMax:         "30s",
			UnhealthyThreshold: 3,
			CachePath:          filepath.Join(dir, "traces.db"),
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Dir:       filepath.Join(dir, "logs"),
			Level:     "info",
		},
	}
}

// Load reads configuration from path. A missing file yields defaults rooted
// at the file's directory. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default(filepath.Dir(path))

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// applyEnvOverrides lets deployments point at a different backend or
// credential location without editing the config file.
func applyEnvOverrides(c *Config) {
	if v := os.Getenv("DOCTRACE_BASE_URL"); v != "" {
		c.Backend.BaseURL = v
	}
	if v := os.Getenv("DOCTRACE_CREDENTIALS"); v != "" {
		c.Auth.CredentialsPath = v
	}
	if v := os.Getenv("DOCTRACE_DEBUG"); v == "1" || v == "true" {
		c.Logging.DebugMode = true
	}
}

// Validate checks the configuration for obvious misconfiguration.
func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	switch c.Auth.Store {
	case "file", "sqlite", "memory":
	default:
		return fmt.Errorf("auth.store must be one of file, sqlite, memory (got %q)", c.Auth.Store)
	}
	for name, raw := range map[string]string{
		"backend.timeout":     c.Backend.Timeout,
		"auth.refresh_margin": c.Auth.RefreshMargin,
		"sync.poll_interval":  c.Sync.PollInterval,
		"sync.backoff_base":   c.Sync.BackoffBase,
		"sync.backoff_max":    c.Sync.BackoffMax,
	} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("%s: invalid duration %q", name, raw)
		}
	}
	if c.Sync.UnhealthyThreshold < 1 {
		return fmt.Errorf("sync.unhealthy_threshold must be >= 1")
	}
	return nil
}

// Duration parses a duration field, falling back to def on empty input.
func Duration(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
