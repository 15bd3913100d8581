package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Backend.BaseURL != "http://localhost:8080" {
		t.Errorf("base_url = %q", cfg.Backend.BaseURL)
	}
	if cfg.Auth.Store != "file" {
		t.Errorf("auth.store = %q, want file", cfg.Auth.Store)
	}
	if cfg.Auth.CredentialsPath != filepath.Join(dir, "credentials.json") {
		t.Errorf("credentials_path = %q", cfg.Auth.CredentialsPath)
	}
	if cfg.Sync.UnhealthyThreshold != 3 {
		t.Errorf("unhealthy_threshold = %d, want 3", cfg.Sync.UnhealthyThreshold)
	}
}

func TestLoadParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
backend:
  base_url: https://api.example.com
  timeout: 10s
auth:
  store: sqlite
  credentials_path: /var/lib/doctrace/creds.db
  refresh_margin: 1m
sync:
  poll_interval: 2s
  unhealthy_threshold: 5
logging:
  debug_mode: true
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend.BaseURL != "https://api.example.com" {
		t.Errorf("base_url = %q", cfg.Backend.BaseURL)
	}
	if cfg.Auth.Store != "sqlite" {
		t.Errorf("store = %q", cfg.Auth.Store)
	}
	if cfg.Sync.PollInterval != "2s" {
		t.Errorf("poll_interval = %q", cfg.Sync.PollInterval)
	}
	if cfg.Sync.UnhealthyThreshold != 5 {
		t.Errorf("unhealthy_threshold = %d", cfg.Sync.UnhealthyThreshold)
	}
	if !cfg.Logging.DebugMode {
		t.Error("debug_mode should be true")
	}
	// Unset fields keep their defaults.
	if cfg.Sync.BackoffMax != "30s" {
		t.Errorf("backoff_max = %q, want default 30s", cfg.Sync.BackoffMax)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DOCTRACE_BASE_URL", "https://staging.example.com")
	t.Setenv("DOCTRACE_CREDENTIALS", "/tmp/other-creds.json")
	t.Setenv("DOCTRACE_DEBUG", "1")

	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend.BaseURL != "https://staging.example.com" {
		t.Errorf("base_url = %q", cfg.Backend.BaseURL)
	}
	if cfg.Auth.CredentialsPath != "/tmp/other-creds.json" {
		t.Errorf("credentials_path = %q", cfg.Auth.CredentialsPath)
	}
	if !cfg.Logging.DebugMode {
		t.Error("DOCTRACE_DEBUG should enable debug mode")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults are valid", func(c *Config) {}, true},
		{"missing base url", func(c *Config) { c.Backend.BaseURL = "" }, false},
		{"unknown store", func(c *Config) { c.Auth.Store = "vault" }, false},
		{"bad duration", func(c *Config) { c.Sync.PollInterval = "soon" }, false},
		{"zero threshold", func(c *Config) { c.Sync.UnhealthyThreshold = 0 }, false},
		{"memory store", func(c *Config) { c.Auth.Store = "memory" }, true},
		{"empty durations fall back", func(c *Config) { c.Sync.BackoffBase = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default(t.TempDir())
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	cfg := Default(dir)
	cfg.Backend.BaseURL = "https://api.example.com"
	cfg.Auth.WatchCredentials = true
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Backend.BaseURL != "https://api.example.com" {
		t.Errorf("base_url = %q", loaded.Backend.BaseURL)
	}
	if !loaded.Auth.WatchCredentials {
		t.Error("watch_credentials lost in roundtrip")
	}
}

func TestDuration(t *testing.T) {
	if got := Duration("", 5*time.Second); got != 5*time.Second {
		t.Errorf("empty: %v", got)
	}
	if got := Duration("2m", 5*time.Second); got != 2*time.Minute {
		t.Errorf("2m: %v", got)
	}
	if got := Duration("garbage", 5*time.Second); got != 5*time.Second {
		t.Errorf("garbage: %v", got)
	}
}
