package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Session.Capacity != 10 {
		t.Errorf("Session.Capacity = %d, want 10", cfg.Session.Capacity)
	}
	if cfg.Session.Debounce != 5*time.Second {
		t.Errorf("Session.Debounce = %s, want 5s", cfg.Session.Debounce)
	}
	if cfg.Session.EvictionGrace != 60*time.Second {
		t.Errorf("Session.EvictionGrace = %s, want 60s", cfg.Session.EvictionGrace)
	}
	if cfg.Jobs.Workers != 5 {
		t.Errorf("Jobs.Workers = %d, want 5", cfg.Jobs.Workers)
	}
	if cfg.Jobs.MaxAttempts != 3 {
		t.Errorf("Jobs.MaxAttempts = %d, want 3", cfg.Jobs.MaxAttempts)
	}
	if cfg.Sandbox.MaxOutputBytes != 100*1024 {
		t.Errorf("Sandbox.MaxOutputBytes = %d, want 102400", cfg.Sandbox.MaxOutputBytes)
	}
	if cfg.Sandbox.MaxCodeBytes != 64*1024 {
		t.Errorf("Sandbox.MaxCodeBytes = %d, want 65536", cfg.Sandbox.MaxCodeBytes)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v, want nil", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"server port 0", func(c *Config) { c.Server.Port = 0 }, true},
		{"server port 99999", func(c *Config) { c.Server.Port = 99999 }, true},
		{"capacity 0", func(c *Config) { c.Session.Capacity = 0 }, true},
		{"debounce 0", func(c *Config) { c.Session.Debounce = 0 }, true},
		{"negative grace", func(c *Config) { c.Session.EvictionGrace = -time.Second }, true},
		{"postgres without dsn", func(c *Config) { c.Store.Backend = "postgres" }, true},
		{"postgres with dsn", func(c *Config) {
			c.Store.Backend = "postgres"
			c.Store.DSN = "postgres://localhost/codepair"
		}, false},
		{"dynamodb without table", func(c *Config) { c.Store.Backend = "dynamodb" }, true},
		{"unknown backend", func(c *Config) { c.Store.Backend = "sqlite" }, true},
		{"empty sandbox url", func(c *Config) { c.Sandbox.URL = "" }, true},
		{"workers 0", func(c *Config) { c.Jobs.Workers = 0 }, true},
		{"max attempts 0", func(c *Config) { c.Jobs.MaxAttempts = 0 }, true},
		{"bad rate class", func(c *Config) {
			c.RateLimit.Classes["execute"] = LimitClass{Limit: 0, Window: time.Minute}
		}, true},
		{"TLS enabled without cert", func(c *Config) {
			c.TLS.Enabled = true
		}, true},
		{"TLS enabled with cert+key", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = "/etc/ssl/cert.pem"
			c.TLS.KeyFile = "/etc/ssl/key.pem"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
server:
  host: "127.0.0.1"
  port: 9090
session:
  capacity: 4
  debounce: 2s
redis:
  addr: "localhost:6379"
jobs:
  workers: 8
rate_limit:
  classes:
    execute:
      limit: 3
      window: 30s
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yamlContent), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Session.Capacity != 4 {
		t.Errorf("Session.Capacity = %d, want 4", cfg.Session.Capacity)
	}
	if cfg.Session.Debounce != 2*time.Second {
		t.Errorf("Session.Debounce = %s, want 2s", cfg.Session.Debounce)
	}
	// Untouched fields keep their defaults.
	if cfg.Session.EvictionGrace != 60*time.Second {
		t.Errorf("Session.EvictionGrace = %s, want 60s", cfg.Session.EvictionGrace)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("Redis.Addr = %q, want localhost:6379", cfg.Redis.Addr)
	}
	if cfg.Jobs.Workers != 8 {
		t.Errorf("Jobs.Workers = %d, want 8", cfg.Jobs.Workers)
	}
	if got := cfg.RateLimit.Classes["execute"]; got.Limit != 3 || got.Window != 30*time.Second {
		t.Errorf("RateLimit.Classes[execute] = %+v, want {3 30s}", got)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestLoad_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("jobs:\n  workers: 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected validation error, got nil")
	}
}

func TestAddress(t *testing.T) {
	cfg := DefaultConfig()
	want := "0.0.0.0:8080"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}

	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 3000
	want = "127.0.0.1:3000"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}
}
