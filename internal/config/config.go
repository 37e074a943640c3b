package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Session   SessionConfig   `yaml:"session"`
	Store     StoreConfig     `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
	TLS       TLSConfig       `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	InstanceID      string        `yaml:"instance_id"` // empty: hostname, else generated at startup
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
	AllowedOrigins  []string      `yaml:"allowed_origins"` // WebSocket origin check; empty allows all
}

// SessionConfig controls room lifecycle and durability timing.
type SessionConfig struct {
	Capacity        int           `yaml:"capacity"`
	EvictionGrace   time.Duration `yaml:"eviction_grace"`
	Debounce        time.Duration `yaml:"debounce"`
	RecordingLimit  int           `yaml:"recording_limit"`
	RecordThrottle  time.Duration `yaml:"record_throttle"`
	DefaultLanguage string        `yaml:"default_language"`
}

type StoreConfig struct {
	Backend       string        `yaml:"backend"` // "memory" (default), "postgres", or "dynamodb"
	DSN           string        `yaml:"dsn"`
	DynamoTable   string        `yaml:"dynamodb_table"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	MaxConns      int32         `yaml:"max_conns"`
	ResultsBuffer int           `yaml:"results_buffer"`
}

// RedisConfig addresses the shared cache/broker. An empty Addr runs single-instance.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type SandboxConfig struct {
	URL            string        `yaml:"url"`
	APIKey         string        `yaml:"api_key"`
	RunTimeout     time.Duration `yaml:"run_timeout"`
	CompileTimeout time.Duration `yaml:"compile_timeout"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
	MaxCodeBytes   int           `yaml:"max_code_bytes"`
}

type JobsConfig struct {
	Workers     int           `yaml:"workers"`
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	Retention   time.Duration `yaml:"retention"`
	QueueSize   int           `yaml:"queue_size"`
}

type AuthConfig struct {
	JWTSecret      string        `yaml:"jwt_secret"`
	JWTSecretParam string        `yaml:"jwt_secret_param"` // SSM parameter name, overrides jwt_secret
	Issuer         string        `yaml:"issuer"`
	TokenTTL       time.Duration `yaml:"token_ttl"`
}

// RateLimitConfig maps endpoint classes to their windows.
type RateLimitConfig struct {
	Enabled bool                  `yaml:"enabled"`
	Classes map[string]LimitClass `yaml:"classes"`
}

type LimitClass struct {
	Limit  int64         `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from env or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second, // > run + compile timeout for POST /execute
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20,
		},
		Session: SessionConfig{
			Capacity:        10,
			EvictionGrace:   60 * time.Second,
			Debounce:        5 * time.Second,
			RecordingLimit:  1000,
			RecordThrottle:  5 * time.Second,
			DefaultLanguage: "javascript",
		},
		Store: StoreConfig{
			Backend:       "memory",
			WriteTimeout:  5 * time.Second,
			MaxConns:      25,
			ResultsBuffer: 10000,
		},
		Sandbox: SandboxConfig{
			URL:            "http://localhost:2000",
			RunTimeout:     10 * time.Second,
			CompileTimeout: 5 * time.Second,
			MaxOutputBytes: 100 * 1024,
			MaxCodeBytes:   64 * 1024,
		},
		Jobs: JobsConfig{
			Workers:     5,
			MaxAttempts: 3,
			BackoffBase: time.Second,
			Retention:   10 * time.Minute,
			QueueSize:   1000,
		},
		Auth: AuthConfig{
			Issuer:   "codepair",
			TokenTTL: 12 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Classes: map[string]LimitClass{
				"execute": {Limit: 10, Window: time.Minute},
				"submit":  {Limit: 20, Window: time.Minute},
				"api":     {Limit: 120, Window: time.Minute},
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Session.Capacity < 1 {
		return fmt.Errorf("session.capacity must be >= 1")
	}
	if c.Session.Debounce <= 0 {
		return fmt.Errorf("session.debounce must be > 0")
	}
	if c.Session.EvictionGrace < 0 {
		return fmt.Errorf("session.eviction_grace must be >= 0")
	}
	if c.Session.RecordingLimit < 1 {
		return fmt.Errorf("session.recording_limit must be >= 1")
	}
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres backend")
		}
	case "dynamodb":
		if c.Store.DynamoTable == "" {
			return fmt.Errorf("store.dynamodb_table is required for the dynamodb backend")
		}
	default:
		return fmt.Errorf("store.backend must be memory, postgres, or dynamodb, got %q", c.Store.Backend)
	}
	if c.Sandbox.URL == "" {
		return fmt.Errorf("sandbox.url is required")
	}
	if c.Sandbox.RunTimeout <= 0 {
		return fmt.Errorf("sandbox.run_timeout must be > 0")
	}
	if c.Sandbox.MaxOutputBytes < 1 || c.Sandbox.MaxCodeBytes < 1 {
		return fmt.Errorf("sandbox.max_output_bytes and sandbox.max_code_bytes must be >= 1")
	}
	if c.Jobs.Workers < 1 {
		return fmt.Errorf("jobs.workers must be >= 1")
	}
	if c.Jobs.MaxAttempts < 1 {
		return fmt.Errorf("jobs.max_attempts must be >= 1")
	}
	for name, class := range c.RateLimit.Classes {
		if class.Limit < 1 || class.Window <= 0 {
			return fmt.Errorf("rate_limit.classes.%s: limit and window must be positive", name)
		}
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Auth.JWTSecret == "" && c.Auth.JWTSecretParam == "" {
		log.Warn().Msg("no auth.jwt_secret configured, every token will be rejected")
	}
	if c.Store.DSN != "" && strings.Contains(c.Store.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
