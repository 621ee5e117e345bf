// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Client        ClientConfig        `yaml:"client"`
	Identity      IdentityConfig      `yaml:"identity"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Capability    CapabilityConfig    `yaml:"capability"`
	Storage       StorageConfig       `yaml:"storage"`
	Wizard        WizardConfig        `yaml:"wizard"`
	Incident      IncidentConfig      `yaml:"incident"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// ClientConfig describes the signed browser-client cookie.
type ClientConfig struct {
	CookieName    string        `yaml:"cookie_name"`
	SigningKeyEnv string        `yaml:"signing_key_env"`
	TTL           time.Duration `yaml:"ttl"`
	Secure        bool          `yaml:"secure"`
}

// SigningKey returns the cookie signing key read from SigningKeyEnv.
func (c ClientConfig) SigningKey() []byte {
	return []byte(os.Getenv(c.SigningKeyEnv))
}

// IdentityConfig describes the external identity backend.
type IdentityConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	OAuthProviders []string             `yaml:"oauth_providers"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
}

// CircuitBreakerConfig describes the circuit breaker in front of a backend.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// RetryConfig describes the retry policy of a backend. Only idempotent
// requests are retried.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
}

// DefinitionsConfig describes where to find wizard definition YAML files.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
	// Strict fails startup on any definition error instead of skipping the
	// offending wizard.
	Strict bool `yaml:"strict"`
}

// CapabilityConfig describes authorization settings.
type CapabilityConfig struct {
	StaticPolicyFile string      `yaml:"static_policy_file"`
	Cache            CacheConfig `yaml:"cache"`
}

// CacheConfig describes cache settings.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// StorageConfig describes the client-scoped key/value stores. The session
// store holds browser-session data (impersonation tokens) and expires with
// SessionTTL; the local store holds durable data (session token, wizard
// sessions).
type StorageConfig struct {
	SessionDriver string         `yaml:"session_driver"`
	LocalDriver   string         `yaml:"local_driver"`
	SessionTTL    time.Duration  `yaml:"session_ttl"`
	LocalTTL      time.Duration  `yaml:"local_ttl"`
	Redis         RedisConfig    `yaml:"redis"`
	Postgres      PostgresConfig `yaml:"postgres"`
}

// RedisConfig describes a Redis connection.
type RedisConfig struct {
	AddrEnv string `yaml:"addr_env"`
	DB      int    `yaml:"db"`
}

// PostgresConfig describes a PostgreSQL connection pool.
type PostgresConfig struct {
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// WizardConfig describes wizard hosting settings.
type WizardConfig struct {
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	DefaultDebounce time.Duration `yaml:"default_debounce"`
}

// IncidentConfig describes the incident backend used for wizard submission.
type IncidentConfig struct {
	BaseURL        string                 `yaml:"base_url"`
	Timeout        time.Duration          `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig   `yaml:"circuit_breaker"`
	Retry          RetryConfig            `yaml:"retry"`
	Idempotency    IdempotencyStoreConfig `yaml:"idempotency"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// RateLimitConfig describes per-client rate limiting of the auth endpoints.
type RateLimitConfig struct {
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	IdleTTL           time.Duration `yaml:"idle_ttl"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

var (
	sessionDrivers     = []string{"memory", "redis"}
	localDrivers       = []string{"memory", "redis", "postgres"}
	idempotencyDrivers = []string{"memory", "redis"}
)

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		Client: ClientConfig{
			CookieName:    "wz_client",
			SigningKeyEnv: "WIZARDD_CLIENT_SIGNING_KEY",
			TTL:           30 * 24 * time.Hour,
			Secure:        true,
		},
		Identity: IdentityConfig{
			Timeout:        10 * time.Second,
			OAuthProviders: []string{"github", "google"},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts:       2,
				BackoffInitial:    100 * time.Millisecond,
				BackoffMultiplier: 2,
				BackoffMax:        time.Second,
			},
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"/definitions"},
			Strict:      true,
		},
		Capability: CapabilityConfig{
			StaticPolicyFile: "/etc/wizardd/policies.yaml",
			Cache: CacheConfig{
				TTL:        5 * time.Minute,
				MaxEntries: 10000,
			},
		},
		Storage: StorageConfig{
			SessionDriver: "memory",
			LocalDriver:   "memory",
			SessionTTL:    12 * time.Hour,
			Postgres: PostgresConfig{
				MaxOpenConns:    10,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Wizard: WizardConfig{
			IdleTimeout:     30 * time.Minute,
			DefaultDebounce: 1 * time.Second,
		},
		Incident: IncidentConfig{
			Timeout: 15 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts: 1,
			},
			Idempotency: IdempotencyStoreConfig{
				Driver:     "memory",
				DefaultTTL: 24 * time.Hour,
			},
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 5,
			Burst:             10,
			IdleTTL:           10 * time.Minute,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.BaseURL == "" {
		errs = append(errs, "identity.base_url is required")
	}
	for _, p := range c.Identity.OAuthProviders {
		if p != "github" && p != "google" {
			errs = append(errs, fmt.Sprintf("identity.oauth_providers: unsupported provider %q", p))
		}
	}
	if c.Capability.StaticPolicyFile == "" {
		errs = append(errs, "capability.static_policy_file is required")
	}
	if c.Client.CookieName == "" {
		errs = append(errs, "client.cookie_name is required")
	}
	if c.Client.SigningKeyEnv == "" {
		errs = append(errs, "client.signing_key_env is required")
	}
	if !slices.Contains(sessionDrivers, c.Storage.SessionDriver) {
		errs = append(errs, fmt.Sprintf("storage.session_driver must be one of %v", sessionDrivers))
	}
	if !slices.Contains(localDrivers, c.Storage.LocalDriver) {
		errs = append(errs, fmt.Sprintf("storage.local_driver must be one of %v", localDrivers))
	}
	if c.usesRedis() && c.Storage.Redis.AddrEnv == "" {
		errs = append(errs, "storage.redis.addr_env is required when a redis driver is selected")
	}
	if c.Storage.LocalDriver == "postgres" && c.Storage.Postgres.DSNEnv == "" {
		errs = append(errs, "storage.postgres.dsn_env is required for the postgres local driver")
	}
	if !slices.Contains(idempotencyDrivers, c.Incident.Idempotency.Driver) {
		errs = append(errs, fmt.Sprintf("incident.idempotency.driver must be one of %v", idempotencyDrivers))
	}
	if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst < 1 {
		errs = append(errs, "rate_limit.requests_per_second and rate_limit.burst must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) usesRedis() bool {
	return c.Storage.SessionDriver == "redis" ||
		c.Storage.LocalDriver == "redis" ||
		c.Incident.Idempotency.Driver == "redis"
}

// applyEnvOverrides reads WIZARDD_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WIZARDD_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("WIZARDD_IDENTITY_BASE_URL"); v != "" {
		cfg.Identity.BaseURL = v
	}
	if v := os.Getenv("WIZARDD_INCIDENT_BASE_URL"); v != "" {
		cfg.Incident.BaseURL = v
	}
	if v := os.Getenv("WIZARDD_STORAGE_SESSION_DRIVER"); v != "" {
		cfg.Storage.SessionDriver = v
	}
	if v := os.Getenv("WIZARDD_STORAGE_LOCAL_DRIVER"); v != "" {
		cfg.Storage.LocalDriver = v
	}
	if v := os.Getenv("WIZARDD_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
