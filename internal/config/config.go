// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Database   DatabaseConfig    `yaml:"database"`
	Auth       AuthConfig        `yaml:"auth"`
	Security   SecurityConfig    `yaml:"security"`
	RateLimits RateLimitConfig   `yaml:"rate_limits"`
	Cache      CacheConfig       `yaml:"cache"`
	Telemetry  TelemetryConfig   `yaml:"telemetry"`
	Providers  []ProviderEntry   `yaml:"providers"`
	Routes     []RouteEntry      `yaml:"routes"`
	Rates      []RateEntry       `yaml:"rates"`
	Tenants    []TenantEntry     `yaml:"tenants"`
	Principals []PrincipalEntry  `yaml:"principals"`
	Keys       []KeyEntry        `yaml:"keys"`
}

// SecurityConfig controls the prompt-injection/PII scanning policy.
type SecurityConfig struct {
	Policy        string `yaml:"policy"`          // scanner policy name; "" disables scanning
	MaxInFlight   int64  `yaml:"max_in_flight"`   // 0 = unbounded concurrent upstream calls
	SigningSecret string `yaml:"signing_secret"`  // HMAC secret for session tokens
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// RateLimitConfig holds default rate limiting and routing settings.
type RateLimitConfig struct {
	DefaultRPM     int64  `yaml:"default_rpm"`     // default requests per minute (0 = unlimited)
	DefaultTPM     int64  `yaml:"default_tpm"`     // default tokens per minute (0 = unlimited)
	DefaultRouting string `yaml:"default_routing"` // router.Policy used absent a matching route
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxSize    int           `yaml:"max_size"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	AdminKey string `yaml:"admin_key"` // bootstrap admin key; parsed but not read by the server
}

// ProviderEntry is a provider link definition in the config file. ID
// defaults to Name when absent and is the key the runtime provider registry
// is indexed by -- it must match the ProviderLink.ID seeded into storage.
type ProviderEntry struct {
	ID        string     `yaml:"id"`
	Name      string     `yaml:"name"`
	Type      string     `yaml:"type"`
	BaseURL   string     `yaml:"base_url"`
	APIKey    string     `yaml:"api_key"`
	Models    []string   `yaml:"models"`
	Priority  int        `yaml:"priority"`
	Weight    int        `yaml:"weight"`
	Enabled   *bool      `yaml:"enabled"`
	MaxRPS    int        `yaml:"max_rps"`
	TimeoutMs int        `yaml:"timeout_ms"`
	Hosting   string     `yaml:"hosting"` // "", "gcp_vertex", "aws"
	Region    string     `yaml:"region"`  // GCP region for Vertex AI
	Project   string     `yaml:"project"` // GCP project ID for Vertex AI
	Auth      *AuthEntry `yaml:"auth"`    // explicit auth; inferred from api_key when absent
}

// ResolvedID returns ID if set, otherwise falls back to Name.
func (p ProviderEntry) ResolvedID() string {
	if p.ID != "" {
		return p.ID
	}
	return p.Name
}

// AuthEntry configures provider authentication.
type AuthEntry struct {
	Type   string `yaml:"type"`    // "api_key", "gcp_oauth"
	APIKey string `yaml:"api_key"` // explicit key (overrides top-level api_key)
}

// IsEnabled reports whether the provider is enabled (defaults to true when nil).
func (p ProviderEntry) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// ResolvedType returns Type if set, otherwise falls back to Name for backward compatibility.
func (p ProviderEntry) ResolvedType() string {
	if p.Type != "" {
		return p.Type
	}
	return p.Name
}

// ResolvedHosting returns the hosting mode as configured ("", "gcp_vertex", "aws").
func (p ProviderEntry) ResolvedHosting() string {
	return p.Hosting
}

// ResolvedAuthType returns the auth type, inferring from context when Auth is nil.
// Returns "gcp_oauth" for Vertex hosting, "api_key" otherwise.
func (p ProviderEntry) ResolvedAuthType() string {
	if p.Auth != nil && p.Auth.Type != "" {
		return p.Auth.Type
	}
	if p.Hosting == "gcp_vertex" {
		return "gcp_oauth"
	}
	return "api_key"
}

// ResolvedAPIKey returns the API key, preferring Auth.APIKey over top-level APIKey.
func (p ProviderEntry) ResolvedAPIKey() string {
	if p.Auth != nil && p.Auth.APIKey != "" {
		return p.Auth.APIKey
	}
	return p.APIKey
}

// RouteEntry is a route definition in the config file.
type RouteEntry struct {
	ModelAlias string        `yaml:"model_alias"`
	Targets    []TargetEntry `yaml:"targets"`
	Strategy   string        `yaml:"strategy"`
	CacheTTLs  int           `yaml:"cache_ttl_s"`
}

// TargetEntry is a single route target. ProviderLinkID must match a
// ProviderEntry's ResolvedID.
type TargetEntry struct {
	ProviderLinkID string `yaml:"provider_link_id" json:"provider_link_id"`
	Model          string `yaml:"model"            json:"model"`
	Priority       int    `yaml:"priority"         json:"priority"`
	Weight         int    `yaml:"weight"           json:"weight"`
}

// RateEntry seeds the token-conversion rate table used by the accounting
// package to translate raw provider tokens into normalized waddle tokens.
type RateEntry struct {
	Kind          string  `yaml:"kind"` // "openai", "anthropic", "ollama"
	Model         string  `yaml:"model"`
	InputDivisor  float64 `yaml:"input_divisor"`
	OutputDivisor float64 `yaml:"output_divisor"`
	BaseCostUSD   float64 `yaml:"base_cost_usd"`
}

// TenantEntry seeds a billing/quota tenant.
type TenantEntry struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	DailyQuota   *int64 `yaml:"daily_quota"`
	MonthlyQuota *int64 `yaml:"monthly_quota"`
}

// PrincipalEntry seeds a human or service identity scoped to a tenant.
type PrincipalEntry struct {
	ID       string `yaml:"id"`
	TenantID string `yaml:"tenant_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"` // plaintext, bcrypt-hashed on bootstrap; empty disables login
	Role     string `yaml:"role"`     // admin, resource_manager, reporter, user
}

// KeyEntry is a credential seed in the config file, minted for an existing
// PrincipalEntry/TenantEntry pair.
type KeyEntry struct {
	Name          string   `yaml:"name"`
	Key           string   `yaml:"key"` // plaintext "wa-<principal-id>-<secret>", hashed on bootstrap
	PrincipalID   string   `yaml:"principal_id"`
	TenantID      string   `yaml:"tenant_id"`
	AllowedModels []string `yaml:"allowed_models"`
	RPMLimit      *int64   `yaml:"rpm_limit"`
	TPMLimit      *int64   `yaml:"tpm_limit"`
	DailyQuota    *int64   `yaml:"daily_quota"`
	MonthlyQuota  *int64   `yaml:"monthly_quota"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "waddlegate.db",
		},
		RateLimits: RateLimitConfig{
			DefaultRPM:     60,
			DefaultTPM:     100_000,
			DefaultRouting: "load_balanced",
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxSize:    10_000,
			DefaultTTL: 5 * time.Minute,
		},
		Security: SecurityConfig{
			Policy:      "default",
			MaxInFlight: 256,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
