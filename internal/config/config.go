// Package config handles loading application configuration from environment
// variables. All config is centralized here so no other package reads env
// vars directly. Sensible defaults are provided for development.
package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-sql-driver/mysql"
)

// Onboarding policies decide when a fresh login is sent to /app/onboarding.
const (
	OnboardingNone            = "none"
	OnboardingAddress         = "address"
	OnboardingAcknowledgement = "acknowledgement"
)

// Config holds all application configuration. Populated from environment
// variables at startup. Passed to other packages via dependency injection.
type Config struct {
	// Env is the runtime environment: "development" or "production".
	Env string `env:"ENV" envDefault:"development"`

	// Port is the HTTP listen port (default: 8080).
	Port int `env:"PORT" envDefault:"8080"`

	// BaseURL is the public-facing URL used for links and redirects.
	BaseURL string `env:"BASE_URL" envDefault:"http://localhost:8080"`

	// LogLevel controls log verbosity: "debug", "info", "warn", "error".
	LogLevel string `env:"LOG_LEVEL" envDefault:"debug"`

	// TrustedProxies lists CIDRs whose forwarding headers are believed.
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:"," envDefault:"127.0.0.1/8,10.0.0.0/8,172.16.0.0/12,192.168.0.0/16,::1/128,fd00::/8"`

	Database      DatabaseConfig
	Redis         RedisConfig
	Session       SessionConfig
	IdentityVault IdentityVaultConfig
	Backend       BackendConfig
	Chat          ChatConfig
	Flags         FlagsConfig
	RateLimit     RateLimitConfig
	Onboarding    OnboardingConfig
	Telemetry     TelemetryConfig
}

// DatabaseConfig holds MariaDB connection parameters for the audit log.
// Individual fields are read from separate env vars; DATABASE_URL, when
// set, takes precedence.
type DatabaseConfig struct {
	// Host is the MariaDB address in host:port format. If no port is
	// specified, 3306 is appended automatically.
	Host     string `env:"DB_HOST" envDefault:"localhost:3306"`
	User     string `env:"DB_USER" envDefault:"buildboard"`
	Password string `env:"DB_PASSWORD" envDefault:"buildboard"`
	Name     string `env:"DB_NAME" envDefault:"buildboard"`

	// URL is a complete driver DSN that bypasses the individual fields.
	URL string `env:"DATABASE_URL"`

	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"10"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"5m"`

	// MigrationsPath is the directory holding golang-migrate SQL files.
	MigrationsPath string `env:"DB_MIGRATIONS_PATH" envDefault:"db/migrations"`
}

// DSN returns the go-sql-driver/mysql connection string. If DATABASE_URL was
// set, it is returned as-is. Otherwise the DSN is built with the driver's
// Config.FormatDSN() to safely handle special characters in passwords.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	cfg := mysql.NewConfig()
	cfg.User = d.User
	cfg.Passwd = d.Password
	cfg.Net = "tcp"
	cfg.Addr = ensurePort(d.Host, "3306")
	cfg.DBName = d.Name
	cfg.ParseTime = true
	return cfg.FormatDSN()
}

// ensurePort appends the default port if the host string doesn't include one.
// Allows DB_HOST=mydb (gets :3306) or DB_HOST=mydb:3307 (as-is).
func ensurePort(host, defaultPort string) string {
	_, _, err := net.SplitHostPort(host)
	if err != nil {
		return net.JoinHostPort(host, defaultPort)
	}
	return host
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	// URL is the Redis connection URL (e.g., "redis://localhost:6379").
	URL string `env:"REDIS_URL" envDefault:"redis://localhost:6379"`
}

// SessionConfig holds the session cookie settings.
type SessionConfig struct {
	// Key is the AES-256 session key as 64 hex characters.
	Key string `env:"SESSION_KEY"`

	// TTL is the session cookie lifetime.
	TTL time.Duration `env:"SESSION_TTL" envDefault:"720h"`
}

// KeyBytes decodes Key.
func (s SessionConfig) KeyBytes() ([]byte, error) {
	key, err := hex.DecodeString(s.Key)
	if err != nil {
		return nil, fmt.Errorf("SESSION_KEY is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("SESSION_KEY must be 64 hex characters (32 bytes), got %d bytes", len(key))
	}
	return key, nil
}

// IdentityVaultConfig holds the identity provider client settings.
type IdentityVaultConfig struct {
	ClientID     string `env:"IDV_CLIENT_ID"`
	ClientSecret string `env:"IDV_CLIENT_SECRET"`
	RedirectURL  string `env:"IDV_REDIRECT_URL" envDefault:"http://localhost:8080/auth/idv/callback"`

	// Host overrides the environment-derived provider host.
	Host string `env:"IDV_HOST"`

	// ProgramKey authenticates admin identity lookups.
	ProgramKey string `env:"IDV_PROGRAM_KEY"`

	// Bypass skips the provider and treats every login as verified. Refused
	// in production.
	Bypass      bool   `env:"IDV_BYPASS" envDefault:"false"`
	BypassEmail string `env:"IDV_BYPASS_EMAIL" envDefault:"dev@localhost"`

	RetryAttempts  int           `env:"IDV_RETRY_ATTEMPTS" envDefault:"4"`
	RetryBaseDelay time.Duration `env:"IDV_RETRY_BASE_DELAY" envDefault:"500ms"`
}

// BackendConfig locates the backend record store.
type BackendConfig struct {
	URL     string        `env:"BACKEND_URL" envDefault:"http://localhost:4000"`
	// Token is sent as the Authorization header exactly as configured, so
	// it carries its own scheme, e.g. "Bearer abc123".
	Token   string        `env:"BACKEND_TOKEN"`
	Timeout time.Duration `env:"BACKEND_TIMEOUT" envDefault:"10s"`
}

// ChatConfig holds the Slack OpenID Connect client settings.
type ChatConfig struct {
	ClientID     string `env:"SLACK_CLIENT_ID"`
	ClientSecret string `env:"SLACK_CLIENT_SECRET"`
	RedirectURL  string `env:"SLACK_REDIRECT_URL" envDefault:"http://localhost:8080/oauth/slack/callback"`
}

// Enabled reports whether Slack login is configured.
func (c ChatConfig) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// FlagsConfig holds feature flag defaults.
type FlagsConfig struct {
	// Defaults is "name=bool" pairs separated by commas, used when Redis is
	// unavailable and for flags that were never set.
	Defaults string `env:"FLAG_DEFAULTS" envDefault:"enable-platform=true"`
}

// RateLimitConfig holds the login start throttle.
type RateLimitConfig struct {
	StartLimit  int           `env:"START_RATE_LIMIT" envDefault:"10"`
	StartWindow time.Duration `env:"START_RATE_WINDOW" envDefault:"1m"`
}

// OnboardingConfig selects when a login is routed through onboarding.
type OnboardingConfig struct {
	Policy string `env:"ONBOARDING_POLICY" envDefault:"none"`
}

// TelemetryConfig holds OpenTelemetry export settings. Tracing is off when
// Endpoint is empty.
type TelemetryConfig struct {
	Endpoint    string `env:"OTEL_ENDPOINT"`
	ServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"buildboard"`
}

// Load reads configuration from environment variables with sensible defaults.
// Returns an error if required variables are missing.
func Load() (*Config, error) {
	return load(env.Options{})
}

// load parses with the given options; tests pass an explicit Environment.
func load(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	switch cfg.Onboarding.Policy {
	case OnboardingNone, OnboardingAddress, OnboardingAcknowledgement:
	default:
		return nil, fmt.Errorf("ONBOARDING_POLICY must be one of none, address, acknowledgement; got %q", cfg.Onboarding.Policy)
	}
	if cfg.RateLimit.StartLimit < 1 || cfg.RateLimit.StartWindow <= 0 {
		return nil, fmt.Errorf("START_RATE_LIMIT and START_RATE_WINDOW must be positive")
	}
	if cfg.IdentityVault.RetryAttempts < 1 {
		return nil, fmt.Errorf("IDV_RETRY_ATTEMPTS must be at least 1")
	}

	// Validate required fields in production. Case-insensitive check catches
	// common variants like "Production", "prod", etc.
	if cfg.IsProduction() {
		// Normalized so every consumer sees one spelling.
		cfg.Env = "production"

		if cfg.IdentityVault.Bypass {
			return nil, fmt.Errorf("IDV_BYPASS cannot be enabled in production")
		}
		if cfg.Session.Key == "" {
			return nil, fmt.Errorf("SESSION_KEY is required in production")
		}
		if cfg.Backend.Token == "" {
			return nil, fmt.Errorf("BACKEND_TOKEN is required in production")
		}
		if cfg.IdentityVault.ClientID == "" || cfg.IdentityVault.ClientSecret == "" {
			return nil, fmt.Errorf("IDV_CLIENT_ID and IDV_CLIENT_SECRET are required in production")
		}
	}

	// Provide a dev-only default key so local dev works without .env.
	if cfg.Session.Key == "" {
		cfg.Session.Key = strings.Repeat("0123456789abcdef", 4)
	}
	if _, err := cfg.Session.KeyBytes(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	env := strings.ToLower(c.Env)
	return env == "development" || env == "dev"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Env)
	return env == "production" || env == "prod"
}
