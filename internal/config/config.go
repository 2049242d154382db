package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Store drivers.
const (
	DriverBolt     = "bolt"
	DriverPostgres = "postgres"
)

// sessionSecretMinLen matches the HS256 key floor enforced by the guard.
const sessionSecretMinLen = 32

// Config holds all environment-based configuration for authd.
type Config struct {
	// Environment controls log format and cookie security.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8080"`

	// IssuerURL is the externally visible URL of this server. It is the
	// token issuer and the default audience and cookie domain.
	IssuerURL     string `env:"ISSUER_URL"`
	TokenAudience string `env:"TOKEN_AUDIENCE"`

	// ConsentURL is the external login and consent surface that
	// /authorize sends the browser to.
	ConsentURL         string   `env:"CONSENT_URL"`
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`

	StoreDriver string `env:"STORE_DRIVER" envDefault:"bolt"`
	// StatePath is the bbolt file. Defaults to ~/.authd/state.db.
	StatePath   string `env:"STATE_PATH"`
	DatabaseURL string `env:"DATABASE_URL"`

	// CatalogPath is an optional YAML seed of clients, users, roles and
	// scopes. It is watched for changes.
	CatalogPath    string `env:"CATALOG_PATH"`
	SigningKeyFile string `env:"SIGNING_KEY_FILE"`

	SessionSecret     string `env:"SESSION_SECRET"`
	CookieDomainValue string `env:"COOKIE_DOMAIN"`
	CookieSameSiteLax bool   `env:"COOKIE_SAMESITE_LAX" envDefault:"false"`

	AccessTokenTTL     time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"10m"`
	RefreshTokenTTL    time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"720h"`
	SessionTTL         time.Duration `env:"SESSION_TTL" envDefault:"12h"`
	PermissionCacheTTL time.Duration `env:"PERMISSION_CACHE_TTL" envDefault:"5m"`
	LookupTimeout      time.Duration `env:"LOOKUP_TIMEOUT" envDefault:"3s"`

	AllowPlainPKCE           bool `env:"ALLOW_PLAIN_PKCE" envDefault:"false"`
	ScopePermissionsEnforced bool `env:"SCOPE_PERMISSIONS_ENFORCED" envDefault:"false"`

	// TokenRateLimit is requests per second per caller IP on the token
	// and login endpoints. Zero disables limiting.
	TokenRateLimit int `env:"TOKEN_RATE_LIMIT" envDefault:"10"`

	// TrustProxyHeaders takes the caller IP from X-Forwarded-For and
	// X-Real-IP. Only safe behind a proxy that overwrites them.
	TrustProxyHeaders bool `env:"TRUST_PROXY_HEADERS" envDefault:"false"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.IssuerURL = strings.TrimRight(cfg.IssuerURL, "/")

	if cfg.TokenAudience == "" {
		cfg.TokenAudience = cfg.IssuerURL
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StoreDriver == DriverBolt && cfg.StatePath != "" {
		absPath, err := filepath.Abs(cfg.StatePath)
		if err != nil {
			return nil, fmt.Errorf("resolving state path to absolute path: %w", err)
		}

		cfg.StatePath = absPath
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.IssuerURL == "" {
		return fmt.Errorf("ISSUER_URL is required")
	}

	issuer, err := url.Parse(c.IssuerURL)
	if err != nil || issuer.Scheme == "" || issuer.Host == "" {
		return fmt.Errorf("ISSUER_URL must be an absolute URL")
	}

	if issuer.RawQuery != "" || issuer.Fragment != "" {
		return fmt.Errorf("ISSUER_URL must not have a query or fragment")
	}

	if c.IsProduction() && issuer.Scheme != "https" {
		return fmt.Errorf("ISSUER_URL must use https in production")
	}

	if c.ConsentURL == "" {
		return fmt.Errorf("CONSENT_URL is required")
	}

	if u, err := url.Parse(c.ConsentURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("CONSENT_URL must be an absolute URL")
	}

	if len(c.SessionSecret) < sessionSecretMinLen {
		return fmt.Errorf("SESSION_SECRET must be at least %d bytes", sessionSecretMinLen)
	}

	switch c.StoreDriver {
	case DriverBolt:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is postgres")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q", DriverBolt, DriverPostgres)
	}

	for name, d := range map[string]time.Duration{
		"ACCESS_TOKEN_TTL":     c.AccessTokenTTL,
		"REFRESH_TOKEN_TTL":    c.RefreshTokenTTL,
		"SESSION_TTL":          c.SessionTTL,
		"PERMISSION_CACHE_TTL": c.PermissionCacheTTL,
		"LOOKUP_TIMEOUT":       c.LookupTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.TokenRateLimit < 0 {
		return fmt.Errorf("TOKEN_RATE_LIMIT must not be negative")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// CookieDomain returns the session cookie Domain attribute: COOKIE_DOMAIN
// when set, else the host of ISSUER_URL.
func (c *Config) CookieDomain() string {
	if c.CookieDomainValue != "" {
		return c.CookieDomainValue
	}

	u, err := url.Parse(c.IssuerURL)
	if err != nil {
		return ""
	}

	return u.Hostname()
}
