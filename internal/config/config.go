package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config application configuration
type Config struct {
	// HTTP
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	// Database
	DatabasePath string `env:"DATABASE_PATH" envDefault:"./data/mailbridge.db"`

	// Microsoft identity platform
	ClientID     string   `env:"MS_CLIENT_ID,required,notEmpty"`
	ClientSecret string   `env:"MS_CLIENT_SECRET,required,notEmpty"`
	RedirectURL  string   `env:"MS_REDIRECT_URL,required,notEmpty"`
	Tenant       string   `env:"MS_TENANT" envDefault:"common"`
	Scopes       []string `env:"MS_SCOPES" envSeparator:" " envDefault:"offline_access Mail.Read Mail.Send"`
	AuthURL      string   `env:"MS_AUTH_URL"`  // overrides the tenant authorize endpoint
	TokenURL     string   `env:"MS_TOKEN_URL"` // overrides the tenant token endpoint

	// Microsoft Graph
	GraphBaseURL    string        `env:"GRAPH_BASE_URL" envDefault:"https://graph.microsoft.com/v1.0"`
	ProviderTimeout time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"30s"`
	BreakerEnabled  bool          `env:"BREAKER_ENABLED" envDefault:"true"`

	// Sync
	SyncInterval      time.Duration `env:"SYNC_INTERVAL" envDefault:"5m"`
	SyncWorkers       int           `env:"SYNC_WORKERS" envDefault:"1"`
	SyncInboxPageSize int           `env:"SYNC_INBOX_PAGE_SIZE" envDefault:"100"`
	SyncSentPageSize  int           `env:"SYNC_SENT_PAGE_SIZE" envDefault:"50"`

	// Optional integrations
	NATSURL string `env:"NATS_URL"`
	JWKSURL string `env:"JWKS_URL"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"` // "json" or "console"
}

// NATSEnabled returns true if event publishing is configured
func (c *Config) NATSEnabled() bool {
	return c.NATSURL != ""
}

// AuthEnabled returns true if operator endpoints require a bearer token
func (c *Config) AuthEnabled() bool {
	return c.JWKSURL != ""
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.SyncWorkers < 1 {
		return fmt.Errorf("SYNC_WORKERS must be at least 1, got %d", c.SyncWorkers)
	}
	if c.SyncInboxPageSize < 1 || c.SyncSentPageSize < 1 {
		return fmt.Errorf("sync page sizes must be positive")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("SYNC_INTERVAL must be positive, got %s", c.SyncInterval)
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat)
	}
	return nil
}
