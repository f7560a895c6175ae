package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds service configuration loaded from SENTRA_* environment variables.
type Config struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8080"`
	Version    string `envconfig:"VERSION" default:"dev"`
	PGDSN      string `envconfig:"PG_DSN" default:""`

	// Token issuance.
	TokenSecret string `envconfig:"TOKEN_SECRET" default:""`
	// CredentialKey is the 32-byte key for encrypted credential fields.
	CredentialKey string        `envconfig:"CREDENTIAL_KEY" default:""`
	Issuer        string        `envconfig:"TOKEN_ISSUER" default:"sentra-auth"`
	AccessTTL     time.Duration `envconfig:"ACCESS_TTL" default:"15m"`
	RefreshTTL    time.Duration `envconfig:"REFRESH_TTL" default:"336h"`

	// Brute-force guard.
	MaxFailedLogins int           `envconfig:"MAX_FAILED_LOGINS" default:"10"`
	LockoutMinimum  time.Duration `envconfig:"LOCKOUT_MINIMUM" default:"30s"`
	LockoutBlock    time.Duration `envconfig:"LOCKOUT_BLOCK" default:"30m"`

	// Session registry.
	SessionIdleTimeout time.Duration `envconfig:"SESSION_IDLE_TIMEOUT" default:"1h"`
	SweepInterval      time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`
	AttemptTTL         time.Duration `envconfig:"ATTEMPT_TTL" default:"10m"`

	AnonymousAccess bool `envconfig:"ANONYMOUS_ACCESS" default:"false"`
	SetupMode       bool `envconfig:"SETUP_MODE" default:"false"`

	// Optional federated upstream (OIDC).
	OIDCIssuer       string `envconfig:"OIDC_ISSUER" default:""`
	OIDCClientID     string `envconfig:"OIDC_CLIENT_ID" default:""`
	OIDCClientSecret string `envconfig:"OIDC_CLIENT_SECRET" default:""`
	OIDCRedirectURL  string `envconfig:"OIDC_REDIRECT_URL" default:""`

	// HTTP rate limiting.
	RateLimitBurst     int `envconfig:"RATE_LIMIT_BURST" default:"20"`
	RateLimitPerSecond int `envconfig:"RATE_LIMIT_PER_SECOND" default:"10"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("sentra", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
