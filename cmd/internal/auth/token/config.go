package token

import (
	"os"
	"strconv"
	"time"
)

const (
	// minSecretBytes is the minimum accepted HS256 signing secret length.
	minSecretBytes = 32

	// minRefreshBytes is the minimum refresh-token entropy.
	minRefreshBytes = 24
)

// Config defines runtime configuration for the token subsystem.
type Config struct {
	// Issuer is the value set in the "iss" claim of access tokens.
	Issuer string

	// AccessTokenTTL defines the lifetime of access tokens (exp - iat).
	AccessTokenTTL time.Duration

	// ClockSkew defines the allowed time skew during token validation.
	ClockSkew time.Duration

	// RefreshTokenBytes defines the number of random bytes used
	// to generate opaque refresh tokens.
	RefreshTokenBytes int

	// Secret is the HS256 signing secret. Required; at least 32 bytes.
	Secret string
}

// DefaultConfig returns production defaults. The secret must still be
// provided.
func DefaultConfig() Config {
	return Config{
		Issuer:            "neontalk",
		AccessTokenTTL:    15 * time.Minute,
		ClockSkew:         0,
		RefreshTokenBytes: 32,
	}
}

// LoadConfigFromEnv loads token configuration from environment variables.
//
// Required:
//   - NEONTALK_AUTH_SECRET
//
// Optional:
//   - NEONTALK_AUTH_ISSUER
//   - NEONTALK_AUTH_ACCESS_TTL (Go duration)
//   - NEONTALK_AUTH_CLOCK_SKEW (Go duration)
//   - NEONTALK_AUTH_REFRESH_TOKEN_BYTES
//
// Returns ErrConfig if configuration is invalid, including a missing or
// short secret.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("NEONTALK_AUTH_ISSUER"); v != "" {
		cfg.Issuer = v
	}

	if v := os.Getenv("NEONTALK_AUTH_ACCESS_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.AccessTokenTTL = d
	}

	if v := os.Getenv("NEONTALK_AUTH_CLOCK_SKEW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.ClockSkew = d
	}

	if v := os.Getenv("NEONTALK_AUTH_REFRESH_TOKEN_BYTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < minRefreshBytes || n > 64 {
			return Config{}, ErrConfig
		}
		cfg.RefreshTokenBytes = n
	}

	cfg.Secret = os.Getenv("NEONTALK_AUTH_SECRET")
	if len(cfg.Secret) < minSecretBytes {
		return Config{}, ErrConfig
	}

	return cfg, nil
}
