package auth

import (
	"os"
	"strings"
	"time"
)

// Config controls token verification.
type Config struct {
	// Required enables the gate. When false the servers trust identify
	// payloads and X-User-ID headers (development only).
	Required bool

	// Issuer is matched against the "iss" claim.
	Issuer string

	// ClockSkew is tolerated when checking nbf/exp.
	ClockSkew time.Duration

	// PublicKeyHex verifies v4.public tokens.
	PublicKeyHex string

	// SecretKeyHex is optional; when present the manager can also issue
	// tokens (smoke tooling and tests).
	SecretKeyHex string

	// TokenTTL applies to tokens issued locally.
	TokenTTL time.Duration
}

// DefaultConfig returns development defaults.
func DefaultConfig() Config {
	return Config{
		Issuer:    "classchat",
		ClockSkew: 30 * time.Second,
		TokenTTL:  15 * time.Minute,
	}
}

// LoadConfigFromEnv loads auth configuration.
//
// Keys:
//   - CLASSCHAT_AUTH_REQUIRED
//   - CLASSCHAT_AUTH_ISSUER
//   - CLASSCHAT_AUTH_CLOCK_SKEW
//   - CLASSCHAT_AUTH_TOKEN_TTL
//   - CLASSCHAT_PASETO_V4_PUBLIC_KEY_HEX
//   - CLASSCHAT_PASETO_V4_SECRET_KEY_HEX
//
// Returns ErrConfig when the gate is required but no key is configured, or a
// duration is malformed.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	switch strings.ToLower(strings.TrimSpace(os.Getenv("CLASSCHAT_AUTH_REQUIRED"))) {
	case "1", "true", "yes":
		cfg.Required = true
	}

	if v := strings.TrimSpace(os.Getenv("CLASSCHAT_AUTH_ISSUER")); v != "" {
		cfg.Issuer = v
	}
	if v := strings.TrimSpace(os.Getenv("CLASSCHAT_AUTH_CLOCK_SKEW")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.ClockSkew = d
	}
	if v := strings.TrimSpace(os.Getenv("CLASSCHAT_AUTH_TOKEN_TTL")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.TokenTTL = d
	}

	cfg.PublicKeyHex = strings.TrimSpace(os.Getenv("CLASSCHAT_PASETO_V4_PUBLIC_KEY_HEX"))
	cfg.SecretKeyHex = strings.TrimSpace(os.Getenv("CLASSCHAT_PASETO_V4_SECRET_KEY_HEX"))

	if cfg.Required && cfg.PublicKeyHex == "" && cfg.SecretKeyHex == "" {
		return Config{}, ErrConfig
	}
	return cfg, nil
}
