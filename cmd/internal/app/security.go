package app

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

const minTokenSecretBytes = 32

// ValidateSecurityConfig enforces the startup security policy.
// Fail-fast is intentional: silently falling back to weaker token signing
// in production is unacceptable.
func ValidateSecurityConfig(cfg Config) error {
	if !cfg.RequireTokenSecret {
		return nil
	}
	if cfg.TokenSecret == "" {
		return errors.New("security policy: COOP_REQUIRE_TOKEN_SECRET=true but COOP_TOKEN_SECRET is missing")
	}
	// Bytes, not runes: the secret is used as raw HMAC key material.
	if len(cfg.TokenSecret) < minTokenSecretBytes {
		return fmt.Errorf("security policy: COOP_TOKEN_SECRET is too short (min %d bytes)", minTokenSecretBytes)
	}
	return nil
}

// resolveTokenSecret returns the configured secret, or generates an ephemeral
// one for dev runs. Ephemeral secrets invalidate all issued tokens on restart.
func resolveTokenSecret(cfg Config, log Logger) ([]byte, error) {
	if cfg.TokenSecret != "" {
		return []byte(cfg.TokenSecret), nil
	}

	buf := make([]byte, minTokenSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate ephemeral token secret: %w", err)
	}

	secret := []byte(hex.EncodeToString(buf))
	log.Warn("security.token_secret.ephemeral", "note", "tokens will not survive restarts; set COOP_TOKEN_SECRET")
	return secret, nil
}
