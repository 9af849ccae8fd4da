package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"bazaar/cmd/internal/auth"
)

const minJWTSecretBytes = 32

// ValidateSecurityConfig enforces the caller-identity policy at startup.
// A server without a verifier only starts behind a trusted gateway header.
func ValidateSecurityConfig(cfg Config) error {
	secret := strings.TrimSpace(cfg.JWTSecret)
	switch {
	case secret != "" && cfg.JWTPublicKeyFile != "":
		return errors.New("security policy: set only one of BAZAAR_JWT_SECRET and BAZAAR_JWT_PUBLIC_KEY_FILE")
	case secret != "" && len(secret) < minJWTSecretBytes:
		// Measured in bytes because the key is used as raw bytes.
		return fmt.Errorf("security policy: BAZAAR_JWT_SECRET is too short (min %d bytes)", minJWTSecretBytes)
	case secret == "" && cfg.JWTPublicKeyFile == "" && cfg.TrustedHeader == "":
		return errors.New("security policy: no caller identity configured; set BAZAAR_JWT_SECRET, BAZAAR_JWT_PUBLIC_KEY_FILE or BAZAAR_AUTH_TRUSTED_HEADER")
	}
	return nil
}

// NewVerifier builds the token verifier from config. It returns nil when only
// the trusted header is configured.
func NewVerifier(cfg Config) (auth.Verifier, error) {
	var opts []auth.JWTOption
	if cfg.JWTIssuer != "" {
		opts = append(opts, auth.WithIssuer(cfg.JWTIssuer))
	}
	if cfg.JWTAudience != "" {
		opts = append(opts, auth.WithAudience(cfg.JWTAudience))
	}
	opts = append(opts, auth.WithLeeway(30*time.Second))

	switch {
	case cfg.JWTPublicKeyFile != "":
		pem, err := os.ReadFile(cfg.JWTPublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read jwt public key: %w", err)
		}
		v, err := auth.NewRS256Verifier(pem, opts...)
		if err != nil {
			return nil, err
		}
		return v, nil
	case strings.TrimSpace(cfg.JWTSecret) != "":
		v, err := auth.NewHS256Verifier([]byte(strings.TrimSpace(cfg.JWTSecret)), opts...)
		if err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, nil
	}
}
