// Package config resolves process-wide configuration once at startup.
package config

import (
	"fmt"
	"os"

	"github.com/TheHypedge/riviso-sub001/internal/errs"
)

// defaultStateSecret is a known-weak fallback for STATE_SIGNING_SECRET,
// kept for parity with older deployments. Boot logs a warning when used.
const defaultStateSecret = "riviso-state-signing"

// Config holds read-only settings resolved at startup.
type Config struct {
	DatabaseDSN          string
	GoogleClientID       string
	GoogleClientSecret   string
	GoogleRedirectURI    string
	EncryptionPassphrase string
	StateSigningSecret   string

	// StateSecretDefaulted is true when the weak fallback secret is in use.
	StateSecretDefaulted bool
}

// Load reads settings from the environment. A missing secret is fatal here,
// never deferred to first use.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseDSN:          os.Getenv("DATABASE_DSN"),
		GoogleClientID:       os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret:   os.Getenv("GOOGLE_CLIENT_SECRET"),
		GoogleRedirectURI:    os.Getenv("GOOGLE_REDIRECT_URI"),
		EncryptionPassphrase: os.Getenv("TOKEN_ENCRYPTION_PASSPHRASE"),
		StateSigningSecret:   os.Getenv("STATE_SIGNING_SECRET"),
	}

	for _, req := range []struct{ name, val string }{
		{"DATABASE_DSN", cfg.DatabaseDSN},
		{"GOOGLE_CLIENT_ID", cfg.GoogleClientID},
		{"GOOGLE_CLIENT_SECRET", cfg.GoogleClientSecret},
		{"GOOGLE_REDIRECT_URI", cfg.GoogleRedirectURI},
		{"TOKEN_ENCRYPTION_PASSPHRASE", cfg.EncryptionPassphrase},
	} {
		if req.val == "" {
			return nil, fmt.Errorf("%w: %s is not set", errs.ErrConfiguration, req.name)
		}
	}

	if cfg.StateSigningSecret == "" {
		cfg.StateSigningSecret = defaultStateSecret
		cfg.StateSecretDefaulted = true
	}
	return cfg, nil
}
