package config

import (
	"encoding/hex"
	"fmt"
	"slices"
	"time"
)

// Validate performs business-rule validation on the loaded configuration.
// Load calls it automatically.
func (c *Config) Validate() error {
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters (got %d)", len(c.Auth.JWTSecret))
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Log.Level) {
		return fmt.Errorf("log.level must be debug, info, warn or error (got %q)", c.Log.Level)
	}

	switch c.Store.Driver {
	case "http":
		if c.Platform.BaseURL == "" {
			return fmt.Errorf("platform.base_url is required with store.driver http")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required with store.driver postgres")
		}
	default:
		return fmt.Errorf("store.driver must be http or postgres (got %q)", c.Store.Driver)
	}

	switch c.Decrypt.Mode {
	case "remote":
		if c.Decrypt.URL == "" {
			return fmt.Errorf("decrypt.url is required with decrypt.mode remote")
		}
	case "local":
		if b, err := hex.DecodeString(c.Decrypt.AppKey); err != nil || len(b) != 32 {
			return fmt.Errorf("decrypt.app_key must be 64 hex characters with decrypt.mode local")
		}
	default:
		return fmt.Errorf("decrypt.mode must be remote or local (got %q)", c.Decrypt.Mode)
	}

	if c.Lessons.MaxAttempts < 1 {
		return fmt.Errorf("lessons.max_attempts must be >= 1 (got %d)", c.Lessons.MaxAttempts)
	}
	for name, d := range map[string]time.Duration{
		"payments.course_poll_interval":   c.Payments.CoursePollInterval,
		"payments.resource_poll_interval": c.Payments.ResourcePollInterval,
	} {
		if d < time.Second || d > 5*time.Second {
			return fmt.Errorf("%s must be between 1s and 5s (got %v)", name, d)
		}
	}
	if c.Payments.LightningAddress == "" {
		return fmt.Errorf("payments.lightning_address is required")
	}

	if c.Subscription.AmountSats <= 0 {
		return fmt.Errorf("subscription.amount_sats must be > 0")
	}
	if !slices.Contains([]string{"nip04", "nip44_v2"}, c.Subscription.Encryption) {
		return fmt.Errorf("subscription.nwc_encryption must be nip04 or nip44_v2 (got %q)", c.Subscription.Encryption)
	}
	if len(c.Content.Relays) == 0 {
		return fmt.Errorf("content.relays must not be empty")
	}
	return nil
}
